// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vectorstore adapts the external vector store behind the Retriever
// interface. A chroma-style HTTP backend is the default; a weaviate backend
// can be selected with VECTOR_BACKEND=weaviate. Backend failures never fail
// a request: the composing Service degrades to the fallback knowledge table.
package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var chromaTracer = otel.Tracer("aleutian.rag.vectorstore")

const (
	defaultVectorStoreURL = "http://localhost:8000"

	// DefaultRetrievalTimeout bounds one query call end to end.
	DefaultRetrievalTimeout = 3 * time.Second

	// DefaultK is the passage count when the caller does not specify one.
	DefaultK = 3

	// MaxK is the hard cap on retrieved passages; larger requests are clamped.
	MaxK = 10
)

// RetrievalError wraps a failed vector-store call with the HTTP status and
// whether a retry could plausibly succeed. The orchestrator never retries;
// Retryable exists for logging and for clients that do.
type RetrievalError struct {
	StatusCode int
	Message    string
	Retryable  bool
}

// Error implements the error interface for RetrievalError.
func (e *RetrievalError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("vectorstore: %s", e.Message)
	}
	return fmt.Sprintf("vectorstore: status %d: %s", e.StatusCode, e.Message)
}

// IsRetrievalError checks whether err is (or wraps) a *RetrievalError.
func IsRetrievalError(err error) bool {
	var re *RetrievalError
	return errors.As(err, &re)
}

// ResolveVectorStoreURL returns the vector store base URL from the
// environment.
//
// Description:
//
//	Prefers VECTOR_STORE_URL. Falls back to the deprecated CHROMA_URL with
//	a warning, then to http://localhost:8000.
//
// Thread Safety: Safe for concurrent use.
func ResolveVectorStoreURL() string {
	if url := os.Getenv("VECTOR_STORE_URL"); url != "" {
		return url
	}
	if url := os.Getenv("CHROMA_URL"); url != "" {
		slog.Warn("CHROMA_URL is deprecated, use VECTOR_STORE_URL instead")
		return url
	}
	return defaultVectorStoreURL
}

// chromaQueryRequest is the wire body for POST /collections/{name}/query.
type chromaQueryRequest struct {
	QueryTexts []string `json:"query_texts"`
	NResults   int      `json:"n_results"`
}

// chromaQueryResponse is the subset of the query response we consume.
// documents is a list of per-query-text passage lists; we send one query
// text, so documents[0] holds our passages.
type chromaQueryResponse struct {
	Documents [][]string `json:"documents"`
}

// ChromaClient talks to a chroma-style vector store over HTTP/JSON.
//
// Thread Safety: ChromaClient is safe for concurrent use.
type ChromaClient struct {
	httpClient *http.Client
	baseURL    string
	timeout    time.Duration
}

// NewChromaClient creates a client from the environment. Pass the shared
// pool's client so connections are reused; nil falls back to a standalone
// client.
func NewChromaClient(httpClient *http.Client) *ChromaClient {
	timeout := DefaultRetrievalTimeout
	if raw := os.Getenv("RAG_RETRIEVAL_TIMEOUT"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			timeout = d
		} else {
			slog.Warn("Invalid RAG_RETRIEVAL_TIMEOUT, using default",
				slog.String("value", raw),
				slog.Duration("default", DefaultRetrievalTimeout))
		}
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout + time.Second}
	}
	return &ChromaClient{
		httpClient: httpClient,
		baseURL:    ResolveVectorStoreURL(),
		timeout:    timeout,
	}
}

// NewChromaClientWithConfig creates a client with explicit configuration.
// Useful for testing against httptest servers.
func NewChromaClientWithConfig(baseURL string, httpClient *http.Client) *ChromaClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultRetrievalTimeout + time.Second}
	}
	return &ChromaClient{
		httpClient: httpClient,
		baseURL:    baseURL,
		timeout:    DefaultRetrievalTimeout,
	}
}

// Query fetches the top-k passages for question from the named collection.
//
// # Description
//
// POSTs {"query_texts":[question],"n_results":k} to
// {base}/collections/{collection}/query with a 3s (RAG_RETRIEVAL_TIMEOUT)
// deadline and parses documents[0]. Any non-200 status — including 404 for
// a missing collection — and any transport or parse failure returns a
// *RetrievalError; the composing Service turns those into fallback passages.
//
// # Inputs
//
//   - ctx: Cancellation; the retrieval deadline is applied on top.
//   - question: The question text, sent verbatim as the only query text.
//   - collection: Vector-store collection name. Must not be empty.
//   - k: Number of passages; the caller clamps to [1, MaxK].
//
// Thread Safety: This method is safe for concurrent use.
func (c *ChromaClient) Query(ctx context.Context, question, collection string, k int) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ctx, span := chromaTracer.Start(ctx, "vectorstore.Query")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.Int("k", k),
	)

	start := time.Now()
	result, err := c.query(ctx, question, collection, k)
	recordRetrievalMetrics("chroma", time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		return nil, err
	}

	span.SetStatus(codes.Ok, "")
	span.SetAttributes(attribute.Int("passages", len(result)))
	return result, nil
}

func (c *ChromaClient) query(ctx context.Context, question, collection string, k int) ([]string, error) {
	payload := chromaQueryRequest{
		QueryTexts: []string{question},
		NResults:   k,
	}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, &RetrievalError{Message: fmt.Sprintf("marshaling query: %v", err)}
	}

	url := fmt.Sprintf("%s/collections/%s/query", strings.TrimSuffix(c.baseURL, "/"), collection)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, &RetrievalError{Message: fmt.Sprintf("creating HTTP request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &RetrievalError{Message: fmt.Sprintf("HTTP request failed: %v", err), Retryable: true}
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RetrievalError{Message: fmt.Sprintf("reading response body: %v", err), Retryable: true}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &RetrievalError{
			StatusCode: resp.StatusCode,
			Message:    string(bodyBytes),
			Retryable:  isRetryableStatusCode(resp.StatusCode),
		}
	}

	var queryResp chromaQueryResponse
	if err := json.Unmarshal(bodyBytes, &queryResp); err != nil {
		return nil, &RetrievalError{Message: fmt.Sprintf("parsing response JSON: %v", err)}
	}
	if len(queryResp.Documents) == 0 {
		return nil, nil
	}
	return queryResp.Documents[0], nil
}

// isRetryableStatusCode reports whether a status indicates a transient
// failure. 502/503/504 are transient; 404 (missing collection) is not.
func isRetryableStatusCode(statusCode int) bool {
	switch statusCode {
	case http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// Health probes the store's heartbeat endpoint. 200 means healthy.
func (c *ChromaClient) Health(ctx context.Context) error {
	url := strings.TrimSuffix(c.baseURL, "/") + "/heartbeat"
	httpReq, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return fmt.Errorf("vectorstore: creating health request: %w", err)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("vectorstore: health check failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("vectorstore: heartbeat returned status %d", resp.StatusCode)
	}
	return nil
}
