// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestChromaQuerySuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/collections/rag_documents_collection/query" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var req chromaQueryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding query request: %v", err)
		}
		if len(req.QueryTexts) != 1 || req.QueryTexts[0] != "What is Docker?" {
			t.Errorf("query_texts = %v", req.QueryTexts)
		}
		if req.NResults != 3 {
			t.Errorf("n_results = %d, want 3", req.NResults)
		}

		fmt.Fprint(w, `{"documents":[["passage one","passage two"]],"distances":[[0.1,0.2]]}`)
	}))
	defer server.Close()

	client := NewChromaClientWithConfig(server.URL, server.Client())
	passages, err := client.Query(context.Background(), "What is Docker?", "rag_documents_collection", 3)
	if err != nil {
		t.Fatalf("Query = %v, want nil", err)
	}
	if len(passages) != 2 || passages[0] != "passage one" || passages[1] != "passage two" {
		t.Errorf("passages = %v", passages)
	}
}

func TestChromaQueryMissingCollection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "collection not found", http.StatusNotFound)
	}))
	defer server.Close()

	client := NewChromaClientWithConfig(server.URL, server.Client())
	_, err := client.Query(context.Background(), "q", "missing", 3)
	if err == nil {
		t.Fatal("Query against missing collection succeeded")
	}

	var re *RetrievalError
	if !errors.As(err, &re) {
		t.Fatalf("error type = %T, want *RetrievalError", err)
	}
	if re.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want 404", re.StatusCode)
	}
	if re.Retryable {
		t.Error("404 marked retryable")
	}
}

func TestChromaQueryServerErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewChromaClientWithConfig(server.URL, server.Client())
	_, err := client.Query(context.Background(), "q", "c", 3)

	var re *RetrievalError
	if !errors.As(err, &re) {
		t.Fatalf("error type = %T, want *RetrievalError", err)
	}
	if !re.Retryable {
		t.Error("503 not marked retryable")
	}
}

func TestChromaQueryTransportError(t *testing.T) {
	client := NewChromaClientWithConfig("http://127.0.0.1:1", &http.Client{Timeout: time.Second})
	_, err := client.Query(context.Background(), "q", "c", 3)
	if !IsRetrievalError(err) {
		t.Errorf("transport failure error = %v, want *RetrievalError", err)
	}
}

func TestChromaQueryMalformedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "not json at all")
	}))
	defer server.Close()

	client := NewChromaClientWithConfig(server.URL, server.Client())
	if _, err := client.Query(context.Background(), "q", "c", 3); err == nil {
		t.Error("Query with malformed body succeeded")
	}
}

func TestChromaHealth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/heartbeat" {
			t.Errorf("path = %q, want /heartbeat", r.URL.Path)
		}
		fmt.Fprint(w, `{"nanosecond heartbeat":1}`)
	}))
	defer server.Close()

	client := NewChromaClientWithConfig(server.URL, server.Client())
	if err := client.Health(context.Background()); err != nil {
		t.Errorf("Health = %v, want nil", err)
	}
}

func TestResolveVectorStoreURL(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		t.Setenv("VECTOR_STORE_URL", "")
		t.Setenv("CHROMA_URL", "")
		if got := ResolveVectorStoreURL(); got != defaultVectorStoreURL {
			t.Errorf("ResolveVectorStoreURL = %q, want %q", got, defaultVectorStoreURL)
		}
	})

	t.Run("deprecated alias", func(t *testing.T) {
		t.Setenv("VECTOR_STORE_URL", "")
		t.Setenv("CHROMA_URL", "http://old:8000")
		if got := ResolveVectorStoreURL(); got != "http://old:8000" {
			t.Errorf("ResolveVectorStoreURL = %q, want alias value", got)
		}
	})
}
