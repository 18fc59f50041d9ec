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
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	defaultWeaviateHost   = "localhost:8080"
	defaultWeaviateScheme = "http"
	defaultWeaviateClass  = "RagDocument"

	// weaviateTextProperty is the object property holding the passage text.
	weaviateTextProperty = "text"
)

// WeaviateBackend implements Backend over the weaviate GraphQL API.
//
// # Description
//
// Selected with VECTOR_BACKEND=weaviate. Queries run a nearText search
// against the configured class and read the text property of each match.
// The collection argument of Query is ignored: weaviate routing is by
// class, fixed at construction (WEAVIATE_CLASS).
//
// # Thread Safety
//
// Safe for concurrent use.
type WeaviateBackend struct {
	client  *weaviate.Client
	class   string
	timeout time.Duration
}

// NewWeaviateBackend builds the backend from WEAVIATE_HOST, WEAVIATE_SCHEME,
// and WEAVIATE_CLASS (defaults localhost:8080, http, RagDocument).
func NewWeaviateBackend() (*WeaviateBackend, error) {
	host := os.Getenv("WEAVIATE_HOST")
	if host == "" {
		host = defaultWeaviateHost
	}
	scheme := os.Getenv("WEAVIATE_SCHEME")
	if scheme == "" {
		scheme = defaultWeaviateScheme
	}
	class := os.Getenv("WEAVIATE_CLASS")
	if class == "" {
		class = defaultWeaviateClass
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Scheme: scheme,
		Host:   host,
	})
	if err != nil {
		return nil, fmt.Errorf("vectorstore: creating weaviate client: %w", err)
	}

	slog.Info("Weaviate backend configured",
		slog.String("host", host),
		slog.String("class", class))

	return &WeaviateBackend{
		client:  client,
		class:   class,
		timeout: DefaultRetrievalTimeout,
	}, nil
}

// Query implements Backend via a nearText GraphQL search.
func (b *WeaviateBackend) Query(ctx context.Context, question, _ string, k int) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	ctx, span := chromaTracer.Start(ctx, "vectorstore.WeaviateQuery")
	defer span.End()
	span.SetAttributes(
		attribute.String("class", b.class),
		attribute.Int("k", k),
	)

	start := time.Now()
	passages, err := b.query(ctx, question, k)
	recordRetrievalMetrics("weaviate", time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		return nil, err
	}

	span.SetStatus(codes.Ok, "")
	span.SetAttributes(attribute.Int("passages", len(passages)))
	return passages, nil
}

func (b *WeaviateBackend) query(ctx context.Context, question string, k int) ([]string, error) {
	nearText := b.client.GraphQL().NearTextArgBuilder().
		WithConcepts([]string{question})

	resp, err := b.client.GraphQL().Get().
		WithClassName(b.class).
		WithFields(graphql.Field{Name: weaviateTextProperty}).
		WithNearText(nearText).
		WithLimit(k).
		Do(ctx)
	if err != nil {
		return nil, &RetrievalError{Message: fmt.Sprintf("weaviate query failed: %v", err), Retryable: true}
	}
	if len(resp.Errors) > 0 {
		msgs := make([]string, 0, len(resp.Errors))
		for _, e := range resp.Errors {
			msgs = append(msgs, e.Message)
		}
		return nil, &RetrievalError{Message: fmt.Sprintf("weaviate graphql errors: %v", msgs)}
	}

	data, ok := resp.Data["Get"].(map[string]interface{})
	if !ok {
		return nil, &RetrievalError{Message: "weaviate response missing Get key"}
	}
	objsRaw, ok := data[b.class]
	if !ok {
		return nil, nil
	}
	objs, ok := objsRaw.([]interface{})
	if !ok {
		return nil, nil
	}

	passages := make([]string, 0, len(objs))
	for _, o := range objs {
		obj, ok := o.(map[string]interface{})
		if !ok {
			continue
		}
		if text, ok := obj[weaviateTextProperty].(string); ok && text != "" {
			passages = append(passages, text)
		}
	}
	return passages, nil
}

// Health checks cluster liveness via the misc ready endpoint.
func (b *WeaviateBackend) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	ready, err := b.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return fmt.Errorf("vectorstore: weaviate ready check failed: %w", err)
	}
	if !ready {
		return fmt.Errorf("vectorstore: weaviate reports not ready")
	}
	return nil
}
