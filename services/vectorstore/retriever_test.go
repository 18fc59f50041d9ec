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
	"testing"

	"github.com/AleutianAI/AleutianRAG/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/knowledge"
)

// mockBackend is a Backend with swappable behavior.
type mockBackend struct {
	queryFunc  func(ctx context.Context, question, collection string, k int) ([]string, error)
	healthFunc func(ctx context.Context) error
}

func (m *mockBackend) Query(ctx context.Context, question, collection string, k int) ([]string, error) {
	return m.queryFunc(ctx, question, collection, k)
}

func (m *mockBackend) Health(ctx context.Context) error {
	if m.healthFunc != nil {
		return m.healthFunc(ctx)
	}
	return nil
}

func newTestService(t *testing.T, backend Backend) *Service {
	t.Helper()
	kn, err := knowledge.NewProvider(context.Background(), "")
	if err != nil {
		t.Fatalf("loading embedded knowledge table: %v", err)
	}
	return NewService(backend, kn)
}

func TestRetrieveBackendSuccess(t *testing.T) {
	var gotK int
	var gotCollection string
	svc := newTestService(t, &mockBackend{
		queryFunc: func(ctx context.Context, question, collection string, k int) ([]string, error) {
			gotK = k
			gotCollection = collection
			return []string{"p1", "p2"}, nil
		},
	})

	passages, source := svc.Retrieve(context.Background(), "What is Docker?", "docs", 2)
	if source != datatypes.SourceVectorStore {
		t.Errorf("source = %q, want vector_store", source)
	}
	if len(passages) != 2 {
		t.Errorf("passages = %v", passages)
	}
	if gotK != 2 || gotCollection != "docs" {
		t.Errorf("backend saw k=%d collection=%q", gotK, gotCollection)
	}
}

func TestRetrieveDefaultsAndClamping(t *testing.T) {
	tests := []struct {
		name  string
		k     int
		wantK int
	}{
		{"zero takes default", 0, DefaultK},
		{"negative takes default", -1, DefaultK},
		{"above cap is clamped", 25, MaxK},
		{"at cap passes through", 10, 10},
		{"normal passes through", 5, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotK int
			svc := newTestService(t, &mockBackend{
				queryFunc: func(ctx context.Context, question, collection string, k int) ([]string, error) {
					gotK = k
					return []string{"p"}, nil
				},
			})
			svc.Retrieve(context.Background(), "q", "", tt.k)
			if gotK != tt.wantK {
				t.Errorf("backend saw k=%d, want %d", gotK, tt.wantK)
			}
		})
	}
}

func TestRetrieveEmptyCollectionTakesDefault(t *testing.T) {
	var gotCollection string
	svc := newTestService(t, &mockBackend{
		queryFunc: func(ctx context.Context, question, collection string, k int) ([]string, error) {
			gotCollection = collection
			return []string{"p"}, nil
		},
	})
	svc.Retrieve(context.Background(), "q", "", 3)
	if gotCollection != DefaultCollection {
		t.Errorf("backend saw collection=%q, want %q", gotCollection, DefaultCollection)
	}
}

func TestRetrieveBackendErrorFallsBack(t *testing.T) {
	svc := newTestService(t, &mockBackend{
		queryFunc: func(ctx context.Context, question, collection string, k int) ([]string, error) {
			return nil, &RetrievalError{StatusCode: 503, Message: "down", Retryable: true}
		},
	})

	passages, source := svc.Retrieve(context.Background(), "Explain machine learning", "c", 3)
	if source != datatypes.SourceFallback {
		t.Errorf("source = %q, want fallback", source)
	}
	// The embedded table carries two machine-learning snippets.
	if len(passages) != 2 {
		t.Errorf("fallback passages = %v, want the two machine learning snippets", passages)
	}
}

func TestRetrieveEmptyBackendResultFallsBack(t *testing.T) {
	svc := newTestService(t, &mockBackend{
		queryFunc: func(ctx context.Context, question, collection string, k int) ([]string, error) {
			return nil, nil
		},
	})

	passages, source := svc.Retrieve(context.Background(), "something unmatched entirely", "c", 3)
	if source != datatypes.SourceFallback {
		t.Errorf("source = %q, want fallback", source)
	}
	if len(passages) != 1 {
		t.Errorf("passages = %v, want the single generic default snippet", passages)
	}
}
