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
	"log/slog"

	"github.com/AleutianAI/AleutianRAG/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/knowledge"
)

// Backend is one vector-store implementation (chroma, weaviate). It returns
// an error on any failure; turning failures into fallback passages is the
// Service's job.
type Backend interface {
	Query(ctx context.Context, question, collection string, k int) ([]string, error)
	Health(ctx context.Context) error
}

// Retriever is what the orchestration pipeline sees: retrieval that always
// produces passages and never an error.
type Retriever interface {
	Retrieve(ctx context.Context, question, collection string, k int) ([]string, datatypes.PassageSource)
}

// Service composes a Backend with the fallback knowledge table.
//
// # Description
//
// Backend success yields (passages, SourceVectorStore). Any backend error —
// missing collection, non-200 status, transport failure, timeout — and any
// empty result degrade to the knowledge table with SourceFallback and a
// warn log. Retrieve therefore never blocks past the backend deadline and
// never fails the request.
//
// # Thread Safety
//
// Safe for concurrent use.
type Service struct {
	backend   Backend
	knowledge *knowledge.Provider
}

// NewService builds the fallback-wrapping retriever.
func NewService(backend Backend, kn *knowledge.Provider) *Service {
	return &Service{backend: backend, knowledge: kn}
}

// Retrieve implements Retriever.
//
// k is clamped to [1, MaxK]; non-positive values take DefaultK. An empty
// collection name takes the default collection. An empty documents list
// from the backend is treated the same as a missing collection: both
// degrade to fallback.
func (s *Service) Retrieve(ctx context.Context, question, collection string, k int) ([]string, datatypes.PassageSource) {
	if collection == "" {
		collection = DefaultCollection
	}
	if k <= 0 {
		k = DefaultK
	}
	if k > MaxK {
		k = MaxK
	}

	passages, err := s.backend.Query(ctx, question, collection, k)
	if err != nil {
		slog.Warn("Vector store unavailable, serving fallback context",
			slog.String("collection", collection),
			slog.String("error", err.Error()))
		return s.knowledge.Lookup(question), datatypes.SourceFallback
	}
	if len(passages) == 0 {
		slog.Warn("Vector store returned no passages, serving fallback context",
			slog.String("collection", collection))
		return s.knowledge.Lookup(question), datatypes.SourceFallback
	}
	return passages, datatypes.SourceVectorStore
}

// Health probes the active backend.
func (s *Service) Health(ctx context.Context) error {
	return s.backend.Health(ctx)
}

// DefaultCollection is queried when a request does not name one.
const DefaultCollection = "rag_documents_collection"
