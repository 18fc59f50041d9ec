// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/AleutianAI/AleutianRAG/services/orchestrator/cache"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/transport"
)

// =============================================================================
// Environment Configuration
// =============================================================================

const (
	// DefaultHealthInterval is how often the monitor probes downstreams.
	DefaultHealthInterval = 30 * time.Second

	// DefaultProbeTimeout bounds each individual health probe.
	DefaultProbeTimeout = 2 * time.Second
)

// VectorBackendKind selects the retrieval backend implementation.
type VectorBackendKind string

const (
	VectorBackendChroma   VectorBackendKind = "chroma"
	VectorBackendWeaviate VectorBackendKind = "weaviate"
)

// resolveDuration parses an environment variable as a Go duration, accepting
// a bare number as seconds for operator convenience. Invalid values warn and
// fall back to the default.
func resolveDuration(envVar string, fallback time.Duration) time.Duration {
	raw := os.Getenv(envVar)
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	slog.Warn("Invalid duration in environment, using default",
		slog.String("var", envVar),
		slog.String("value", raw),
		slog.Duration("default", fallback))
	return fallback
}

// ResolveCacheCapacity returns the response-cache capacity from
// RAG_CACHE_CAPACITY, defaulting to the cache package default.
func ResolveCacheCapacity() int {
	raw := os.Getenv("RAG_CACHE_CAPACITY")
	if raw == "" {
		return cache.DefaultCapacity
	}
	if n, err := strconv.Atoi(raw); err == nil && n > 0 {
		return n
	}
	slog.Warn("Invalid RAG_CACHE_CAPACITY, using default",
		slog.String("value", raw),
		slog.Int("default", cache.DefaultCapacity))
	return cache.DefaultCapacity
}

// ResolveHealthInterval returns the probe interval from RAG_HEALTH_INTERVAL.
func ResolveHealthInterval() time.Duration {
	return resolveDuration("RAG_HEALTH_INTERVAL", DefaultHealthInterval)
}

// ResolveProbeTimeout returns the per-probe timeout from RAG_PROBE_TIMEOUT.
func ResolveProbeTimeout() time.Duration {
	return resolveDuration("RAG_PROBE_TIMEOUT", DefaultProbeTimeout)
}

// ResolveHTTPTimeout returns the shared outbound HTTP timeout from
// RAG_HTTP_TIMEOUT.
func ResolveHTTPTimeout() time.Duration {
	return resolveDuration("RAG_HTTP_TIMEOUT", transport.DefaultTimeout)
}

// ResolveRateLimit returns the ingress rate limit in requests per second
// from RAG_RATE_LIMIT. Zero (the default) disables rate limiting.
func ResolveRateLimit() float64 {
	raw := os.Getenv("RAG_RATE_LIMIT")
	if raw == "" {
		return 0
	}
	if rps, err := strconv.ParseFloat(raw, 64); err == nil && rps >= 0 {
		return rps
	}
	slog.Warn("Invalid RAG_RATE_LIMIT, rate limiting disabled",
		slog.String("value", raw))
	return 0
}

// ResolveKnowledgeFile returns the fallback knowledge override path from
// RAG_KNOWLEDGE_FILE. Empty means the embedded table is used.
func ResolveKnowledgeFile() string {
	return os.Getenv("RAG_KNOWLEDGE_FILE")
}

// ResolveVectorBackend returns the retrieval backend selected by
// VECTOR_BACKEND. Unknown values warn and fall back to chroma.
func ResolveVectorBackend() VectorBackendKind {
	raw := os.Getenv("VECTOR_BACKEND")
	switch VectorBackendKind(raw) {
	case VectorBackendChroma, VectorBackendWeaviate:
		return VectorBackendKind(raw)
	case "":
		return VectorBackendChroma
	default:
		slog.Warn("Unknown VECTOR_BACKEND, using chroma",
			slog.String("value", raw))
		return VectorBackendChroma
	}
}
