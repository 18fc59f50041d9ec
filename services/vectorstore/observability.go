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
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Package-level Prometheus metrics for retrieval calls.
// Auto-registered via promauto so no explicit registry wiring is needed.
var (
	// retrievalDuration measures the duration of vector-store queries.
	//
	// Labels:
	//   - backend: "chroma" or "weaviate"
	//   - status: "success" or "error"
	retrievalDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "aleutian",
			Subsystem: "rag_retrieval",
			Name:      "query_duration_seconds",
			Help:      "Duration of vector-store queries in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 3},
		},
		[]string{"backend", "status"},
	)

	// retrievalErrorsTotal counts failed queries by type. Every one of
	// these corresponds to a request served from the fallback table.
	//
	// Labels:
	//   - backend: "chroma" or "weaviate"
	//   - error_type: "not_found", "transient", "other"
	retrievalErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aleutian",
			Subsystem: "rag_retrieval",
			Name:      "errors_total",
			Help:      "Total vector-store query errors by type.",
		},
		[]string{"backend", "error_type"},
	)
)

// classifyRetrievalError maps an error to a label-safe error type string.
func classifyRetrievalError(err error) string {
	var re *RetrievalError
	if errors.As(err, &re) {
		switch {
		case re.StatusCode == 404:
			return "not_found"
		case re.Retryable:
			return "transient"
		}
	}
	return "other"
}

// recordRetrievalMetrics records Prometheus metrics for one completed query.
//
// Thread Safety: Safe for concurrent use.
func recordRetrievalMetrics(backend string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
		retrievalErrorsTotal.WithLabelValues(backend, classifyRetrievalError(err)).Inc()
	}
	retrievalDuration.WithLabelValues(backend, status).Observe(duration.Seconds())
}
