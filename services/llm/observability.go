// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Package-level Prometheus metrics for LLM generate calls.
// Auto-registered via promauto so no explicit registry wiring is needed.
var (
	// generateCallDuration measures the duration of generate API calls.
	//
	// Labels:
	//   - mode: "blocking", "streaming", "warm"
	//   - status: "success" or "error"
	generateCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "aleutian",
			Subsystem: "rag_llm",
			Name:      "generate_duration_seconds",
			Help:      "Duration of LLM generate calls in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"mode", "status"},
	)

	// generateCallsTotal counts generate API calls by model.
	//
	// Labels:
	//   - mode: "blocking", "streaming", "warm"
	//   - model: the model name (closed set of four configured variants)
	//   - status: "success" or "error"
	generateCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aleutian",
			Subsystem: "rag_llm",
			Name:      "generate_calls_total",
			Help:      "Total number of LLM generate calls.",
		},
		[]string{"mode", "model", "status"},
	)

	// generateErrorsTotal counts generate errors by type.
	//
	// Labels:
	//   - mode: "blocking", "streaming", "warm"
	//   - error_type: "timeout", "not_found", "server", "transport", "unknown"
	generateErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aleutian",
			Subsystem: "rag_llm",
			Name:      "generate_errors_total",
			Help:      "Total LLM generate errors by type.",
		},
		[]string{"mode", "error_type"},
	)
)

// classifyGenerateError maps an error to a label-safe error type string.
//
// Description:
//
//	Inspects the error message to categorize it into one of the predefined
//	error types. Used for Prometheus labels to avoid high cardinality.
//
// Thread Safety: Safe for concurrent use.
func classifyGenerateError(err error) string {
	if err == nil {
		return ""
	}

	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "context canceled") ||
		strings.Contains(msg, "timeout"):
		return "timeout"
	case strings.Contains(msg, "status 404"):
		return "not_found"
	case strings.Contains(msg, "status 500") ||
		strings.Contains(msg, "status 502") ||
		strings.Contains(msg, "status 503"):
		return "server"
	case strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "http request failed") ||
		strings.Contains(msg, "no such host"):
		return "transport"
	default:
		return "unknown"
	}
}

// recordGenerateMetrics records Prometheus metrics for a completed generate
// call. One-shot recording for both success and error paths.
//
// Thread Safety: Safe for concurrent use.
func recordGenerateMetrics(mode, model string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
		generateErrorsTotal.WithLabelValues(mode, classifyGenerateError(err)).Inc()
	}

	generateCallDuration.WithLabelValues(mode, status).Observe(duration.Seconds())
	generateCallsTotal.WithLabelValues(mode, model, status).Inc()
}
