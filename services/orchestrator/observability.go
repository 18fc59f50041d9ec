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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianRAG/services/orchestrator/datatypes"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	// queryDuration tracks end-to-end pipeline latency.
	queryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "aleutian",
			Subsystem: "rag_pipeline",
			Name:      "query_duration_seconds",
			Help:      "End-to-end query pipeline latency in seconds.",
			Buckets:   []float64{.005, .01, .02, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"outcome", "bucket"},
	)

	// queriesTotal counts pipeline invocations by outcome.
	queriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aleutian",
			Subsystem: "rag_pipeline",
			Name:      "queries_total",
			Help:      "Total queries processed, by outcome and model tier bucket.",
		},
		[]string{"outcome", "bucket", "cache"},
	)

	// queryErrorsTotal counts failed queries by error kind.
	queryErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aleutian",
			Subsystem: "rag_pipeline",
			Name:      "query_errors_total",
			Help:      "Failed queries by error kind.",
		},
		[]string{"error_kind"},
	)

	// serviceHealthy exposes the monitor's view of each downstream service.
	serviceHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "aleutian",
			Subsystem: "rag_health",
			Name:      "service_healthy",
			Help:      "1 when the downstream service's last probe succeeded, 0 otherwise.",
		},
		[]string{"service"},
	)
)

// recordQueryMetrics records one pipeline completion.
//
// Outcome labels: "success", "failed", "cancelled". Cache labels: "hit",
// "miss". Cancelled queries carry no error kind counter since they are not
// failures.
func recordQueryMetrics(result *datatypes.QueryResult, bucket string, duration time.Duration) {
	outcome := "failed"
	switch {
	case result.Success:
		outcome = "success"
	case result.ErrorKind == datatypes.ErrorKindCancelled:
		outcome = "cancelled"
	}

	cacheLabel := "miss"
	if result.CacheHit {
		cacheLabel = "hit"
	}

	queryDuration.WithLabelValues(outcome, bucket).Observe(duration.Seconds())
	queriesTotal.WithLabelValues(outcome, bucket, cacheLabel).Inc()
	if outcome == "failed" {
		queryErrorsTotal.WithLabelValues(string(result.ErrorKind)).Inc()
	}
}

// recordServiceHealth updates the per-service health gauge.
func recordServiceHealth(service string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	serviceHealthy.WithLabelValues(service).Set(v)
}
