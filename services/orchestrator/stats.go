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
	"sync"
	"time"

	"github.com/AleutianAI/AleutianRAG/services/orchestrator/datatypes"
)

// =============================================================================
// Performance Targets
// =============================================================================

const (
	// TargetAvgResponseTime is the average-latency target the grade is
	// computed against.
	TargetAvgResponseTime = 0.02

	// TargetMaxResponseTime is the worst-case latency target, reported in
	// the snapshot for operators but not part of the grade.
	TargetMaxResponseTime = 0.05

	// TargetSuccessRatePercent is the success-rate grade criterion.
	TargetSuccessRatePercent = 99.0

	// TargetCacheHitRatePercent is the cache-hit-rate grade criterion.
	TargetCacheHitRatePercent = 80.0
)

// Stats accumulates the orchestrator's lifetime counters.
//
// # Description
//
// Counters are raw; everything derived (rates, averages, the grade) is
// computed in Snapshot so the hot path stays cheap. Cancelled queries add
// latency but count neither as successful nor failed. Streamed queries are
// counted on every record path, whatever the outcome.
//
// # Thread Safety
//
// Safe for concurrent use. All methods hold one small mutex for a few loads
// and stores; nothing suspends while it is held.
type Stats struct {
	mu sync.Mutex

	processStart    time.Time
	queriesTotal    int64
	successful      int64
	failed          int64
	cacheHits       int64
	streaming       int64
	latencySum      float64
	latencyMax      float64
	lastHealthCheck time.Time
}

// NewStats starts the uptime clock.
func NewStats() *Stats {
	return &Stats{processStart: time.Now()}
}

// QueryStarted counts one pipeline entry.
func (s *Stats) QueryStarted() {
	s.mu.Lock()
	s.queriesTotal++
	s.mu.Unlock()
}

// RecordSuccess accumulates one successful query.
func (s *Stats) RecordSuccess(latency time.Duration, cacheHit, streaming bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.successful++
	if cacheHit {
		s.cacheHits++
	}
	if streaming {
		s.streaming++
	}
	s.addLatencyLocked(latency)
}

// RecordFailure accumulates one failed query.
func (s *Stats) RecordFailure(latency time.Duration, streaming bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed++
	if streaming {
		s.streaming++
	}
	s.addLatencyLocked(latency)
}

// RecordCancelled accumulates latency for a query whose caller went away.
// Cancellations are not failures.
func (s *Stats) RecordCancelled(latency time.Duration, streaming bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if streaming {
		s.streaming++
	}
	s.addLatencyLocked(latency)
}

func (s *Stats) addLatencyLocked(latency time.Duration) {
	secs := latency.Seconds()
	s.latencySum += secs
	if secs > s.latencyMax {
		s.latencyMax = secs
	}
}

// SetLastHealthCheck stamps the most recent monitor sweep.
func (s *Stats) SetLastHealthCheck(t time.Time) {
	s.mu.Lock()
	s.lastHealthCheck = t
	s.mu.Unlock()
}

// Snapshot derives the read-only stats view.
//
// # Description
//
// Rates divide by queries_processed; with no traffic yet both rates are
// zero and the grade reflects only the (trivially met) latency criterion.
// Grade: all three criteria met is "A+", two "A", one "B", none "D".
func (s *Stats) Snapshot() datatypes.StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := datatypes.StatsSnapshot{
		UptimeSeconds:          time.Since(s.processStart).Seconds(),
		QueriesProcessed:       s.queriesTotal,
		SuccessfulQueries:      s.successful,
		FailedQueries:          s.failed,
		CacheHits:              s.cacheHits,
		StreamingQueries:       s.streaming,
		MaxResponseTimeS:       s.latencyMax,
		TargetAvgResponseTimeS: TargetAvgResponseTime,
		TargetMaxResponseTimeS: TargetMaxResponseTime,
		LastHealthCheck:        s.lastHealthCheck,
	}

	if s.queriesTotal > 0 {
		snap.SuccessRatePercent = float64(s.successful) / float64(s.queriesTotal) * 100
		snap.CacheHitRatePercent = float64(s.cacheHits) / float64(s.queriesTotal) * 100
		snap.AvgResponseTimeS = s.latencySum / float64(s.queriesTotal)
	}

	criteria := 0
	if snap.AvgResponseTimeS <= TargetAvgResponseTime {
		criteria++
	}
	if snap.SuccessRatePercent >= TargetSuccessRatePercent {
		criteria++
	}
	if snap.CacheHitRatePercent >= TargetCacheHitRatePercent {
		criteria++
	}
	switch criteria {
	case 3:
		snap.PerformanceGrade = "A+"
	case 2:
		snap.PerformanceGrade = "A"
	case 1:
		snap.PerformanceGrade = "B"
	default:
		snap.PerformanceGrade = "D"
	}

	return snap
}
