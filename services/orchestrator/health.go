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
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianRAG/services/orchestrator/datatypes"
)

// =============================================================================
// Health Monitor
// =============================================================================

// Probe checks one downstream service. A nil return means healthy.
type Probe func(ctx context.Context) error

// HealthMonitor periodically probes the downstream services in parallel and
// records their status.
//
// # Description
//
// The monitor is purely observational: its results feed the health endpoint,
// the stats snapshot, and a per-service Prometheus gauge, but the request
// path never waits on it. Each sweep runs all probes concurrently with one
// shared per-probe timeout; a probe error marks the service unhealthy and
// grows its consecutive-failure counter, a success resets it.
//
// # Thread Safety
//
// Safe for concurrent use. Run is expected to be called once; Statuses may
// be called from any goroutine and returns a copy.
type HealthMonitor struct {
	probes   map[string]Probe
	interval time.Duration
	timeout  time.Duration
	stats    *Stats

	mu       sync.Mutex
	statuses map[string]datatypes.ServiceStatus
}

// NewHealthMonitor builds a monitor over the named probes. stats may be nil
// when no shared last_health_check stamp is wanted (tests).
func NewHealthMonitor(probes map[string]Probe, interval, timeout time.Duration, stats *Stats) *HealthMonitor {
	statuses := make(map[string]datatypes.ServiceStatus, len(probes))
	for name := range probes {
		statuses[name] = datatypes.ServiceStatus{}
	}
	return &HealthMonitor{
		probes:   probes,
		interval: interval,
		timeout:  timeout,
		stats:    stats,
		statuses: statuses,
	}
}

// Run sweeps immediately, then on every interval tick until ctx is
// cancelled.
func (m *HealthMonitor) Run(ctx context.Context) {
	m.Sweep(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep probes every service once, in parallel.
func (m *HealthMonitor) Sweep(ctx context.Context) {
	g, probeCtx := errgroup.WithContext(ctx)
	for name, probe := range m.probes {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(probeCtx, m.timeout)
			defer cancel()

			err := probe(ctx)
			m.record(name, err)
			// A failed probe is a recorded observation, not a sweep error:
			// the remaining probes must still run.
			return nil
		})
	}
	g.Wait()

	now := time.Now()
	if m.stats != nil {
		m.stats.SetLastHealthCheck(now)
	}
}

// record updates one service's status after a probe.
func (m *HealthMonitor) record(name string, err error) {
	now := time.Now()

	m.mu.Lock()
	status := m.statuses[name]
	status.LastProbe = now
	if err != nil {
		status.Healthy = false
		status.ConsecutiveFailures++
	} else {
		status.Healthy = true
		status.ConsecutiveFailures = 0
	}
	m.statuses[name] = status
	m.mu.Unlock()

	recordServiceHealth(name, err == nil)
	if err != nil {
		slog.Warn("Downstream service probe failed",
			slog.String("service", name),
			slog.String("error", err.Error()))
	}
}

// Statuses returns a copy of the last observed status per service.
func (m *HealthMonitor) Statuses() map[string]datatypes.ServiceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]datatypes.ServiceStatus, len(m.statuses))
	for name, status := range m.statuses {
		out[name] = status
	}
	return out
}

// AllHealthy reports whether every probed service is currently healthy.
func (m *HealthMonitor) AllHealthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, status := range m.statuses {
		if !status.Healthy {
			return false
		}
	}
	return true
}
