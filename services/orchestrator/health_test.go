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
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSweepRecordsHealthyAndUnhealthy(t *testing.T) {
	probes := map[string]Probe{
		"vector_store": func(ctx context.Context) error { return nil },
		"llm":          func(ctx context.Context) error { return errors.New("connection refused") },
	}
	stats := NewStats()
	m := NewHealthMonitor(probes, time.Minute, time.Second, stats)

	m.Sweep(context.Background())

	statuses := m.Statuses()
	if !statuses["vector_store"].Healthy {
		t.Error("vector_store reported unhealthy")
	}
	if statuses["llm"].Healthy {
		t.Error("llm reported healthy")
	}
	if statuses["llm"].ConsecutiveFailures != 1 {
		t.Errorf("llm consecutive failures = %d, want 1", statuses["llm"].ConsecutiveFailures)
	}
	if statuses["vector_store"].LastProbe.IsZero() {
		t.Error("last probe not stamped")
	}
	if m.AllHealthy() {
		t.Error("AllHealthy true with a failing probe")
	}
	if stats.Snapshot().LastHealthCheck.IsZero() {
		t.Error("sweep did not stamp last_health_check")
	}
}

func TestSweepFailureCounterResetsOnRecovery(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	probes := map[string]Probe{
		"llm": func(ctx context.Context) error {
			if failing.Load() {
				return errors.New("down")
			}
			return nil
		},
	}
	m := NewHealthMonitor(probes, time.Minute, time.Second, nil)

	m.Sweep(context.Background())
	m.Sweep(context.Background())
	if got := m.Statuses()["llm"].ConsecutiveFailures; got != 2 {
		t.Fatalf("consecutive failures = %d, want 2", got)
	}

	failing.Store(false)
	m.Sweep(context.Background())
	status := m.Statuses()["llm"]
	if !status.Healthy {
		t.Error("recovered probe still unhealthy")
	}
	if status.ConsecutiveFailures != 0 {
		t.Errorf("consecutive failures = %d, want 0 after recovery", status.ConsecutiveFailures)
	}
	if m.AllHealthy() != true {
		t.Error("AllHealthy false after recovery")
	}
}

func TestSweepBoundsProbesByTimeout(t *testing.T) {
	probes := map[string]Probe{
		"slow": func(ctx context.Context) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
				return nil
			}
		},
	}
	m := NewHealthMonitor(probes, time.Minute, 10*time.Millisecond, nil)

	done := make(chan struct{})
	go func() {
		m.Sweep(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweep did not respect the probe timeout")
	}
	if m.Statuses()["slow"].Healthy {
		t.Error("timed-out probe reported healthy")
	}
}

func TestRunSweepsImmediatelyAndStopsOnCancel(t *testing.T) {
	var sweeps atomic.Int32
	probes := map[string]Probe{
		"llm": func(ctx context.Context) error {
			sweeps.Add(1)
			return nil
		},
	}
	m := NewHealthMonitor(probes, time.Hour, time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	// The first sweep happens before any tick.
	deadline := time.Now().Add(2 * time.Second)
	for sweeps.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sweeps.Load() == 0 {
		t.Fatal("no immediate sweep")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit on cancel")
	}
}

func TestStatusesReturnsCopy(t *testing.T) {
	probes := map[string]Probe{
		"llm": func(ctx context.Context) error { return nil },
	}
	m := NewHealthMonitor(probes, time.Minute, time.Second, nil)
	m.Sweep(context.Background())

	first := m.Statuses()
	status := first["llm"]
	status.Healthy = false
	first["llm"] = status

	second := m.Statuses()
	if !second["llm"].Healthy {
		t.Error("mutating the returned map leaked into the monitor")
	}
}
