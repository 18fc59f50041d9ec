// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianRAG/services/orchestrator/datatypes"
)

var opsClient = &http.Client{Timeout: 30 * time.Second}

// fetchJSON gets one ops endpoint and decodes its body. A 503 from the
// health endpoint still carries a useful body, so non-200 statuses are
// returned alongside the decoded payload.
func fetchJSON(path string, out any) (int, error) {
	targetURL := getServerBaseURL() + path
	resp, err := opsClient.Get(targetURL)
	if err != nil {
		return 0, fmt.Errorf("server unavailable at %s: %w", targetURL, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Error("failed to close response body", "error", closeErr)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return resp.StatusCode, fmt.Errorf("parsing response: %w", err)
	}
	return resp.StatusCode, nil
}

func runHealthCommand(_ *cobra.Command, _ []string) {
	var payload struct {
		Services map[string]datatypes.ServiceStatus `json:"services"`
	}
	status, err := fetchJSON("/v1/rag/health", &payload)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}

	names := make([]string, 0, len(payload.Services))
	for name := range payload.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		s := payload.Services[name]
		state := "healthy"
		if !s.Healthy {
			state = fmt.Sprintf("UNHEALTHY (%d consecutive failures)", s.ConsecutiveFailures)
		}
		fmt.Printf("%-15s %s  (last probe %s)\n", name, state, s.LastProbe.Format(time.RFC3339))
	}

	if status != http.StatusOK {
		log.Fatal("One or more services are unhealthy")
	}
}

func runStatsCommand(_ *cobra.Command, _ []string) {
	var snap datatypes.StatsSnapshot
	status, err := fetchJSON("/v1/rag/stats", &snap)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	if status != http.StatusOK {
		log.Fatalf("Error: server returned status %d", status)
	}

	fmt.Printf("Uptime:          %.0fs\n", snap.UptimeSeconds)
	fmt.Printf("Queries:         %d (%d ok / %d failed)\n",
		snap.QueriesProcessed, snap.SuccessfulQueries, snap.FailedQueries)
	fmt.Printf("Success rate:    %.1f%%\n", snap.SuccessRatePercent)
	fmt.Printf("Cache hits:      %d (%.1f%%)\n", snap.CacheHits, snap.CacheHitRatePercent)
	fmt.Printf("Streaming:       %d\n", snap.StreamingQueries)
	fmt.Printf("Latency:         avg %.4fs / max %.4fs (targets %.2fs / %.2fs)\n",
		snap.AvgResponseTimeS, snap.MaxResponseTimeS,
		snap.TargetAvgResponseTimeS, snap.TargetMaxResponseTimeS)
	fmt.Printf("Grade:           %s\n", snap.PerformanceGrade)

	if len(snap.Models) > 0 {
		fmt.Println("\nModels:")
		for _, m := range snap.Models {
			state := "cold"
			if m.Loaded {
				state = "loaded"
			}
			fmt.Printf("  %-14s %-20s %s\n", m.Tier, m.Name, state)
		}
	}
}
