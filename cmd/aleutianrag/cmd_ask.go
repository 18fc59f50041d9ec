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
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianRAG/services/orchestrator/datatypes"
)

// askClient allows generous time for cold-model generation.
var askClient = &http.Client{Timeout: 3 * time.Minute}

func runAskCommand(cmd *cobra.Command, args []string) {
	question := strings.Join(args, " ")
	collection, _ := cmd.Flags().GetString("collection")
	k, _ := cmd.Flags().GetInt("k")
	stream, _ := cmd.Flags().GetBool("stream")
	hint, _ := cmd.Flags().GetString("hint")

	req := datatypes.QueryRequest{
		Question:   question,
		Collection: collection,
		K:          k,
		Streaming:  stream,
		TaskHint:   hint,
	}

	if stream {
		runAskStreaming(req)
		return
	}

	fmt.Printf("Asking: %s\n", question)
	fmt.Println("---")

	result, err := sendQuery(req)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	if !result.Success {
		log.Fatalf("Query failed: %s", result.ErrorKind)
	}

	fmt.Printf("\nAnswer:\n%s\n", result.Answer)
	fmt.Printf("\nModel: %s  Latency: %.3fs  Cache: %v  Source: %s\n",
		result.ModelUsed, result.LatencySeconds, result.CacheHit, result.PassageSource)
	if result.TokensPerSecond > 0 {
		fmt.Printf("Speed: %.1f tok/s\n", result.TokensPerSecond)
	}
	fmt.Println("\n---")
}

// sendQuery posts the question to the blocking query endpoint.
func sendQuery(req datatypes.QueryRequest) (*datatypes.QueryResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	targetURL := getServerBaseURL() + "/v1/rag/query"

	done := make(chan bool)
	go showSpinner("Thinking", done)

	resp, err := askClient.Post(targetURL, "application/json", bytes.NewBuffer(payload))
	done <- true
	fmt.Print("\r                                                \r")

	if err != nil {
		return nil, fmt.Errorf("server unavailable at %s: %w", targetURL, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Error("failed to close response body", "error", closeErr)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	var result datatypes.QueryResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	return &result, nil
}

// runAskStreaming consumes the SSE endpoint, printing fragments live.
func runAskStreaming(req datatypes.QueryRequest) {
	payload, err := json.Marshal(req)
	if err != nil {
		log.Fatalf("Error encoding request: %v", err)
	}

	targetURL := getServerBaseURL() + "/v1/rag/query/stream"
	resp, err := askClient.Post(targetURL, "application/json", bytes.NewBuffer(payload))
	if err != nil {
		log.Fatalf("Error: server unavailable at %s: %v", targetURL, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Error("failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		log.Fatalf("Error: server returned status %d: %s", resp.StatusCode, string(body))
	}

	var final *datatypes.QueryResult
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		payload, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		var event datatypes.StreamEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			log.Fatalf("Error parsing stream event: %v", err)
		}
		if event.Done {
			final = event.Result
			break
		}
		fmt.Print(event.Fragment)
	}
	if err := scanner.Err(); err != nil {
		log.Fatalf("Error reading stream: %v", err)
	}
	fmt.Println()

	if final == nil {
		log.Fatal("Stream ended without a result")
	}
	if !final.Success {
		log.Fatalf("Query failed: %s", final.ErrorKind)
	}
	fmt.Printf("\nModel: %s  Latency: %.3fs  Source: %s\n",
		final.ModelUsed, final.LatencySeconds, final.PassageSource)
}

// showSpinner animates while a blocking request is in flight.
func showSpinner(msg string, done chan bool) {
	chars := []string{"▖", "▘", "▝", "▗"}
	i := 0

	fmt.Print("\033[?25l")
	defer fmt.Print("\033[?25h")

	for {
		select {
		case <-done:
			return
		default:
			fmt.Printf("\r%s  %s... \033[K", chars[i%len(chars)], msg)
			i++
			time.Sleep(100 * time.Millisecond)
		}
	}
}
