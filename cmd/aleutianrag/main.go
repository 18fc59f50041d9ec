// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command aleutianrag is the CLI client for the AleutianRAG orchestrator.
//
// Usage:
//
//	aleutianrag ask "what is machine learning"
//	aleutianrag ask --stream "explain transformers step by step"
//	aleutianrag health
//	aleutianrag stats
//
// The server address comes from --server or the ALEUTIAN_RAG_SERVER
// environment variable, defaulting to http://localhost:8080.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// serverFlag holds the --server flag value for all commands.
var serverFlag string

// getServerBaseURL resolves the orchestrator address: flag, then
// ALEUTIAN_RAG_SERVER, then the local default.
func getServerBaseURL() string {
	if serverFlag != "" {
		return serverFlag
	}
	if url := os.Getenv("ALEUTIAN_RAG_SERVER"); url != "" {
		return url
	}
	return "http://localhost:8080"
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "aleutianrag",
		Short: "Client for the AleutianRAG orchestrator",
		Long: "aleutianrag asks questions against a running AleutianRAG server,\n" +
			"streams answers as they are generated, and inspects server health\n" +
			"and performance stats.",
	}
	rootCmd.PersistentFlags().StringVar(&serverFlag, "server", "",
		"Orchestrator base URL (default ALEUTIAN_RAG_SERVER or http://localhost:8080)")

	askCmd := &cobra.Command{
		Use:   "ask \"question\"",
		Short: "Ask one question and print the answer",
		Args:  cobra.MinimumNArgs(1),
		Run:   runAskCommand,
	}
	askCmd.Flags().String("collection", "", "Vector-store collection to query")
	askCmd.Flags().Int("k", 0, "Number of passages to retrieve (default 3, max 10)")
	askCmd.Flags().Bool("stream", false, "Stream the answer as it is generated")
	askCmd.Flags().String("hint", "", "Routing hint: simple, fast, balanced, or complex")
	rootCmd.AddCommand(askCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Show downstream service health",
		Run:   runHealthCommand,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show server performance stats",
		Run:   runStatsCommand,
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
