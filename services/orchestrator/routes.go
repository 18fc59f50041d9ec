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
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers the RAG ingress routes with the router.
//
// Description:
//
//	Registers the canonical /query endpoint on the engine root and the
//	versioned surface under /v1/rag. The router should already carry any
//	required middleware (tracing, rate limiting).
//
// Endpoints:
//
//	POST /query - Run one query, single JSON result
//	POST /v1/rag/query - Versioned alias of /query
//	POST /v1/rag/query/stream - Server-Sent Events streaming
//	GET  /v1/rag/stream/ws - Websocket streaming
//	GET  /v1/rag/health - Downstream service health
//	GET  /v1/rag/ready - Readiness (warm-up finished)
//	GET  /v1/rag/stats - Stats snapshot
//
// Example:
//
//	service := orchestrator.NewService(retriever, llmClient, registry, cache, stats, monitor)
//	handlers := orchestrator.NewHandlers(service)
//
//	router := gin.New()
//	orchestrator.RegisterRoutes(router, handlers)
func RegisterRoutes(router *gin.Engine, handlers *Handlers) {
	router.POST("/query", handlers.HandleQuery)

	rag := router.Group("/v1/rag")
	{
		rag.POST("/query", handlers.HandleQuery)
		rag.POST("/query/stream", handlers.HandleQueryStream)
		rag.GET("/stream/ws", handlers.HandleStreamWS)

		rag.GET("/health", handlers.HandleHealth)
		rag.GET("/ready", handlers.HandleReady)
		rag.GET("/stats", handlers.HandleStats)
	}
}
