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
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianRAG/services/orchestrator/datatypes"
)

// wsWriteTimeout bounds each websocket write we initiate.
const wsWriteTimeout = 10 * time.Second

// getOrCreateRequestID returns the inbound X-Request-ID, minting one when
// the caller did not send any. The ID is echoed on the response.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}

// Handlers owns the gin handler methods for the RAG ingress surface.
//
// # Description
//
// Every well-formed query gets HTTP 200 and a QueryResult; clients inspect
// the Success field. The only 400 on the query endpoints is malformed JSON.
// Readiness flips once the startup warm-up attempt has finished, success or
// not.
//
// # Thread Safety
//
// Safe for concurrent use.
type Handlers struct {
	service  *Service
	ready    atomic.Bool
	upgrader websocket.Upgrader
}

// NewHandlers builds the handler set over a pipeline service.
func NewHandlers(service *Service) *Handlers {
	return &Handlers{
		service: service,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// MarkReady flips the readiness gate. Called once the fast-tier warm-up
// attempt has finished.
func (h *Handlers) MarkReady() {
	h.ready.Store(true)
}

// HandleQuery handles POST /query and POST /v1/rag/query.
//
// Description:
//
//	Runs the full pipeline and returns one QueryResult. A request with
//	streaming:true still gets a single JSON document whose answer is the
//	ordered concatenation of the generation fragments; per-fragment delivery
//	lives on the SSE and websocket endpoints.
//
// Response:
//
//	200 OK: QueryResult (also for success=false)
//	400 Bad Request: malformed JSON body
//
// Thread Safety: This method is safe for concurrent use.
func (h *Handlers) HandleQuery(c *gin.Context) {
	requestID := getOrCreateRequestID(c)

	var req datatypes.QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{
			Error: "invalid request body: " + err.Error(),
			Code:  "INVALID_REQUEST",
		})
		return
	}

	result := h.service.ProcessQuery(c.Request.Context(), req)
	result.RequestID = requestID
	c.JSON(http.StatusOK, result)
}

// HandleQueryStream handles POST /v1/rag/query/stream (Server-Sent Events).
//
// Description:
//
//	Emits one `data:` event per generation fragment as it arrives, then a
//	terminal `done` event carrying the full QueryResult. The request's
//	streaming field is forced on.
//
// Thread Safety: This method is safe for concurrent use.
func (h *Handlers) HandleQueryStream(c *gin.Context) {
	requestID := getOrCreateRequestID(c)

	var req datatypes.QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{
			Error: "invalid request body: " + err.Error(),
			Code:  "INVALID_REQUEST",
		})
		return
	}
	req.Streaming = true

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	for event := range h.service.ProcessQueryStream(c.Request.Context(), req) {
		if event.Done && event.Result != nil {
			event.Result.RequestID = requestID
		}
		name := "fragment"
		if event.Done {
			name = "done"
		}
		if err := writeSSEEvent(c.Writer, name, event); err != nil {
			slog.Debug("SSE client went away",
				slog.String("request_id", requestID),
				slog.String("error", err.Error()))
			return
		}
		c.Writer.Flush()
	}
}

// writeSSEEvent marshals one stream event as a named SSE event.
func writeSSEEvent(w http.ResponseWriter, name string, event datatypes.StreamEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte("event: " + name + "\ndata: ")); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	_, err = w.Write([]byte("\n\n"))
	return err
}

// HandleStreamWS handles GET /v1/rag/stream/ws.
//
// Description:
//
//	Upgrades to a websocket, reads exactly one QueryRequest JSON message,
//	streams fragment messages, sends the terminal result message, and
//	closes. Malformed first messages get a close frame with an unsupported
//	data code.
//
// Thread Safety: This method is safe for concurrent use; each connection is
// served by its own handler invocation.
func (h *Handlers) HandleStreamWS(c *gin.Context) {
	requestID := getOrCreateRequestID(c)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		return
	}
	defer conn.Close()

	var req datatypes.QueryRequest
	if err := conn.ReadJSON(&req); err != nil {
		deadline := time.Now().Add(wsWriteTimeout)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseUnsupportedData, "expected a query request"),
			deadline)
		return
	}
	req.Streaming = true

	for event := range h.service.ProcessQueryStream(c.Request.Context(), req) {
		if event.Done && event.Result != nil {
			event.Result.RequestID = requestID
		}
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(event); err != nil {
			slog.Debug("Websocket client went away",
				slog.String("request_id", requestID),
				slog.String("error", err.Error()))
			return
		}
	}

	deadline := time.Now().Add(wsWriteTimeout)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
}

// HandleHealth handles GET /v1/rag/health.
//
// Description:
//
//	Returns the monitor's last observed status per downstream service.
//	200 when every service is healthy, 503 otherwise; the body is always
//	the status map, so clients can see which dependency is down.
//
// Thread Safety: This method is safe for concurrent use.
func (h *Handlers) HandleHealth(c *gin.Context) {
	monitor := h.service.Monitor()
	if monitor == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}

	status := http.StatusOK
	if !monitor.AllHealthy() {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"services": monitor.Statuses()})
}

// HandleReady handles GET /v1/rag/ready. 503 until the startup warm-up
// attempt has finished.
func (h *Handlers) HandleReady(c *gin.Context) {
	if !h.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

// HandleStats handles GET /v1/rag/stats.
func (h *Handlers) HandleStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.StatsSnapshot())
}
