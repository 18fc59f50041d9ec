// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes holds the wire types shared between the RAG orchestrator
// service and its clients (HTTP handlers, SSE/websocket streams, the
// aleutianrag CLI). Types here are plain data: no behavior beyond small
// helpers, no service dependencies.
package datatypes

import "time"

// ErrorKind classifies why a query failed. Set on QueryResult only when
// Success is false.
type ErrorKind string

const (
	// ErrorKindInvalidInput marks an empty or malformed question. Never
	// retried internally; no downstream call is made.
	ErrorKindInvalidInput ErrorKind = "invalid_input"

	// ErrorKindRetrievalUnavailable marks a vector-store failure. It is
	// recovered locally by the fallback knowledge table and therefore never
	// appears on a QueryResult; it exists for logging and metrics labels.
	ErrorKindRetrievalUnavailable ErrorKind = "retrieval_unavailable"

	// ErrorKindGenerationError marks an LLM call that failed or returned an
	// error-prefixed string.
	ErrorKindGenerationError ErrorKind = "generation_error"

	// ErrorKindCancelled marks a request whose caller went away or that was
	// interrupted by shutdown. Not counted as a failed query.
	ErrorKindCancelled ErrorKind = "cancelled"

	// ErrorKindInternal marks an unexpected condition (parse failure,
	// arithmetic). Logged, then surfaced to clients as generation_error.
	ErrorKindInternal ErrorKind = "internal"
)

// PassageSource records where the grounding passages of a result came from.
type PassageSource string

const (
	// SourceVectorStore means the passages were returned by the vector store.
	SourceVectorStore PassageSource = "vector_store"

	// SourceFallback means the vector store was unavailable (or the
	// collection missing/empty) and the static knowledge table answered.
	SourceFallback PassageSource = "fallback"
)

// QueryRequest is the ingress request body for POST /query.
//
// Description:
//
//	Question is the only semantically required field, but its validation is
//	deliberately left to the pipeline: an empty or whitespace question is a
//	well-formed request that yields a failed QueryResult with
//	error_kind=invalid_input, not an HTTP 400.
//
// Thread Safety: QueryRequest is a value type; copies are independent.
type QueryRequest struct {
	// Question is the natural-language question, passed verbatim to the LLM.
	Question string `json:"question"`

	// Collection names the vector-store collection to query.
	// Defaults to "rag_documents_collection" when empty.
	Collection string `json:"collection,omitempty"`

	// K is the number of passages to retrieve. Defaults to 3; values above
	// the hard cap of 10 are clamped, values below 1 take the default.
	K int `json:"k,omitempty"`

	// Streaming requests streamed generation. On /query the fragments are
	// concatenated into a single answer; the SSE and websocket endpoints
	// forward them as they arrive.
	Streaming bool `json:"streaming,omitempty"`

	// TaskHint overrides the query classifier when set to one of
	// "simple", "fast", "balanced", "complex". Unknown values are ignored.
	TaskHint string `json:"task_hint,omitempty"`
}

// QueryResult is the ingress response body. The HTTP status is 200 for every
// well-formed request; clients must inspect Success.
type QueryResult struct {
	// Question echoes the original question verbatim.
	Question string `json:"question"`

	// Answer is the generated (or cached) answer. Empty when Success is false.
	Answer string `json:"answer"`

	// Passages is the ordered grounding context used for the answer.
	Passages []string `json:"passages"`

	// LatencySeconds is the wall-clock time spent in the pipeline.
	LatencySeconds float64 `json:"latency_seconds"`

	// ModelUsed is the LLM model name selected by the router.
	ModelUsed string `json:"model_used,omitempty"`

	// Confidence is a heuristic in [0,1]: 0.95 for cache hits, otherwise
	// min(0.9, len(answer)/100).
	Confidence float64 `json:"confidence"`

	// Success reports whether an answer was produced.
	Success bool `json:"success"`

	// ErrorKind is set iff Success is false.
	ErrorKind ErrorKind `json:"error_kind,omitempty"`

	// CacheHit reports whether the answer came from the response cache.
	CacheHit bool `json:"cache_hit"`

	// Streaming reports whether streamed generation was requested.
	Streaming bool `json:"streaming"`

	// TokensPerSecond is the generation speed reported by the LLM runtime.
	// Zero (and omitted) for cache hits and streamed generations.
	TokensPerSecond float64 `json:"tokens_per_second,omitempty"`

	// PassageSource records whether the passages came from the vector store
	// or the fallback knowledge table.
	PassageSource PassageSource `json:"passage_source,omitempty"`

	// RequestID is the correlation ID assigned (or propagated) at ingress.
	RequestID string `json:"request_id,omitempty"`
}

// StreamEvent is one message on the SSE and websocket streaming surfaces.
//
// Description:
//
//	Fragment events carry one generation fragment each, in emission order.
//	The terminal event has Done=true and carries the full QueryResult whose
//	Answer is the concatenation of all fragments.
type StreamEvent struct {
	// Fragment is one UTF-8 chunk of the streamed answer.
	Fragment string `json:"fragment,omitempty"`

	// Done marks the terminal event of a stream.
	Done bool `json:"done,omitempty"`

	// Result is the final QueryResult, present only on the Done event.
	Result *QueryResult `json:"result,omitempty"`
}

// ServiceStatus is the health monitor's view of one downstream service.
//
// Thread Safety: the monitor hands out copies; readers never share memory
// with the monitor's internal state.
type ServiceStatus struct {
	// Healthy is true when the last probe returned HTTP 200.
	Healthy bool `json:"healthy"`

	// LastProbe is when the service was last probed.
	LastProbe time.Time `json:"last_probe"`

	// ConsecutiveFailures counts probe failures since the last success.
	ConsecutiveFailures int `json:"consecutive_failures"`
}

// ModelState is the registry's snapshot of one model descriptor.
type ModelState struct {
	// Name is the model identifier passed to the LLM runtime.
	Name string `json:"name"`

	// Tier is the quality tier label: ultra_fast, fast, quality, ultra_quality.
	Tier string `json:"tier"`

	// Loaded is true once the model's warm-up generation has succeeded.
	Loaded bool `json:"loaded"`

	// LastUse is when the model was last warmed or selected.
	LastUse time.Time `json:"last_use"`
}

// StatsSnapshot is the derived, read-only view served by GET /v1/rag/stats.
type StatsSnapshot struct {
	UptimeSeconds       float64 `json:"uptime_seconds"`
	QueriesProcessed    int64   `json:"queries_processed"`
	SuccessfulQueries   int64   `json:"successful_queries"`
	FailedQueries       int64   `json:"failed_queries"`
	CacheHits           int64   `json:"cache_hits"`
	StreamingQueries    int64   `json:"streaming_queries"`
	SuccessRatePercent  float64 `json:"success_rate_percent"`
	CacheHitRatePercent float64 `json:"cache_hit_rate_percent"`
	AvgResponseTimeS    float64 `json:"avg_response_time_s"`
	MaxResponseTimeS    float64 `json:"max_response_time_s"`

	// PerformanceGrade is A+, A, B, or D depending on how many of the three
	// targets (avg latency, success rate, cache-hit rate) are met.
	PerformanceGrade string `json:"performance_grade"`

	// TargetAvgResponseTimeS and TargetMaxResponseTimeS echo the latency
	// targets the grade is computed against.
	TargetAvgResponseTimeS float64 `json:"target_avg_response_time_s"`
	TargetMaxResponseTimeS float64 `json:"target_max_response_time_s"`

	LastHealthCheck time.Time `json:"last_health_check"`

	// Models lists the registry descriptors.
	Models []ModelState `json:"models,omitempty"`

	// Services maps downstream service names to their last observed status.
	Services map[string]ServiceStatus `json:"services,omitempty"`
}

// ErrorResponse is the JSON body for non-200 ingress responses
// (malformed JSON, rate limiting). Codes are SNAKE_CASE.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
