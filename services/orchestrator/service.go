// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator implements the RAG query pipeline: classify the
// question, route it to a model tier, retrieve grounding passages, consult
// the response cache, and generate an answer.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianRAG/services/llm"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/cache"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/routing"
	"github.com/AleutianAI/AleutianRAG/services/vectorstore"
)

var pipelineTracer = otel.Tracer("aleutian.rag.orchestrator")

// emptyContextPlaceholder renders the prompt context when retrieval (and
// fallback) produced no passages at all.
const emptyContextPlaceholder = "No relevant context found."

// generationErrorPrefix marks the LLM adapter's in-band failure string.
const generationErrorPrefix = "Error"

// =============================================================================
// Dependencies
// =============================================================================

// Generator is the LLM-side dependency of the pipeline.
type Generator interface {
	GenerateBlocking(ctx context.Context, model, prompt string, opts llm.GenerateOptions) (string, float64)
	GenerateStreaming(ctx context.Context, model, prompt string, opts llm.GenerateOptions) <-chan llm.StreamChunk
}

// ModelRouter selects and warms model variants.
type ModelRouter interface {
	Select(bucket routing.Bucket) string
	EnsureLoaded(ctx context.Context, name string) error
	Snapshot() []datatypes.ModelState
}

// =============================================================================
// Service
// =============================================================================

// Service is the orchestration pipeline.
//
// # Description
//
// ProcessQuery always returns a well-formed QueryResult: invalid input,
// generation failure, and cancellation all become result fields rather than
// Go errors. Retrieval failure never fails a query at all; the retriever
// degrades to the fallback knowledge table internally. There is no
// single-flight coalescing on cache misses: concurrent identical questions
// may each generate, and the last Store wins.
//
// # Thread Safety
//
// Safe for concurrent use. The service holds no per-request state and no
// lock across retrieval or generation.
type Service struct {
	retriever vectorstore.Retriever
	generator Generator
	router    ModelRouter
	cache     *cache.ResponseCache
	stats     *Stats
	monitor   *HealthMonitor
}

// NewService wires the pipeline. monitor may be nil; it only enriches the
// stats snapshot.
func NewService(retriever vectorstore.Retriever, generator Generator, router ModelRouter, responseCache *cache.ResponseCache, stats *Stats, monitor *HealthMonitor) *Service {
	return &Service{
		retriever: retriever,
		generator: generator,
		router:    router,
		cache:     responseCache,
		stats:     stats,
		monitor:   monitor,
	}
}

// Stats exposes the counters for handlers and lifecycle code.
func (s *Service) Stats() *Stats { return s.stats }

// Monitor exposes the health monitor, nil when none was wired.
func (s *Service) Monitor() *HealthMonitor { return s.monitor }

// StatsSnapshot assembles the full stats view including model descriptors
// and downstream service statuses.
func (s *Service) StatsSnapshot() datatypes.StatsSnapshot {
	snap := s.stats.Snapshot()
	snap.Models = s.router.Snapshot()
	if s.monitor != nil {
		snap.Services = s.monitor.Statuses()
	}
	return snap
}

// =============================================================================
// Pipeline
// =============================================================================

// ProcessQuery runs the full pipeline for one query.
//
// # Description
//
// Steps: validate, classify (task hint wins), select model, retrieve
// passages, look up the cache, on a miss warm the model best-effort and
// generate, store successful answers back. A streaming request on this
// surface concatenates the fragments into one answer; per-fragment delivery
// is ProcessQueryStream's job.
func (s *Service) ProcessQuery(ctx context.Context, req datatypes.QueryRequest) *datatypes.QueryResult {
	ctx, span := pipelineTracer.Start(ctx, "orchestrator.ProcessQuery")
	defer span.End()

	question := strings.TrimSpace(req.Question)
	if question == "" {
		span.SetStatus(codes.Error, "empty question")
		return &datatypes.QueryResult{
			Question:  req.Question,
			Passages:  []string{},
			Success:   false,
			ErrorKind: datatypes.ErrorKindInvalidInput,
			Streaming: req.Streaming,
		}
	}

	start := time.Now()
	s.stats.QueryStarted()

	bucket := s.classify(question, req.TaskHint)
	model := s.router.Select(bucket)
	span.SetAttributes(
		attribute.String("rag.bucket", string(bucket)),
		attribute.String("rag.model", model),
		attribute.Bool("rag.streaming", req.Streaming),
	)

	passages, source := s.retriever.Retrieve(ctx, question, req.Collection, req.K)

	key := cache.Fingerprint(question, passages)
	if answer, ok := s.cache.Lookup(key); ok {
		result := &datatypes.QueryResult{
			Question:       question,
			Answer:         answer,
			Passages:       passages,
			LatencySeconds: time.Since(start).Seconds(),
			ModelUsed:      model,
			Confidence:     0.95,
			Success:        true,
			CacheHit:       true,
			Streaming:      req.Streaming,
			PassageSource:  source,
		}
		s.stats.RecordSuccess(time.Since(start), true, req.Streaming)
		recordQueryMetrics(result, string(bucket), time.Since(start))
		span.SetStatus(codes.Ok, "")
		return result
	}

	if err := s.router.EnsureLoaded(ctx, model); err != nil {
		// Best-effort: a cold model just pays load latency on generation.
		slog.Debug("Continuing with cold model",
			slog.String("model", model),
			slog.String("error", err.Error()))
	}

	prompt := buildPrompt(question, passages)

	var answer string
	var tokensPerSec float64
	if req.Streaming {
		answer = s.generateConcatenated(ctx, model, prompt)
	} else {
		answer, tokensPerSec = s.generator.GenerateBlocking(ctx, model, prompt, llm.GenerateOptions{})
	}

	latency := time.Since(start)
	result := &datatypes.QueryResult{
		Question:       question,
		Passages:       passages,
		LatencySeconds: latency.Seconds(),
		ModelUsed:      model,
		Streaming:      req.Streaming,
		PassageSource:  source,
	}

	switch {
	case ctx.Err() != nil:
		result.ErrorKind = datatypes.ErrorKindCancelled
		s.stats.RecordCancelled(latency, req.Streaming)
		span.SetStatus(codes.Error, "cancelled")

	case answer == "" || strings.HasPrefix(answer, generationErrorPrefix):
		result.ErrorKind = datatypes.ErrorKindGenerationError
		s.stats.RecordFailure(latency, req.Streaming)
		span.SetStatus(codes.Error, "generation failed")
		slog.Error("Generation failed",
			slog.String("model", model),
			slog.String("bucket", string(bucket)))

	default:
		s.cache.Store(key, answer)
		result.Answer = answer
		result.Confidence = min(0.9, float64(len(answer))/100)
		result.Success = true
		result.TokensPerSecond = tokensPerSec
		s.stats.RecordSuccess(latency, false, req.Streaming)
		span.SetStatus(codes.Ok, "")
	}

	recordQueryMetrics(result, string(bucket), latency)
	return result
}

// ProcessQueryStream runs the pipeline delivering fragments as they arrive.
//
// # Description
//
// Returns a channel of stream events: zero or more fragment events followed
// by exactly one terminal event with Done=true and the final QueryResult.
// The channel is closed after the terminal event. A cache hit yields a
// single fragment carrying the whole cached answer. Counters and caching
// behave exactly as in ProcessQuery.
func (s *Service) ProcessQueryStream(ctx context.Context, req datatypes.QueryRequest) <-chan datatypes.StreamEvent {
	out := make(chan datatypes.StreamEvent)
	go func() {
		defer close(out)
		s.streamQuery(ctx, req, out)
	}()
	return out
}

func (s *Service) streamQuery(ctx context.Context, req datatypes.QueryRequest, out chan<- datatypes.StreamEvent) {
	ctx, span := pipelineTracer.Start(ctx, "orchestrator.ProcessQueryStream")
	defer span.End()

	question := strings.TrimSpace(req.Question)
	if question == "" {
		span.SetStatus(codes.Error, "empty question")
		emit(ctx, out, datatypes.StreamEvent{Done: true, Result: &datatypes.QueryResult{
			Question:  req.Question,
			Passages:  []string{},
			ErrorKind: datatypes.ErrorKindInvalidInput,
			Streaming: true,
		}})
		return
	}

	start := time.Now()
	s.stats.QueryStarted()

	bucket := s.classify(question, req.TaskHint)
	model := s.router.Select(bucket)
	passages, source := s.retriever.Retrieve(ctx, question, req.Collection, req.K)

	key := cache.Fingerprint(question, passages)
	if answer, ok := s.cache.Lookup(key); ok {
		latency := time.Since(start)
		result := &datatypes.QueryResult{
			Question:       question,
			Answer:         answer,
			Passages:       passages,
			LatencySeconds: latency.Seconds(),
			ModelUsed:      model,
			Confidence:     0.95,
			Success:        true,
			CacheHit:       true,
			Streaming:      true,
			PassageSource:  source,
		}
		s.stats.RecordSuccess(latency, true, true)
		recordQueryMetrics(result, string(bucket), latency)
		span.SetStatus(codes.Ok, "")
		if emit(ctx, out, datatypes.StreamEvent{Fragment: answer}) {
			emit(ctx, out, datatypes.StreamEvent{Done: true, Result: result})
		}
		return
	}

	if err := s.router.EnsureLoaded(ctx, model); err != nil {
		slog.Debug("Continuing with cold model",
			slog.String("model", model),
			slog.String("error", err.Error()))
	}

	prompt := buildPrompt(question, passages)
	var fragments strings.Builder
	var streamErr error
	for chunk := range s.generator.GenerateStreaming(ctx, model, prompt, llm.GenerateOptions{}) {
		if chunk.Err != nil {
			streamErr = chunk.Err
			break
		}
		fragments.WriteString(chunk.Text)
		if !emit(ctx, out, datatypes.StreamEvent{Fragment: chunk.Text}) {
			streamErr = ctx.Err()
			break
		}
	}

	latency := time.Since(start)
	answer := fragments.String()
	result := &datatypes.QueryResult{
		Question:       question,
		Passages:       passages,
		LatencySeconds: latency.Seconds(),
		ModelUsed:      model,
		Streaming:      true,
		PassageSource:  source,
	}

	switch {
	case ctx.Err() != nil:
		result.ErrorKind = datatypes.ErrorKindCancelled
		s.stats.RecordCancelled(latency, true)
		span.SetStatus(codes.Error, "cancelled")

	case streamErr != nil || answer == "":
		result.ErrorKind = datatypes.ErrorKindGenerationError
		s.stats.RecordFailure(latency, true)
		span.SetStatus(codes.Error, "generation failed")

	default:
		s.cache.Store(key, answer)
		result.Answer = answer
		result.Confidence = min(0.9, float64(len(answer))/100)
		result.Success = true
		s.stats.RecordSuccess(latency, false, true)
		span.SetStatus(codes.Ok, "")
	}

	recordQueryMetrics(result, string(bucket), latency)
	emit(ctx, out, datatypes.StreamEvent{Done: true, Result: result})
}

// =============================================================================
// Helpers
// =============================================================================

// classify applies the task-hint override, falling back to the classifier.
func (s *Service) classify(question, taskHint string) routing.Bucket {
	if taskHint != "" {
		if hint, err := routing.ParseBucket(taskHint); err == nil {
			return hint
		}
		slog.Warn("Ignoring unknown task hint", slog.String("task_hint", taskHint))
	}
	return routing.Classify(question)
}

// buildPrompt renders the grounded generation prompt.
func buildPrompt(question string, passages []string) string {
	contextBlock := emptyContextPlaceholder
	if len(passages) > 0 {
		contextBlock = strings.Join(passages, "\n")
	}
	return "Context: " + contextBlock + "\n\nQuestion: " + question + "\nAnswer:"
}

// generateConcatenated folds a streamed generation into one answer for the
// non-streaming surface. Returns "" when the stream died.
func (s *Service) generateConcatenated(ctx context.Context, model, prompt string) string {
	var b strings.Builder
	for chunk := range s.generator.GenerateStreaming(ctx, model, prompt, llm.GenerateOptions{}) {
		if chunk.Err != nil {
			if !errors.Is(chunk.Err, context.Canceled) {
				slog.Warn("Streamed generation failed",
					slog.String("model", model),
					slog.String("error", chunk.Err.Error()))
			}
			return ""
		}
		b.WriteString(chunk.Text)
	}
	return b.String()
}

// emit sends one event unless the consumer's context is gone. Reports
// whether the send happened.
func emit(ctx context.Context, out chan<- datatypes.StreamEvent, ev datatypes.StreamEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
