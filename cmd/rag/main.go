// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command rag starts the AleutianRAG orchestrator server.
//
// The orchestrator answers natural-language questions by retrieving grounding
// passages from a vector store, routing each question to a model tier by
// complexity, and generating through a local Ollama runtime. Retrieval
// failures degrade to a built-in knowledge table instead of failing requests.
//
// Usage:
//
//	go run ./cmd/rag
//	go run ./cmd/rag -port 9090
//
// With a local stack:
//
//	VECTOR_STORE_URL=http://localhost:8000 OLLAMA_BASE_URL=http://localhost:11434 go run ./cmd/rag
//
// Example requests:
//
//	# Run one query
//	curl -X POST http://localhost:8080/query \
//	  -H "Content-Type: application/json" \
//	  -d '{"question": "what is machine learning"}'
//
//	# Stream fragments over SSE
//	curl -N -X POST http://localhost:8080/v1/rag/query/stream \
//	  -H "Content-Type: application/json" \
//	  -d '{"question": "explain transformers step by step"}'
//
//	# Stats and health
//	curl http://localhost:8080/v1/rag/stats | jq
//	curl http://localhost:8080/v1/rag/health | jq
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"

	"github.com/AleutianAI/AleutianRAG/services/llm"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/cache"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/knowledge"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/routing"
	"github.com/AleutianAI/AleutianRAG/services/orchestrator/transport"
	"github.com/AleutianAI/AleutianRAG/services/vectorstore"
)

const (
	warmupTimeout   = 2 * time.Minute
	shutdownTimeout = 10 * time.Second
)

func main() {
	// Panics that escape main's call tree are unrecoverable configuration or
	// programming errors; exit distinctly from startup failures.
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			slog.Error("Unrecoverable panic",
				slog.Any("panic", r),
				slog.String("stack", string(buf[:n])))
			os.Exit(2)
		}
	}()

	port := flag.Int("port", 8080, "Port to listen on")
	debug := flag.Bool("debug", false, "Enable debug mode")
	flag.Parse()

	setupLogging(*debug)

	if *debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := setupTelemetry(ctx)
	if err != nil {
		slog.Error("Failed to bootstrap telemetry", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("Telemetry flush failed", slog.String("error", err.Error()))
		}
	}()

	server, cleanup, err := buildServer(ctx, *port)
	if err != nil {
		slog.Error("Failed to start server", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer cleanup()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		slog.Error("Server exited", slog.String("error", err.Error()))
		os.Exit(1)
	case <-ctx.Done():
	}

	slog.Info("Shutting down AleutianRAG server")
	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(drainCtx); err != nil {
		slog.Warn("Shutdown drain incomplete", slog.String("error", err.Error()))
	}
}

// setupLogging installs the process-wide slog handler: human-readable text
// on a terminal, JSON when the output is captured.
func setupLogging(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if isatty.IsTerminal(os.Stderr.Fd()) {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// setupTelemetry installs the W3C propagator and, when an exporter is
// configured, a batching tracer provider.
//
// OTEL_EXPORTER_OTLP_ENDPOINT selects OTLP/gRPC export; RAG_TRACE_STDOUT=1
// selects stdout export for local debugging. With neither set, spans stay
// no-ops and the returned shutdown func does nothing.
func setupTelemetry(ctx context.Context) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	var exporter sdktrace.SpanExporter
	var err error
	switch {
	case os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "":
		exporter, err = otlptracegrpc.New(ctx)
	case os.Getenv("RAG_TRACE_STDOUT") == "1":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return func(context.Context) error { return nil }, nil
	}
	if err != nil {
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("aleutian-rag")),
	)
	if err != nil {
		return nil, fmt.Errorf("building otel resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// buildServer constructs the full pipeline and the HTTP server around it.
// The returned cleanup func stops background work and closes idle
// connections; call it after the server has drained.
func buildServer(ctx context.Context, port int) (*http.Server, func(), error) {
	pool := transport.NewPool()
	httpClient := pool.Client(orchestrator.ResolveHTTPTimeout())

	knowledgeProvider, err := knowledge.NewProvider(ctx, orchestrator.ResolveKnowledgeFile())
	if err != nil {
		return nil, nil, fmt.Errorf("loading fallback knowledge: %w", err)
	}

	backend, backendName, err := buildVectorBackend(httpClient)
	if err != nil {
		return nil, nil, fmt.Errorf("building vector backend: %w", err)
	}
	retriever := vectorstore.NewService(backend, knowledgeProvider)

	// The shared 5s client is for retrieval and health probes only. The LLM
	// adapter gets its own pool view: http.Client.Timeout wins over the
	// generation deadline when shorter, so the client must outlive it.
	llmClient := llm.NewOllamaClient(pool.Client(llm.ClientTimeout()))
	registry, err := routing.NewRegistry(llmClient)
	if err != nil {
		return nil, nil, fmt.Errorf("building model registry: %w", err)
	}

	stats := orchestrator.NewStats()
	monitor := orchestrator.NewHealthMonitor(map[string]orchestrator.Probe{
		backendName: backend.Health,
		"llm":       llmClient.Health,
	}, orchestrator.ResolveHealthInterval(), orchestrator.ResolveProbeTimeout(), stats)

	responseCache := cache.New(orchestrator.ResolveCacheCapacity())
	service := orchestrator.NewService(retriever, llmClient, registry, responseCache, stats, monitor)
	handlers := orchestrator.NewHandlers(service)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("aleutian-rag"))
	router.Use(orchestrator.RateLimitMiddleware(orchestrator.ResolveRateLimit()))
	orchestrator.RegisterRoutes(router, handlers)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	monitorCtx, cancelMonitor := context.WithCancel(ctx)
	go monitor.Run(monitorCtx)

	if orchestrator.ResolveKnowledgeFile() != "" {
		go func() {
			if err := knowledgeProvider.Watch(monitorCtx); err != nil {
				slog.Warn("Knowledge file watch stopped", slog.String("error", err.Error()))
			}
		}()
	}

	go warmFastTier(monitorCtx, registry, handlers)

	printBanner(port)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: router,
	}
	cleanup := func() {
		cancelMonitor()
		pool.CloseIdleConnections()
	}
	return server, cleanup, nil
}

// buildVectorBackend selects the retrieval backend via VECTOR_BACKEND.
func buildVectorBackend(httpClient *http.Client) (vectorstore.Backend, string, error) {
	switch orchestrator.ResolveVectorBackend() {
	case orchestrator.VectorBackendWeaviate:
		backend, err := vectorstore.NewWeaviateBackend()
		if err != nil {
			return nil, "", err
		}
		return backend, "weaviate", nil
	default:
		return vectorstore.NewChromaClient(httpClient), "vector_store", nil
	}
}

// warmFastTier pre-loads the fast-tier model so the common routing target
// answers without cold-start latency, then flips the readiness gate.
// Warm-up failure is non-fatal: generation lazy-loads on first use.
func warmFastTier(ctx context.Context, registry *routing.Registry, handlers *orchestrator.Handlers) {
	// The readiness gate must flip even if warm-up panics, or the server
	// would stay not-ready forever.
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			slog.Error("Panic in warm-up goroutine recovered",
				slog.Any("panic", r),
				slog.String("stack", string(buf[:n])))
		}
		handlers.MarkReady()
	}()

	warmCtx, cancel := context.WithTimeout(ctx, warmupTimeout)
	defer cancel()

	model := registry.Select(routing.BucketFast)
	start := time.Now()
	if err := registry.EnsureLoaded(warmCtx, model); err != nil {
		if !errors.Is(err, context.Canceled) {
			slog.Warn("Fast-tier warm-up failed, first generation pays load latency",
				slog.String("model", model),
				slog.String("error", err.Error()),
				slog.Duration("duration", time.Since(start)))
		}
		return
	}
	slog.Info("Fast-tier model warmed",
		slog.String("model", model),
		slog.Duration("duration", time.Since(start)))
}

func printBanner(port int) {
	banner := `
╔═══════════════════════════════════════════════════════════════════╗
║                      ALEUTIAN RAG SERVER                          ║
╠═══════════════════════════════════════════════════════════════════╣
║                                                                   ║
║  Retrieval-augmented question answering over local models.        ║
║                                                                   ║
║  Quick Start:                                                     ║
║  ┌─────────────────────────────────────────────────────────────┐  ║
║  │ # Ask a question                                            │  ║
║  │ curl -X POST http://localhost:%d/query \              │  ║
║  │   -H "Content-Type: application/json" \                     │  ║
║  │   -d '{"question": "what is machine learning"}'             │  ║
║  │                                                             │  ║
║  │ # Stream the answer over SSE                                │  ║
║  │ curl -N -X POST http://localhost:%d/v1/rag/query/stream \ ║
║  │   -H "Content-Type: application/json" \                     │  ║
║  │   -d '{"question": "compare CNNs and transformers"}'        │  ║
║  │                                                             │  ║
║  │ # Stats, health, metrics                                    │  ║
║  │ curl http://localhost:%d/v1/rag/stats | jq            │  ║
║  │ curl http://localhost:%d/v1/rag/health | jq           │  ║
║  └─────────────────────────────────────────────────────────────┘  ║
║                                                                   ║
║  Endpoints:                                                       ║
║  ├── Query: POST /query, /v1/rag/query                           ║
║  ├── Stream: POST /v1/rag/query/stream (SSE), GET /stream/ws     ║
║  ├── Ops: /v1/rag/health, /v1/rag/ready, /v1/rag/stats           ║
║  └── Metrics: GET /metrics (Prometheus)                          ║
║                                                                   ║
║  Press Ctrl+C to stop                                             ║
╚═══════════════════════════════════════════════════════════════════╝
`
	fmt.Printf(banner, port, port, port, port)
}
