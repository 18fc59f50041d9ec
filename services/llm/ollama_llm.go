// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm wraps the local LLM runtime's generate API (Ollama wire
// contract) with blocking and streaming entry points.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

var ollamaTracer = otel.Tracer("aleutian.rag.llm")

// =============================================================================
// Defaults and Wire Types
// =============================================================================

const (
	defaultOllamaBaseURL = "http://localhost:11434"

	// DefaultGenerationTimeout bounds one generate call end to end.
	DefaultGenerationTimeout = 30 * time.Second

	// DefaultNumPredictBlocking caps token output on the low-latency path.
	DefaultNumPredictBlocking = 50

	// DefaultNumPredictStreaming caps token output for streamed generations.
	DefaultNumPredictStreaming = 100

	// warmNumPredict is the tiny budget used for model warm-up generations.
	warmNumPredict = 10

	defaultTemperature = 0.7
	defaultTopP        = 0.9

	// maxStreamLineBytes bounds one NDJSON line; fragments are single tokens
	// or small token groups, so 1 MiB is generous.
	maxStreamLineBytes = 1 << 20
)

// DefaultStopSequences are the stop strings sent when the caller does not
// provide any. They terminate generation at paragraph breaks and at prompt
// scaffold echoes.
var DefaultStopSequences = []string{"\n\n", "Question:", "Context:"}

type ollamaOptions struct {
	Temperature float64  `json:"temperature"`
	TopP        float64  `json:"top_p"`
	NumPredict  int      `json:"num_predict"`
	Stop        []string `json:"stop,omitempty"`
}

type ollamaGenerateRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`

	// EvalCount and EvalDuration (nanoseconds) appear on the final
	// non-stream response and yield tokens-per-second.
	EvalCount    int64 `json:"eval_count,omitempty"`
	EvalDuration int64 `json:"eval_duration,omitempty"`
}

// =============================================================================
// Options
// =============================================================================

// GenerateOptions are the caller-tunable generation parameters. Zero values
// take the documented defaults (temperature 0.7, top_p 0.9, num_predict 50
// blocking / 100 streaming, the default stop sequences).
type GenerateOptions struct {
	Temperature float64
	TopP        float64
	NumPredict  int
	Stop        []string
}

func (o GenerateOptions) withDefaults(streaming bool) ollamaOptions {
	opts := ollamaOptions{
		Temperature: o.Temperature,
		TopP:        o.TopP,
		NumPredict:  o.NumPredict,
		Stop:        o.Stop,
	}
	if opts.Temperature <= 0 {
		opts.Temperature = defaultTemperature
	}
	if opts.TopP <= 0 {
		opts.TopP = defaultTopP
	}
	if opts.NumPredict <= 0 {
		if streaming {
			opts.NumPredict = DefaultNumPredictStreaming
		} else {
			opts.NumPredict = DefaultNumPredictBlocking
		}
	}
	if opts.Stop == nil {
		opts.Stop = DefaultStopSequences
	}
	return opts
}

// StreamChunk is one element of a streamed generation.
//
// Description:
//
//	Text carries one UTF-8 fragment in emission order. Err is set only on
//	the terminal chunk of a stream that died before the runtime finished;
//	a cleanly finished stream just closes the channel.
type StreamChunk struct {
	Text string
	Err  error
}

// =============================================================================
// Client
// =============================================================================

// ResolveOllamaBaseURL returns the LLM runtime base URL from the environment.
//
// Description:
//
//	Prefers OLLAMA_BASE_URL. Falls back to the deprecated OLLAMA_URL with a
//	warning, then to http://localhost:11434.
//
// Thread Safety: Safe for concurrent use.
func ResolveOllamaBaseURL() string {
	if url := os.Getenv("OLLAMA_BASE_URL"); url != "" {
		return url
	}
	if url := os.Getenv("OLLAMA_URL"); url != "" {
		slog.Warn("OLLAMA_URL is deprecated, use OLLAMA_BASE_URL instead")
		return url
	}
	return defaultOllamaBaseURL
}

// OllamaClient talks to the LLM runtime's generate API using raw net/http.
//
// Description:
//
//	GenerateBlocking never returns a Go error: failures become an
//	"Error generating response: …" string, which the orchestration pipeline
//	recognizes as a generation failure. Warm and Health keep normal error
//	returns because their callers branch on them.
//
// Thread Safety: OllamaClient is safe for concurrent use.
type OllamaClient struct {
	httpClient *http.Client
	baseURL    string
	timeout    time.Duration
}

// ResolveGenerationTimeout returns the per-call generation deadline from
// RAG_GENERATION_TIMEOUT (default 30s). Invalid values warn and fall back.
//
// Thread Safety: Safe for concurrent use.
func ResolveGenerationTimeout() time.Duration {
	raw := os.Getenv("RAG_GENERATION_TIMEOUT")
	if raw == "" {
		return DefaultGenerationTimeout
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		slog.Warn("Invalid RAG_GENERATION_TIMEOUT, using default",
			slog.String("value", raw),
			slog.Duration("default", DefaultGenerationTimeout))
		return DefaultGenerationTimeout
	}
	return d
}

// ClientTimeout returns the http.Client timeout the adapter needs: the
// generation deadline plus connection headroom. http.Client.Timeout wins
// over any context deadline when it is shorter, so a client sized below the
// generation deadline would cut every slow-but-in-budget generation off
// early.
func ClientTimeout() time.Duration {
	return ResolveGenerationTimeout() + 5*time.Second
}

// NewOllamaClient creates a client from the environment.
//
// Description:
//
//	Base URL comes from ResolveOllamaBaseURL; the generation deadline from
//	RAG_GENERATION_TIMEOUT (default 30s). Pass a pool client sized with
//	ClientTimeout so connections are reused without the client deadline
//	undercutting the generation one; nil falls back to a standalone client
//	with that timeout.
func NewOllamaClient(httpClient *http.Client) *OllamaClient {
	timeout := ResolveGenerationTimeout()
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout + 5*time.Second}
	}
	return &OllamaClient{
		httpClient: httpClient,
		baseURL:    ResolveOllamaBaseURL(),
		timeout:    timeout,
	}
}

// NewOllamaClientWithConfig creates a client with explicit configuration.
// Useful for testing against httptest servers.
func NewOllamaClientWithConfig(baseURL string, httpClient *http.Client) *OllamaClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultGenerationTimeout + 5*time.Second}
	}
	return &OllamaClient{
		httpClient: httpClient,
		baseURL:    baseURL,
		timeout:    DefaultGenerationTimeout,
	}
}

// BaseURL returns the configured runtime base URL.
func (c *OllamaClient) BaseURL() string {
	return c.baseURL
}

// generate performs one POST to /api/generate and decodes a non-stream
// response. Shared by GenerateBlocking and Warm.
func (c *OllamaClient) generate(ctx context.Context, payload ollamaGenerateRequest) (*ollamaGenerateResponse, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ollama: marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/generate", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("ollama: creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama: HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("ollama: reading response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama: API returned status %d: %s",
			resp.StatusCode, SafeLogBody(string(bodyBytes)))
	}

	var apiResp ollamaGenerateResponse
	if err := json.Unmarshal(bodyBytes, &apiResp); err != nil {
		return nil, fmt.Errorf("ollama: parsing response JSON: %w", err)
	}
	return &apiResp, nil
}

// GenerateBlocking runs one non-streamed generation.
//
// Description:
//
//	POSTs {model, prompt, stream:false, options} and returns the response
//	text plus tokens-per-second derived from eval_count/eval_duration when
//	the runtime reports them (0 otherwise). On any failure it returns
//	("Error generating response: …", 0) instead of a Go error; the pipeline
//	treats "Error"-prefixed answers as generation failure.
//
// Inputs:
//   - ctx: Cancellation; a 30s (RAG_GENERATION_TIMEOUT) deadline is applied
//     on top.
//   - model: Model name for the runtime. Must not be empty.
//   - prompt: The assembled prompt, sent verbatim.
//   - opts: Generation parameters; zero values take defaults.
//
// Thread Safety: This method is safe for concurrent use.
func (c *OllamaClient) GenerateBlocking(ctx context.Context, model, prompt string, opts GenerateOptions) (string, float64) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ctx, span := ollamaTracer.Start(ctx, "llm.GenerateBlocking")
	defer span.End()
	span.SetAttributes(
		attribute.String("model", model),
		attribute.Int("prompt_len", len(prompt)),
	)

	start := time.Now()
	payload := ollamaGenerateRequest{
		Model:   model,
		Prompt:  prompt,
		Stream:  false,
		Options: opts.withDefaults(false),
	}

	apiResp, err := c.generate(ctx, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")
		recordGenerateMetrics("blocking", model, time.Since(start), err)
		slog.Warn("LLM generation failed",
			slog.String("model", model),
			slog.String("error", SafeLogString(err.Error())))
		return fmt.Sprintf("Error generating response: %v", err), 0
	}

	tokensPerSecond := 0.0
	if apiResp.EvalCount > 0 && apiResp.EvalDuration > 0 {
		tokensPerSecond = float64(apiResp.EvalCount) / (float64(apiResp.EvalDuration) / 1e9)
	}

	span.SetStatus(codes.Ok, "")
	span.SetAttributes(
		attribute.Int("response_len", len(apiResp.Response)),
		attribute.Float64("tokens_per_second", tokensPerSecond),
	)
	recordGenerateMetrics("blocking", model, time.Since(start), nil)

	slog.Debug("LLM generation complete",
		slog.String("model", model),
		slog.Int("response_len", len(apiResp.Response)),
		slog.Float64("tokens_per_second", tokensPerSecond))

	return apiResp.Response, tokensPerSecond
}

// GenerateStreaming runs one streamed generation.
//
// Description:
//
//	POSTs the same payload with stream:true and lazily decodes the
//	newline-delimited JSON body, sending each non-empty response fragment on
//	the returned channel in emission order. The channel closes when the
//	runtime reports done, when the body ends, or when ctx is cancelled.
//	Stopping early is done by cancelling ctx; that aborts the upstream
//	request promptly. The sequence is finite and non-restartable.
//
//	A transport or HTTP failure before the first fragment, or a mid-stream
//	read failure, delivers a terminal chunk with Err set.
//
// Thread Safety: This method is safe for concurrent use; each call owns its
// channel.
func (c *OllamaClient) GenerateStreaming(ctx context.Context, model, prompt string, opts GenerateOptions) <-chan StreamChunk {
	out := make(chan StreamChunk, 16)

	go func() {
		defer close(out)

		ctx, span := ollamaTracer.Start(ctx, "llm.GenerateStreaming")
		defer span.End()
		span.SetAttributes(
			attribute.String("model", model),
			attribute.Int("prompt_len", len(prompt)),
		)

		start := time.Now()
		payload := ollamaGenerateRequest{
			Model:   model,
			Prompt:  prompt,
			Stream:  true,
			Options: opts.withDefaults(true),
		}

		reqBody, err := json.Marshal(payload)
		if err != nil {
			c.failStream(ctx, span, out, model, start, fmt.Errorf("ollama: marshaling request: %w", err))
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/generate", bytes.NewBuffer(reqBody))
		if err != nil {
			c.failStream(ctx, span, out, model, start, fmt.Errorf("ollama: creating HTTP request: %w", err))
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			c.failStream(ctx, span, out, model, start, fmt.Errorf("ollama: HTTP request failed: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			c.failStream(ctx, span, out, model, start, fmt.Errorf("ollama: API returned status %d: %s",
				resp.StatusCode, SafeLogBody(string(bodyBytes))))
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), maxStreamLineBytes)

		fragments := 0
		for scanner.Scan() {
			if ctx.Err() != nil {
				span.SetStatus(codes.Error, "context cancelled")
				recordGenerateMetrics("streaming", model, time.Since(start), ctx.Err())
				return
			}

			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}

			var chunk ollamaGenerateResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				// One malformed line does not kill the stream.
				slog.Warn("Skipping malformed stream line",
					slog.String("model", model),
					slog.String("error", err.Error()))
				continue
			}

			if chunk.Response != "" {
				select {
				case out <- StreamChunk{Text: chunk.Response}:
					fragments++
				case <-ctx.Done():
					span.SetStatus(codes.Error, "context cancelled")
					recordGenerateMetrics("streaming", model, time.Since(start), ctx.Err())
					return
				}
			}

			if chunk.Done {
				break
			}
		}

		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			c.failStream(ctx, span, out, model, start, fmt.Errorf("ollama: reading stream: %w", err))
			return
		}

		span.SetStatus(codes.Ok, "")
		span.SetAttributes(attribute.Int("fragments", fragments))
		recordGenerateMetrics("streaming", model, time.Since(start), nil)
	}()

	return out
}

// failStream records the failure and delivers the terminal error chunk
// unless the consumer is already gone.
func (c *OllamaClient) failStream(ctx context.Context, span oteltrace.Span, out chan<- StreamChunk, model string, start time.Time, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, "stream failed")
	slog.Warn("LLM stream failed",
		slog.String("model", model),
		slog.String("error", SafeLogString(err.Error())))
	recordGenerateMetrics("streaming", model, time.Since(start), err)
	select {
	case out <- StreamChunk{Err: err}:
	case <-ctx.Done():
	}
}

// Warm issues the minimal generation that forces the runtime to load a
// model into memory.
//
// Description:
//
//	Sends prompt "Hello" with num_predict 10 and validates that the runtime
//	produced a response body. Unlike GenerateBlocking this returns a real
//	error: the registry branches on it to decide whether the descriptor is
//	loaded.
//
// Thread Safety: This method is safe for concurrent use.
func (c *OllamaClient) Warm(ctx context.Context, model string) error {
	if model == "" {
		return fmt.Errorf("ollama: warm: model must not be empty")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ctx, span := ollamaTracer.Start(ctx, "llm.Warm")
	defer span.End()
	span.SetAttributes(attribute.String("model", model))

	start := time.Now()
	payload := ollamaGenerateRequest{
		Model:  model,
		Prompt: "Hello",
		Stream: false,
		Options: GenerateOptions{
			NumPredict: warmNumPredict,
		}.withDefaults(false),
	}

	apiResp, err := c.generate(ctx, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "warmup failed")
		recordGenerateMetrics("warm", model, time.Since(start), err)
		return fmt.Errorf("ollama: warming %s: %w", model, err)
	}
	if apiResp.Response == "" {
		err := fmt.Errorf("ollama: warming %s: empty response", model)
		span.SetStatus(codes.Error, "empty warmup response")
		recordGenerateMetrics("warm", model, time.Since(start), err)
		return err
	}

	span.SetStatus(codes.Ok, "")
	recordGenerateMetrics("warm", model, time.Since(start), nil)
	slog.Info("Model warmed",
		slog.String("model", model),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// Health probes the runtime's tags endpoint. 200 means healthy.
func (c *OllamaClient) Health(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("ollama: creating health request: %w", err)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("ollama: health check failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama: health endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
