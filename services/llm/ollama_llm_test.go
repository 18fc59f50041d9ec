// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// decodeGenerateRequest reads the request body sent to a fake runtime.
func decodeGenerateRequest(t *testing.T, r *http.Request) ollamaGenerateRequest {
	t.Helper()
	var req ollamaGenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		t.Fatalf("decoding generate request: %v", err)
	}
	return req
}

func TestGenerateBlockingSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("path = %q, want /api/generate", r.URL.Path)
		}
		req := decodeGenerateRequest(t, r)
		if req.Stream {
			t.Error("blocking call sent stream=true")
		}
		if req.Model != "fast-model" {
			t.Errorf("model = %q, want fast-model", req.Model)
		}
		if req.Options.NumPredict != DefaultNumPredictBlocking {
			t.Errorf("num_predict = %d, want %d", req.Options.NumPredict, DefaultNumPredictBlocking)
		}
		if len(req.Options.Stop) != len(DefaultStopSequences) {
			t.Errorf("stop = %v, want defaults", req.Options.Stop)
		}

		// eval_duration is nanoseconds: 40 tokens in 2s = 20 tok/s.
		fmt.Fprint(w, `{"response":"Docker is a container platform.","done":true,"eval_count":40,"eval_duration":2000000000}`)
	}))
	defer server.Close()

	client := NewOllamaClientWithConfig(server.URL, server.Client())
	text, tps := client.GenerateBlocking(context.Background(), "fast-model", "Context: ...\n\nQuestion: What is Docker?\nAnswer:", GenerateOptions{})

	if text != "Docker is a container platform." {
		t.Errorf("text = %q", text)
	}
	if tps < 19.9 || tps > 20.1 {
		t.Errorf("tokens_per_second = %v, want ~20", tps)
	}
}

func TestGenerateBlockingNoEvalStatsYieldsZero(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"response":"ok","done":true}`)
	}))
	defer server.Close()

	client := NewOllamaClientWithConfig(server.URL, server.Client())
	_, tps := client.GenerateBlocking(context.Background(), "m", "p", GenerateOptions{})
	if tps != 0 {
		t.Errorf("tokens_per_second = %v, want 0", tps)
	}
}

func TestGenerateBlockingHTTPErrorReturnsErrorString(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model exploded", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewOllamaClientWithConfig(server.URL, server.Client())
	text, tps := client.GenerateBlocking(context.Background(), "m", "p", GenerateOptions{})

	if !strings.HasPrefix(text, "Error generating response:") {
		t.Errorf("text = %q, want Error prefix", text)
	}
	if tps != 0 {
		t.Errorf("tokens_per_second = %v, want 0", tps)
	}
}

func TestGenerateBlockingTransportErrorReturnsErrorString(t *testing.T) {
	client := NewOllamaClientWithConfig("http://127.0.0.1:1", &http.Client{Timeout: time.Second})
	text, _ := client.GenerateBlocking(context.Background(), "m", "p", GenerateOptions{})
	if !strings.HasPrefix(text, "Error generating response:") {
		t.Errorf("text = %q, want Error prefix", text)
	}
}

func TestGenerateStreamingDeliversFragmentsInOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeGenerateRequest(t, r)
		if !req.Stream {
			t.Error("streaming call sent stream=false")
		}
		if req.Options.NumPredict != DefaultNumPredictStreaming {
			t.Errorf("num_predict = %d, want %d", req.Options.NumPredict, DefaultNumPredictStreaming)
		}

		flusher := w.(http.Flusher)
		for _, frag := range []string{"Docker ", "is ", "a container platform."} {
			fmt.Fprintf(w, `{"response":%q,"done":false}`+"\n", frag)
			flusher.Flush()
		}
		fmt.Fprint(w, `{"response":"","done":true}`+"\n")
	}))
	defer server.Close()

	client := NewOllamaClientWithConfig(server.URL, server.Client())
	var got strings.Builder
	for chunk := range client.GenerateStreaming(context.Background(), "m", "p", GenerateOptions{}) {
		if chunk.Err != nil {
			t.Fatalf("unexpected stream error: %v", chunk.Err)
		}
		got.WriteString(chunk.Text)
	}

	if got.String() != "Docker is a container platform." {
		t.Errorf("concatenated stream = %q", got.String())
	}
}

func TestGenerateStreamingSkipsMalformedLines(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"response":"good","done":false}`+"\n")
		fmt.Fprint(w, "this is not json\n")
		fmt.Fprint(w, `{"response":" end","done":true}`+"\n")
	}))
	defer server.Close()

	client := NewOllamaClientWithConfig(server.URL, server.Client())
	var got strings.Builder
	for chunk := range client.GenerateStreaming(context.Background(), "m", "p", GenerateOptions{}) {
		if chunk.Err != nil {
			t.Fatalf("unexpected stream error: %v", chunk.Err)
		}
		got.WriteString(chunk.Text)
	}

	if got.String() != "good end" {
		t.Errorf("concatenated stream = %q", got.String())
	}
}

func TestGenerateStreamingHTTPErrorDeliversTerminalErr(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewOllamaClientWithConfig(server.URL, server.Client())
	var sawErr bool
	for chunk := range client.GenerateStreaming(context.Background(), "m", "p", GenerateOptions{}) {
		if chunk.Err != nil {
			sawErr = true
		}
	}
	if !sawErr {
		t.Error("stream against failing runtime delivered no terminal error chunk")
	}
}

func TestGenerateStreamingCancellationClosesChannel(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprint(w, `{"response":"first","done":false}`+"\n")
		flusher.Flush()
		<-release
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	client := NewOllamaClientWithConfig(server.URL, server.Client())
	ch := client.GenerateStreaming(ctx, "m", "p", GenerateOptions{})

	if chunk := <-ch; chunk.Text != "first" {
		t.Fatalf("first chunk = %+v", chunk)
	}
	cancel()

	select {
	case _, open := <-ch:
		if open {
			// A buffered chunk may still drain; the channel must close next.
			if _, open := <-ch; open {
				t.Error("stream channel still open after cancellation")
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream channel did not close after cancellation")
	}
}

func TestWarmSendsMinimalGeneration(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeGenerateRequest(t, r)
		if req.Prompt != "Hello" {
			t.Errorf("warm prompt = %q, want Hello", req.Prompt)
		}
		if req.Options.NumPredict != 10 {
			t.Errorf("warm num_predict = %d, want 10", req.Options.NumPredict)
		}
		fmt.Fprint(w, `{"response":"Hi!","done":true}`)
	}))
	defer server.Close()

	client := NewOllamaClientWithConfig(server.URL, server.Client())
	if err := client.Warm(context.Background(), "fast-model"); err != nil {
		t.Errorf("Warm = %v, want nil", err)
	}
}

func TestWarmFailures(t *testing.T) {
	t.Run("empty model", func(t *testing.T) {
		client := NewOllamaClientWithConfig("http://127.0.0.1:1", nil)
		if err := client.Warm(context.Background(), ""); err == nil {
			t.Error("Warm with empty model succeeded")
		}
	})

	t.Run("empty response", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"response":"","done":true}`)
		}))
		defer server.Close()

		client := NewOllamaClientWithConfig(server.URL, server.Client())
		if err := client.Warm(context.Background(), "m"); err == nil {
			t.Error("Warm with empty runtime response succeeded")
		}
	})

	t.Run("http error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "no such model", http.StatusNotFound)
		}))
		defer server.Close()

		client := NewOllamaClientWithConfig(server.URL, server.Client())
		if err := client.Warm(context.Background(), "m"); err == nil {
			t.Error("Warm against 404 runtime succeeded")
		}
	})
}

func TestHealth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("path = %q, want /api/tags", r.URL.Path)
		}
		fmt.Fprint(w, `{"models":[]}`)
	}))
	defer server.Close()

	client := NewOllamaClientWithConfig(server.URL, server.Client())
	if err := client.Health(context.Background()); err != nil {
		t.Errorf("Health = %v, want nil", err)
	}
}

func TestHealthFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewOllamaClientWithConfig(server.URL, server.Client())
	if err := client.Health(context.Background()); err == nil {
		t.Error("Health against 503 runtime succeeded")
	}
}

func TestResolveOllamaBaseURL(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		t.Setenv("OLLAMA_BASE_URL", "")
		t.Setenv("OLLAMA_URL", "")
		if got := ResolveOllamaBaseURL(); got != defaultOllamaBaseURL {
			t.Errorf("ResolveOllamaBaseURL = %q, want %q", got, defaultOllamaBaseURL)
		}
	})

	t.Run("primary env", func(t *testing.T) {
		t.Setenv("OLLAMA_BASE_URL", "http://llm:11434")
		if got := ResolveOllamaBaseURL(); got != "http://llm:11434" {
			t.Errorf("ResolveOllamaBaseURL = %q, want primary env value", got)
		}
	})

	t.Run("deprecated alias", func(t *testing.T) {
		t.Setenv("OLLAMA_BASE_URL", "")
		t.Setenv("OLLAMA_URL", "http://old:11434")
		if got := ResolveOllamaBaseURL(); got != "http://old:11434" {
			t.Errorf("ResolveOllamaBaseURL = %q, want deprecated alias value", got)
		}
	})
}

func TestResolveGenerationTimeout(t *testing.T) {
	tests := []struct {
		name string
		env  string
		want time.Duration
	}{
		{"default", "", DefaultGenerationTimeout},
		{"override", "2m", 2 * time.Minute},
		{"garbage", "soon", DefaultGenerationTimeout},
		{"negative", "-5s", DefaultGenerationTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("RAG_GENERATION_TIMEOUT", tt.env)
			if got := ResolveGenerationTimeout(); got != tt.want {
				t.Errorf("ResolveGenerationTimeout = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestClientTimeoutOutlivesGenerationDeadline(t *testing.T) {
	t.Setenv("RAG_GENERATION_TIMEOUT", "")
	if got := ClientTimeout(); got <= DefaultGenerationTimeout {
		t.Errorf("ClientTimeout = %v, must exceed the %v generation deadline", got, DefaultGenerationTimeout)
	}

	t.Setenv("RAG_GENERATION_TIMEOUT", "2m")
	if got := ClientTimeout(); got <= 2*time.Minute {
		t.Errorf("ClientTimeout = %v, must exceed the overridden 2m deadline", got)
	}
}

// A runtime that is slow but inside the generation deadline must produce an
// answer; only an http.Client whose own Timeout undercuts the deadline turns
// it into a generation error.
func TestGenerateBlockingSlowRuntimeWithinDeadline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		fmt.Fprint(w, `{"response":"slow but fine","done":true}`)
	}))
	defer server.Close()

	t.Run("client outlives deadline", func(t *testing.T) {
		client := NewOllamaClientWithConfig(server.URL, &http.Client{Timeout: ClientTimeout()})
		text, _ := client.GenerateBlocking(context.Background(), "m", "p", GenerateOptions{})
		if text != "slow but fine" {
			t.Errorf("text = %q, want the runtime's answer", text)
		}
	})

	t.Run("client undercuts deadline", func(t *testing.T) {
		client := NewOllamaClientWithConfig(server.URL, &http.Client{Timeout: 50 * time.Millisecond})
		text, _ := client.GenerateBlocking(context.Background(), "m", "p", GenerateOptions{})
		if !strings.HasPrefix(text, "Error generating response:") {
			t.Errorf("text = %q, want Error prefix", text)
		}
	})
}
