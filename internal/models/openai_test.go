package models

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/evoprompt/evoprompt/internal/apperr"
	"github.com/evoprompt/evoprompt/internal/config"
)

func testCatalog() *config.Catalog {
	return &config.Catalog{Models: map[string]config.ModelEntry{
		"test/echo": {Provider: "test", Name: "echo-1", CostInput: 2.0, CostOutput: 4.0},
	}}
}

func newTestGenerator(t *testing.T, handler http.HandlerFunc) (*OpenAIGenerator, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	gen := NewOpenAIGenerator(testCatalog(), map[string]config.ProviderConfig{
		"test": {BaseURL: srv.URL, APIKey: "sk-test"},
	}, slog.Default())
	return gen, srv
}

func TestGenerateSuccess(t *testing.T) {
	var gotReq openAIRequest
	gen, _ := newTestGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("missing bearer token, got %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		resp := map[string]any{
			"model": "echo-1",
			"choices": []map[string]any{
				{"index": 0, "message": map[string]string{"role": "assistant", "content": "hello"}, "finish_reason": "stop"},
				{"index": 1, "message": map[string]string{"role": "assistant", "content": "hello again"}, "finish_reason": "stop"},
			},
			"usage": map[string]int{"prompt_tokens": 1_000_000, "completion_tokens": 500_000},
		}
		json.NewEncoder(w).Encode(resp)
	})

	resp, err := gen.Generate(context.Background(), GenerateRequest{
		ModelKey:    "test/echo",
		Prompt:      "say hello",
		Temperature: 0.3,
		MaxTokens:   64,
		NSamples:    2,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if gotReq.Model != "echo-1" {
		t.Errorf("upstream model = %q, want echo-1", gotReq.Model)
	}
	if gotReq.N != 2 {
		t.Errorf("n = %d, want 2", gotReq.N)
	}
	if len(resp.Texts) != 2 || resp.Texts[0] != "hello" {
		t.Errorf("texts = %v", resp.Texts)
	}
	// 1M in at $2/M + 0.5M out at $4/M = 4 USD.
	if resp.CostUSD != 4.0 {
		t.Errorf("cost = %v, want 4.0", resp.CostUSD)
	}
}

func TestGenerateAPIError(t *testing.T) {
	gen, _ := newTestGenerator(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error": {"message": "overloaded", "type": "server_error"}}`))
	})
	_, err := gen.Generate(context.Background(), GenerateRequest{ModelKey: "test/echo", Prompt: "p"})
	if err == nil {
		t.Fatal("expected error")
	}
	if kind := apperr.KindOf(err); kind != apperr.KindGeneratorUnavailable {
		t.Errorf("kind = %s, want GeneratorUnavailable", kind)
	}
	if !apperr.IsRetriable(err) {
		t.Error("generator unavailability should be retriable")
	}
}

func TestGenerateUnknownModel(t *testing.T) {
	gen, _ := newTestGenerator(t, func(w http.ResponseWriter, r *http.Request) {})
	_, err := gen.Generate(context.Background(), GenerateRequest{ModelKey: "nope/none", Prompt: "p"})
	if kind := apperr.KindOf(err); kind != apperr.KindInvalidInput {
		t.Errorf("kind = %s, want InvalidInput", kind)
	}
}

func TestStubScriptAndCounting(t *testing.T) {
	stub := NewStubGenerator().Script("m/a", "one", "two")
	ctx := context.Background()

	r1, _ := stub.Generate(ctx, GenerateRequest{ModelKey: "m/a", Prompt: "p"})
	r2, _ := stub.Generate(ctx, GenerateRequest{ModelKey: "m/a", Prompt: "p"})
	r3, _ := stub.Generate(ctx, GenerateRequest{ModelKey: "m/a", Prompt: "p"})
	if r1.Texts[0] != "one" || r2.Texts[0] != "two" || r3.Texts[0] != "two" {
		t.Errorf("script order wrong: %s %s %s", r1.Texts[0], r2.Texts[0], r3.Texts[0])
	}
	if stub.Calls() != 3 {
		t.Errorf("calls = %d, want 3", stub.Calls())
	}

	echo, _ := stub.Generate(ctx, GenerateRequest{ModelKey: "m/unscripted", Prompt: "first\nsecond"})
	if echo.Texts[0] != "second" {
		t.Errorf("unscripted echo = %q, want last prompt line", echo.Texts[0])
	}
}
