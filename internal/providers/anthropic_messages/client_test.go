package anthropic_messages

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"pocketllm/internal/providers"
)

func TestBuildPayloadSystemAndMaxTokens(t *testing.T) {
	payload := buildPayload(providers.CompletionRequest{Model: "claude-3-5-haiku-latest", SystemPrompt: "be brief", Prompt: "hi"})
	if payload["system"] != "be brief" {
		t.Fatalf("expected top-level system prompt, got %#v", payload["system"])
	}
	if payload["max_tokens"] != defaultMaxTokens {
		t.Fatalf("expected default max_tokens, got %#v", payload["max_tokens"])
	}
	msgs := payload["messages"].([]map[string]string)
	if len(msgs) != 1 || msgs[0]["role"] != "user" {
		t.Fatalf("expected a single user message, got %#v", msgs)
	}
}

func TestCompleteJoinsTextBlocks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "sk-ant" || r.Header.Get("anthropic-version") != apiVersion {
			t.Errorf("missing anthropic headers: %v", r.Header)
		}
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["max_tokens"] != float64(200) {
			t.Errorf("expected max_tokens 200, got %#v", req["max_tokens"])
		}
		_, _ = w.Write([]byte(`{"model":"claude","content":[{"type":"text","text":"Hello"},{"type":"tool_use","id":"x"},{"type":"text","text":" world"}]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "sk-ant"})
	out, err := c.Complete(context.Background(), providers.CompletionRequest{Model: "claude", Prompt: "hi", MaxTokens: 200})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out.Content != "Hello world" {
		t.Fatalf("unexpected content %q", out.Content)
	}
}

func TestCompleteErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"max_tokens: too large"}}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "k"})
	_, err := c.Complete(context.Background(), providers.CompletionRequest{Model: "m", Prompt: "p"})
	var ue *providers.UpstreamError
	if !errors.As(err, &ue) || ue.Status != 400 || ue.Message != "max_tokens: too large" {
		t.Fatalf("unexpected error %#v", err)
	}
}

func TestEmbedUnsupported(t *testing.T) {
	c := New(Config{BaseURL: "https://api.anthropic.com"})
	if _, err := c.Embed(context.Background(), providers.EmbeddingRequest{}); !errors.Is(err, providers.ErrCapabilityUnsupported) {
		t.Fatalf("expected ErrCapabilityUnsupported, got %v", err)
	}
}

func TestListModelsUsesDisplayName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"id":"claude-sonnet-4","display_name":"Claude Sonnet 4","created_at":"2025-05-14T00:00:00Z"}]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "k"})
	models, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("list models: %v", err)
	}
	if len(models) != 1 || models[0].Name != "Claude Sonnet 4" {
		t.Fatalf("unexpected models %+v", models)
	}
}
