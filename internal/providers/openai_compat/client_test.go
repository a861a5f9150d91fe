package openai_compat

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"pocketllm/internal/providers"
)

func TestBuildPayloadOmitsUnsetSampling(t *testing.T) {
	temp := 0.0
	payload := buildPayload(providers.CompletionRequest{
		Model:        "gpt-4o-mini",
		SystemPrompt: "You are concise",
		Prompt:       "hello",
		Temperature:  &temp,
	})

	if payload["model"] != "gpt-4o-mini" {
		t.Fatalf("expected model gpt-4o-mini, got %#v", payload["model"])
	}
	msgs, ok := payload["messages"].([]map[string]string)
	if !ok || len(msgs) != 2 || msgs[0]["role"] != "system" || msgs[1]["content"] != "hello" {
		t.Fatalf("unexpected messages %#v", payload["messages"])
	}
	if v, ok := payload["temperature"]; !ok || v != 0.0 {
		t.Fatalf("expected explicit temperature 0, got %#v", v)
	}
	for _, key := range []string{"max_tokens", "top_p", "frequency_penalty", "presence_penalty"} {
		if _, ok := payload[key]; ok {
			t.Fatalf("expected %s to be omitted", key)
		}
	}
}

func TestCompleteSendsHeadersAndParsesContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("unexpected auth header %q", got)
		}
		if got := r.Header.Get("X-Title"); got != "PocketLLM" {
			t.Errorf("expected attribution header, got %q", got)
		}
		_, _ = w.Write([]byte(`{"model":"openai/gpt-4o","choices":[{"message":{"role":"assistant","content":"hi there"}}]}`))
	}))
	defer srv.Close()

	c := New(Config{
		Provider: providers.OpenRouter,
		BaseURL:  srv.URL + "/api/v1/",
		APIKey:   "sk-test",
		Headers:  map[string]string{"HTTP-Referer": "https://pocketllm.app", "X-Title": "PocketLLM"},
	})
	out, err := c.Complete(context.Background(), providers.CompletionRequest{Model: "openai/gpt-4o", Prompt: "hi"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out.Content != "hi there" || out.Model != "openai/gpt-4o" {
		t.Fatalf("unexpected completion %+v", out)
	}
}

func TestCompleteEmptyContentIsShapeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"   "}}]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "k"})
	_, err := c.Complete(context.Background(), providers.CompletionRequest{Model: "m", Prompt: "p"})
	if !errors.Is(err, providers.ErrInvalidResponseShape) {
		t.Fatalf("expected ErrInvalidResponseShape, got %v", err)
	}
	var ue *providers.UpstreamError
	if !errors.As(err, &ue) || ue.Temporary() {
		t.Fatalf("expected non-temporary upstream error, got %#v", err)
	}
}

func TestCompleteStatusErrorCarriesMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"Rate limit reached","type":"requests"}}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "k"})
	_, err := c.Complete(context.Background(), providers.CompletionRequest{Model: "m", Prompt: "p"})
	var ue *providers.UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if ue.Status != 429 || ue.Message != "Rate limit reached" || !ue.Temporary() {
		t.Fatalf("unexpected upstream error %+v", ue)
	}
}

func TestEmbedReordersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Input) != 2 {
			t.Errorf("unexpected embed request: %v %+v", err, req)
		}
		_, _ = w.Write([]byte(`{"model":"text-embedding-3-small","data":[{"index":1,"embedding":[0.3,0.4]},{"index":0,"embedding":[0.1,0.2]}]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "k"})
	out, err := c.Embed(context.Background(), providers.EmbeddingRequest{Model: "text-embedding-3-small", Input: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(out.Embeddings) != 2 || out.Embeddings[0][0] != float32(0.1) || out.Embeddings[1][0] != float32(0.3) {
		t.Fatalf("unexpected embeddings %+v", out.Embeddings)
	}
}

func TestListModelsMapsCatalog(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/models" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"data":[{"id":"gpt-4o","owned_by":"openai"},{"id":"x/y","name":"Y","description":"d","context_length":8192},{"name":"no id"}]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "k"})
	models, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("list models: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("expected 2 models, got %+v", models)
	}
	if models[0].Name != "gpt-4o" || models[0].Metadata["owned_by"] != "openai" {
		t.Fatalf("unexpected first model %+v", models[0])
	}
	if models[1].Name != "Y" || models[1].Description != "d" || models[1].Metadata["context_length"] != float64(8192) {
		t.Fatalf("unexpected second model %+v", models[1])
	}
}

func TestGenerateImageDefaultsToPNG(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G'}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["response_format"] != "b64_json" {
			t.Errorf("expected b64_json response format, got %#v", req["response_format"])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"b64_json": base64.StdEncoding.EncodeToString(png)}},
			"cost": 0.035,
		})
	}))
	defer srv.Close()

	c := New(Config{Provider: providers.ImageRouter, BaseURL: srv.URL, APIKey: "k"})
	img, err := c.GenerateImage(context.Background(), providers.ImageRequest{Model: "m", Prompt: "a cat"})
	if err != nil {
		t.Fatalf("generate image: %v", err)
	}
	if img.MimeType != "image/png" || string(img.Data) != string(png) {
		t.Fatalf("unexpected image %+v", img)
	}
	if !img.Cost.Valid || img.Cost.Decimal.String() != "0.035" {
		t.Fatalf("unexpected cost %+v", img.Cost)
	}
}

func TestCapabilitiesRestrictCalls(t *testing.T) {
	c := New(Config{Provider: providers.ImageRouter, BaseURL: "http://127.0.0.1:1", Capabilities: []providers.Capability{providers.CapImages}})
	_, err := c.Complete(context.Background(), providers.CompletionRequest{Model: "m", Prompt: "p"})
	if !errors.Is(err, providers.ErrCapabilityUnsupported) {
		t.Fatalf("expected ErrCapabilityUnsupported, got %v", err)
	}
}
