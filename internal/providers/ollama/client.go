// Package ollama talks to the native Ollama API. No key is needed; one is sent
// as a bearer token when configured, for instances behind a proxy.
package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"pocketllm/internal/providers"
)

const DefaultBaseURL = "http://localhost:11434"

type Config struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &Client{cfg: cfg}
}

var _ providers.Adapter = (*Client)(nil)

func (c *Client) headers() map[string]string {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + c.cfg.APIKey}
}

func (c *Client) Complete(ctx context.Context, req providers.CompletionRequest) (providers.Completion, error) {
	endpoint, err := providers.JoinURL(c.cfg.BaseURL, "/api/chat")
	if err != nil {
		return providers.Completion{}, err
	}
	body, status, err := providers.Do(ctx, c.cfg.HTTPClient, providers.Ollama, providers.Request{
		URL:     endpoint,
		Body:    buildPayload(req),
		Headers: c.headers(),
	})
	if err != nil {
		return providers.Completion{}, err
	}

	text := gjson.GetBytes(body, "message.content").String()
	if strings.TrimSpace(text) == "" {
		return providers.Completion{}, providers.ShapeError(providers.Ollama, status, "empty content", body)
	}
	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		model = req.Model
	}
	return providers.Completion{Content: text, Model: model}, nil
}

func buildPayload(req providers.CompletionRequest) map[string]any {
	messages := []map[string]string{}
	if strings.TrimSpace(req.SystemPrompt) != "" {
		messages = append(messages, map[string]string{"role": "system", "content": req.SystemPrompt})
	}
	messages = append(messages, map[string]string{"role": "user", "content": req.Prompt})

	options := map[string]any{}
	if req.Temperature != nil {
		options["temperature"] = *req.Temperature
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	if req.TopP != nil {
		options["top_p"] = *req.TopP
	}
	if req.FrequencyPenalty != nil {
		options["frequency_penalty"] = *req.FrequencyPenalty
	}
	if req.PresencePenalty != nil {
		options["presence_penalty"] = *req.PresencePenalty
	}

	payload := map[string]any{
		"model":    req.Model,
		"messages": messages,
		"stream":   false,
	}
	if len(options) > 0 {
		payload["options"] = options
	}
	return payload
}

func (c *Client) Embed(ctx context.Context, req providers.EmbeddingRequest) (providers.EmbeddingResult, error) {
	endpoint, err := providers.JoinURL(c.cfg.BaseURL, "/api/embed")
	if err != nil {
		return providers.EmbeddingResult{}, err
	}
	body, status, err := providers.Do(ctx, c.cfg.HTTPClient, providers.Ollama, providers.Request{
		URL:     endpoint,
		Body:    map[string]any{"model": req.Model, "input": req.Input},
		Headers: c.headers(),
	})
	if err != nil {
		return providers.EmbeddingResult{}, err
	}

	var resp struct {
		Model      string      `json:"model"`
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return providers.EmbeddingResult{}, providers.ShapeError(providers.Ollama, status, "undecodable embeddings", body)
	}
	if len(resp.Embeddings) != len(req.Input) {
		return providers.EmbeddingResult{}, providers.ShapeError(providers.Ollama, status, "a mismatched embedding count", body)
	}
	for _, e := range resp.Embeddings {
		if len(e) == 0 {
			return providers.EmbeddingResult{}, providers.ShapeError(providers.Ollama, status, "an empty embedding", body)
		}
	}
	model := resp.Model
	if model == "" {
		model = req.Model
	}
	return providers.EmbeddingResult{Embeddings: resp.Embeddings, Model: model}, nil
}

func (c *Client) ListModels(ctx context.Context) ([]providers.ModelDescriptor, error) {
	endpoint, err := providers.JoinURL(c.cfg.BaseURL, "/api/tags")
	if err != nil {
		return nil, err
	}
	body, status, err := providers.Do(ctx, c.cfg.HTTPClient, providers.Ollama, providers.Request{
		Method:  http.MethodGet,
		URL:     endpoint,
		Headers: c.headers(),
	})
	if err != nil {
		return nil, err
	}
	list := gjson.GetBytes(body, "models")
	if !list.IsArray() {
		return nil, providers.ShapeError(providers.Ollama, status, "no model list", body)
	}

	out := make([]providers.ModelDescriptor, 0)
	list.ForEach(func(_, m gjson.Result) bool {
		id := m.Get("name").String()
		if id == "" {
			id = m.Get("model").String()
		}
		if id == "" {
			return true
		}
		meta := map[string]any{}
		for key, path := range map[string]string{
			"size":               "size",
			"modified_at":        "modified_at",
			"family":             "details.family",
			"parameter_size":     "details.parameter_size",
			"quantization_level": "details.quantization_level",
		} {
			if v := m.Get(path); v.Exists() {
				meta[key] = v.Value()
			}
		}
		out = append(out, providers.ModelDescriptor{ID: id, Name: id, Metadata: meta})
		return true
	})
	return out, nil
}

func (c *Client) GenerateImage(context.Context, providers.ImageRequest) (providers.Image, error) {
	return providers.Image{}, providers.Unsupported(providers.Ollama, providers.CapImages)
}
