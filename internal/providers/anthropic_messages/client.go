package anthropic_messages

import (
	"context"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"pocketllm/internal/providers"
)

const (
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 1024
)

type Config struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &Client{cfg: cfg}
}

var _ providers.Adapter = (*Client)(nil)

func (c *Client) headers() map[string]string {
	return map[string]string{
		"x-api-key":         c.cfg.APIKey,
		"anthropic-version": apiVersion,
	}
}

func (c *Client) Complete(ctx context.Context, req providers.CompletionRequest) (providers.Completion, error) {
	endpoint, err := providers.JoinURL(c.cfg.BaseURL, "/v1/messages")
	if err != nil {
		return providers.Completion{}, err
	}
	body, status, err := providers.Do(ctx, c.cfg.HTTPClient, providers.Anthropic, providers.Request{
		URL:     endpoint,
		Body:    buildPayload(req),
		Headers: c.headers(),
	})
	if err != nil {
		return providers.Completion{}, err
	}

	text := parseText(body)
	if strings.TrimSpace(text) == "" {
		return providers.Completion{}, providers.ShapeError(providers.Anthropic, status, "empty content", body)
	}
	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		model = req.Model
	}
	return providers.Completion{Content: text, Model: model}, nil
}

// The system prompt is a top-level field and max_tokens is mandatory.
func buildPayload(req providers.CompletionRequest) map[string]any {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	payload := map[string]any{
		"model":      req.Model,
		"max_tokens": maxTokens,
		"messages": []map[string]string{
			{"role": "user", "content": req.Prompt},
		},
	}
	if strings.TrimSpace(req.SystemPrompt) != "" {
		payload["system"] = req.SystemPrompt
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		payload["top_p"] = *req.TopP
	}
	return payload
}

func parseText(body []byte) string {
	var parts []string
	gjson.GetBytes(body, "content").ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").String() == "text" {
			parts = append(parts, block.Get("text").String())
		}
		return true
	})
	return strings.Join(parts, "")
}

func (c *Client) Embed(context.Context, providers.EmbeddingRequest) (providers.EmbeddingResult, error) {
	return providers.EmbeddingResult{}, providers.Unsupported(providers.Anthropic, providers.CapEmbeddings)
}

func (c *Client) ListModels(ctx context.Context) ([]providers.ModelDescriptor, error) {
	endpoint, err := providers.JoinURL(c.cfg.BaseURL, "/v1/models")
	if err != nil {
		return nil, err
	}
	body, status, err := providers.Do(ctx, c.cfg.HTTPClient, providers.Anthropic, providers.Request{
		Method:  http.MethodGet,
		URL:     endpoint + "?limit=1000",
		Headers: c.headers(),
	})
	if err != nil {
		return nil, err
	}
	data := gjson.GetBytes(body, "data")
	if !data.IsArray() {
		return nil, providers.ShapeError(providers.Anthropic, status, "no model list", body)
	}

	out := make([]providers.ModelDescriptor, 0)
	data.ForEach(func(_, m gjson.Result) bool {
		id := m.Get("id").String()
		if id == "" {
			return true
		}
		name := m.Get("display_name").String()
		if name == "" {
			name = id
		}
		meta := map[string]any{}
		if v := m.Get("created_at"); v.Exists() {
			meta["created_at"] = v.String()
		}
		out = append(out, providers.ModelDescriptor{ID: id, Name: name, Metadata: meta})
		return true
	})
	return out, nil
}

func (c *Client) GenerateImage(context.Context, providers.ImageRequest) (providers.Image, error) {
	return providers.Image{}, providers.Unsupported(providers.Anthropic, providers.CapImages)
}
