package openai_compat

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"pocketllm/internal/providers"
)

// Config describes one OpenAI-style upstream. Capabilities limits what the
// upstream is asked for; empty means everything.
type Config struct {
	Provider     providers.Code
	BaseURL      string
	APIKey       string
	Headers      map[string]string
	Capabilities []providers.Capability
	HTTPClient   *http.Client
}

type Client struct {
	cfg  Config
	caps map[providers.Capability]bool
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Provider == "" {
		cfg.Provider = providers.OpenAI
	}
	c := &Client{cfg: cfg}
	if len(cfg.Capabilities) > 0 {
		c.caps = make(map[providers.Capability]bool, len(cfg.Capabilities))
		for _, cp := range cfg.Capabilities {
			c.caps[cp] = true
		}
	}
	return c
}

var _ providers.Adapter = (*Client)(nil)

func (c *Client) supports(cp providers.Capability) bool {
	return c.caps == nil || c.caps[cp]
}

func (c *Client) headers() map[string]string {
	h := make(map[string]string, len(c.cfg.Headers)+1)
	for k, v := range c.cfg.Headers {
		h[k] = v
	}
	if strings.TrimSpace(c.cfg.APIKey) != "" {
		h["Authorization"] = "Bearer " + c.cfg.APIKey
	}
	return h
}

func (c *Client) Complete(ctx context.Context, req providers.CompletionRequest) (providers.Completion, error) {
	if !c.supports(providers.CapChat) {
		return providers.Completion{}, providers.Unsupported(c.cfg.Provider, providers.CapChat)
	}
	endpoint, err := providers.JoinURL(c.cfg.BaseURL, "/chat/completions")
	if err != nil {
		return providers.Completion{}, err
	}
	body, status, err := providers.Do(ctx, c.cfg.HTTPClient, c.cfg.Provider, providers.Request{
		URL:     endpoint,
		Body:    buildPayload(req),
		Headers: c.headers(),
	})
	if err != nil {
		return providers.Completion{}, err
	}

	text, err := parseChatCompletions(body)
	if err != nil {
		return providers.Completion{}, providers.ShapeError(c.cfg.Provider, status, err.Error(), body)
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

	payload := map[string]any{
		"model":    req.Model,
		"messages": messages,
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		payload["top_p"] = *req.TopP
	}
	if req.FrequencyPenalty != nil {
		payload["frequency_penalty"] = *req.FrequencyPenalty
	}
	if req.PresencePenalty != nil {
		payload["presence_penalty"] = *req.PresencePenalty
	}
	return payload
}

func parseChatCompletions(body []byte) (string, error) {
	var resp struct {
		Choices []struct {
			Message struct {
				Content any `json:"content"`
			} `json:"message"`
			Text string `json:"text"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("undecodable chat completion")
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices")
	}
	if strings.TrimSpace(resp.Choices[0].Text) != "" {
		return resp.Choices[0].Text, nil
	}
	if content := anyToText(resp.Choices[0].Message.Content); strings.TrimSpace(content) != "" {
		return content, nil
	}
	return "", fmt.Errorf("empty content")
}

func anyToText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				if txt, ok := m["text"].(string); ok {
					parts = append(parts, txt)
				}
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}

func (c *Client) Embed(ctx context.Context, req providers.EmbeddingRequest) (providers.EmbeddingResult, error) {
	if !c.supports(providers.CapEmbeddings) {
		return providers.EmbeddingResult{}, providers.Unsupported(c.cfg.Provider, providers.CapEmbeddings)
	}
	endpoint, err := providers.JoinURL(c.cfg.BaseURL, "/embeddings")
	if err != nil {
		return providers.EmbeddingResult{}, err
	}
	body, status, err := providers.Do(ctx, c.cfg.HTTPClient, c.cfg.Provider, providers.Request{
		URL:     endpoint,
		Body:    map[string]any{"model": req.Model, "input": req.Input},
		Headers: c.headers(),
	})
	if err != nil {
		return providers.EmbeddingResult{}, err
	}

	var resp struct {
		Model string `json:"model"`
		Data  []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return providers.EmbeddingResult{}, providers.ShapeError(c.cfg.Provider, status, "undecodable embeddings", body)
	}
	if len(resp.Data) != len(req.Input) {
		return providers.EmbeddingResult{}, providers.ShapeError(c.cfg.Provider, status,
			fmt.Sprintf("%d embeddings for %d inputs", len(resp.Data), len(req.Input)), body)
	}
	sort.SliceStable(resp.Data, func(i, j int) bool { return resp.Data[i].Index < resp.Data[j].Index })

	out := make([][]float32, 0, len(resp.Data))
	for _, d := range resp.Data {
		if len(d.Embedding) == 0 {
			return providers.EmbeddingResult{}, providers.ShapeError(c.cfg.Provider, status, "an empty embedding", body)
		}
		out = append(out, d.Embedding)
	}
	model := resp.Model
	if model == "" {
		model = req.Model
	}
	return providers.EmbeddingResult{Embeddings: out, Model: model}, nil
}

func (c *Client) ListModels(ctx context.Context) ([]providers.ModelDescriptor, error) {
	if !c.supports(providers.CapModels) {
		return nil, providers.Unsupported(c.cfg.Provider, providers.CapModels)
	}
	endpoint, err := providers.JoinURL(c.cfg.BaseURL, "/models")
	if err != nil {
		return nil, err
	}
	body, status, err := providers.Do(ctx, c.cfg.HTTPClient, c.cfg.Provider, providers.Request{
		Method:  http.MethodGet,
		URL:     endpoint,
		Headers: c.headers(),
	})
	if err != nil {
		return nil, err
	}

	data := gjson.GetBytes(body, "data")
	if !data.IsArray() {
		return nil, providers.ShapeError(c.cfg.Provider, status, "no model list", body)
	}
	return mapModels(data), nil
}

func mapModels(data gjson.Result) []providers.ModelDescriptor {
	out := make([]providers.ModelDescriptor, 0)
	data.ForEach(func(_, m gjson.Result) bool {
		id := m.Get("id").String()
		if id == "" {
			return true
		}
		d := providers.ModelDescriptor{
			ID:          id,
			Name:        m.Get("name").String(),
			Description: m.Get("description").String(),
			Metadata:    map[string]any{},
		}
		if d.Name == "" {
			d.Name = id
		}
		for _, key := range []string{"owned_by", "created", "context_length", "pricing", "architecture"} {
			if v := m.Get(key); v.Exists() {
				d.Metadata[key] = v.Value()
			}
		}
		out = append(out, d)
		return true
	})
	return out
}

func (c *Client) GenerateImage(ctx context.Context, req providers.ImageRequest) (providers.Image, error) {
	if !c.supports(providers.CapImages) {
		return providers.Image{}, providers.Unsupported(c.cfg.Provider, providers.CapImages)
	}
	endpoint, err := providers.JoinURL(c.cfg.BaseURL, "/images/generations")
	if err != nil {
		return providers.Image{}, err
	}
	payload := map[string]any{
		"model":           req.Model,
		"prompt":          req.Prompt,
		"n":               1,
		"response_format": "b64_json",
	}
	if req.Quality != "" {
		payload["quality"] = req.Quality
	}
	if req.Size != "" {
		payload["size"] = req.Size
	}
	body, status, err := providers.Do(ctx, c.cfg.HTTPClient, c.cfg.Provider, providers.Request{
		URL:     endpoint,
		Body:    payload,
		Headers: c.headers(),
		Limit:   providers.MaxImageBodyBytes,
	})
	if err != nil {
		return providers.Image{}, err
	}
	return parseImage(c.cfg.Provider, status, body)
}

func parseImage(provider providers.Code, status int, body []byte) (providers.Image, error) {
	b64 := gjson.GetBytes(body, "data.0.b64_json").String()
	if b64 == "" {
		return providers.Image{}, providers.ShapeError(provider, status, "no image data", body)
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil || len(data) == 0 {
		return providers.Image{}, providers.ShapeError(provider, status, "undecodable image data", body)
	}

	img := providers.Image{Data: data, MimeType: "image/png"}
	if mt := gjson.GetBytes(body, "data.0.mime_type").String(); mt != "" {
		img.MimeType = mt
	} else if f := gjson.GetBytes(body, "output_format").String(); f != "" {
		img.MimeType = "image/" + strings.ToLower(f)
	}
	if cost := gjson.GetBytes(body, "cost"); cost.Exists() {
		if d, err := decimal.NewFromString(cost.String()); err == nil {
			img.Cost = decimal.NewNullDecimal(d)
		}
	}
	return img, nil
}
