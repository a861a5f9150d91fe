package registry

import (
	"fmt"
	"net/http"
	"strings"

	"pocketllm/internal/config"
	"pocketllm/internal/providers"
	"pocketllm/internal/providers/anthropic_messages"
	"pocketllm/internal/providers/ollama"
	"pocketllm/internal/providers/openai_compat"
)

type BuildOptions struct {
	Code    providers.Code
	BaseURL string
	APIKey  string
}

// Registry turns a provider code plus per-call credentials into an adapter.
// Adapters are built per call so a decrypted key lives no longer than the call.
type Registry struct {
	cfg        config.ProvidersConfig
	httpClient *http.Client
}

func New(cfg config.ProvidersConfig, httpClient *http.Client) *Registry {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Registry{cfg: cfg, httpClient: httpClient}
}

func (r *Registry) DefaultBaseURL(code providers.Code) string {
	switch code {
	case providers.OpenAI:
		return r.cfg.OpenAIBaseURL
	case providers.Anthropic:
		return r.cfg.AnthropicBaseURL
	case providers.Ollama:
		return r.cfg.OllamaBaseURL
	case providers.OpenRouter:
		return r.cfg.OpenRouterBaseURL
	case providers.ImageRouter:
		return r.cfg.ImageRouterBaseURL
	default:
		return ""
	}
}

func (r *Registry) Build(opts BuildOptions) (providers.Adapter, error) {
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		base = r.DefaultBaseURL(opts.Code)
	}

	switch opts.Code {
	case providers.OpenAI:
		return openai_compat.New(openai_compat.Config{
			Provider:   providers.OpenAI,
			BaseURL:    base,
			APIKey:     opts.APIKey,
			HTTPClient: r.httpClient,
		}), nil

	case providers.OpenRouter:
		return openai_compat.New(openai_compat.Config{
			Provider: providers.OpenRouter,
			BaseURL:  base,
			APIKey:   opts.APIKey,
			Headers: map[string]string{
				"HTTP-Referer": r.cfg.OpenRouterReferer,
				"X-Title":      r.cfg.OpenRouterAppTitle,
			},
			Capabilities: []providers.Capability{providers.CapChat, providers.CapEmbeddings, providers.CapModels},
			HTTPClient:   r.httpClient,
		}), nil

	case providers.ImageRouter:
		return openai_compat.New(openai_compat.Config{
			Provider:     providers.ImageRouter,
			BaseURL:      base,
			APIKey:       opts.APIKey,
			Capabilities: []providers.Capability{providers.CapImages, providers.CapModels},
			HTTPClient:   r.httpClient,
		}), nil

	case providers.Anthropic:
		return anthropic_messages.New(anthropic_messages.Config{
			BaseURL:    base,
			APIKey:     opts.APIKey,
			HTTPClient: r.httpClient,
		}), nil

	case providers.Ollama:
		return ollama.New(ollama.Config{
			BaseURL:    base,
			APIKey:     opts.APIKey,
			HTTPClient: r.httpClient,
		}), nil

	default:
		return nil, fmt.Errorf("unsupported provider %q", opts.Code)
	}
}
