// Package dispatch picks the adapter for a request, feeds it the user's
// decrypted credential for exactly one call, and maps every failure into the
// apperr taxonomy.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"pocketllm/internal/apperr"
	"pocketllm/internal/metrics"
	"pocketllm/internal/providers"
	"pocketllm/internal/providers/registry"
	"pocketllm/internal/storage"
)

type CredentialSource interface {
	GetActive(ctx context.Context, userID string, code providers.Code) (storage.Credential, error)
}

type Opener interface {
	Decrypt(raw string) (string, error)
}

type AdapterFactory interface {
	Build(opts registry.BuildOptions) (providers.Adapter, error)
}

type Config struct {
	Credentials CredentialSource
	Opener      Opener
	Adapters    AdapterFactory
	Metrics     *metrics.Metrics
	Logger      zerolog.Logger

	Timeout      time.Duration
	ImageTimeout time.Duration
	MaxRetries   int
	BackoffBase  time.Duration
	CatalogTTL   time.Duration
	CatalogSize  int

	// ImageAPIKey is the server-held key for the image provider.
	ImageAPIKey string
}

type Dispatcher struct {
	creds    CredentialSource
	opener   Opener
	adapters AdapterFactory
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	timeout      time.Duration
	imageTimeout time.Duration
	maxRetries   int
	backoffBase  time.Duration
	imageAPIKey  string

	catalog *expirable.LRU[string, []providers.ModelDescriptor]
}

func New(cfg Config) *Dispatcher {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.ImageTimeout <= 0 {
		cfg.ImageTimeout = 180 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 400 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.CatalogSize <= 0 {
		cfg.CatalogSize = 256
	}
	if cfg.CatalogTTL <= 0 {
		cfg.CatalogTTL = 5 * time.Minute
	}
	return &Dispatcher{
		creds:        cfg.Credentials,
		opener:       cfg.Opener,
		adapters:     cfg.Adapters,
		metrics:      m,
		logger:       cfg.Logger,
		timeout:      cfg.Timeout,
		imageTimeout: cfg.ImageTimeout,
		maxRetries:   cfg.MaxRetries,
		backoffBase:  cfg.BackoffBase,
		imageAPIKey:  cfg.ImageAPIKey,
		catalog:      expirable.NewLRU[string, []providers.ModelDescriptor](cfg.CatalogSize, nil, cfg.CatalogTTL),
	}
}

// ChatComplete sends one prompt using mc. Never retried.
func (d *Dispatcher) ChatComplete(ctx context.Context, userID string, mc storage.ModelConfig, prompt string) (providers.Completion, error) {
	const op = "dispatch.ChatComplete"
	code, err := parseProvider(op, mc.Provider)
	if err != nil {
		return providers.Completion{}, err
	}
	adapter, _, err := d.adapterFor(ctx, op, userID, code)
	if err != nil {
		return providers.Completion{}, err
	}

	req := providers.CompletionRequest{
		Model:            mc.Model,
		SystemPrompt:     mc.SystemPrompt,
		Prompt:           prompt,
		Temperature:      mc.Temperature,
		TopP:             mc.TopP,
		FrequencyPenalty: mc.FrequencyPenalty,
		PresencePenalty:  mc.PresencePenalty,
	}
	if mc.MaxTokens != nil {
		req.MaxTokens = *mc.MaxTokens
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	start := time.Now()
	out, err := adapter.Complete(callCtx, req)
	d.observe(code, providers.CapChat, start, err)
	if err != nil {
		return providers.Completion{}, d.translate(ctx, op, code, providers.CapChat, err)
	}
	return out, nil
}

// Embed returns one vector per input, in input order. Never retried.
func (d *Dispatcher) Embed(ctx context.Context, userID string, mc storage.ModelConfig, input []string) (providers.EmbeddingResult, error) {
	const op = "dispatch.Embed"
	code, err := parseProvider(op, mc.Provider)
	if err != nil {
		return providers.EmbeddingResult{}, err
	}
	adapter, _, err := d.adapterFor(ctx, op, userID, code)
	if err != nil {
		return providers.EmbeddingResult{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	start := time.Now()
	out, err := adapter.Embed(callCtx, providers.EmbeddingRequest{Model: mc.Model, Input: input})
	d.observe(code, providers.CapEmbeddings, start, err)
	if err != nil {
		return providers.EmbeddingResult{}, d.translate(ctx, op, code, providers.CapEmbeddings, err)
	}
	return out, nil
}

// ListModels reads the provider catalog, retrying transient failures. Results
// are cached per credential revision; search applies after the cache.
func (d *Dispatcher) ListModels(ctx context.Context, userID, provider, search string) ([]providers.ModelDescriptor, error) {
	const op = "dispatch.ListModels"
	code, ok := providers.ParseCredentialCode(provider)
	if !ok {
		return nil, apperr.UnsupportedProvider(op, provider)
	}
	cred, err := d.creds.GetActive(ctx, userID, code)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("%s|%s|%d", userID, code, cred.UpdatedAt.UnixNano())
	models, hit := d.catalog.Get(key)
	if hit {
		d.metrics.CatalogLookups.WithLabelValues("hit").Inc()
	} else {
		d.metrics.CatalogLookups.WithLabelValues("miss").Inc()
		adapter, err := d.buildAdapter(ctx, op, code, cred)
		if err != nil {
			return nil, err
		}
		models, err = d.fetchModels(ctx, code, adapter)
		if err != nil {
			return nil, d.translate(ctx, op, code, providers.CapModels, err)
		}
		sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
		d.catalog.Add(key, models)
	}
	return filterModels(models, search), nil
}

func (d *Dispatcher) fetchModels(ctx context.Context, code providers.Code, adapter providers.Adapter) ([]providers.ModelDescriptor, error) {
	backoff := retry.WithMaxRetries(uint64(d.maxRetries), retry.NewExponential(d.backoffBase))
	var models []providers.ModelDescriptor
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()
		start := time.Now()
		out, err := adapter.ListModels(callCtx)
		d.observe(code, providers.CapModels, start, err)
		if err != nil {
			var ue *providers.UpstreamError
			if errors.As(err, &ue) && ue.Temporary() && ctx.Err() == nil {
				return retry.RetryableError(err)
			}
			return err
		}
		models = out
		return nil
	})
	return models, err
}

func filterModels(models []providers.ModelDescriptor, search string) []providers.ModelDescriptor {
	q := strings.ToLower(strings.TrimSpace(search))
	out := make([]providers.ModelDescriptor, 0, len(models))
	for _, m := range models {
		if q == "" || strings.Contains(strings.ToLower(m.ID), q) || strings.Contains(strings.ToLower(m.Name), q) {
			out = append(out, m)
		}
	}
	return out
}

// ImagesConfigured reports whether a server key for the image provider is set.
func (d *Dispatcher) ImagesConfigured() bool {
	return strings.TrimSpace(d.imageAPIKey) != ""
}

// GenerateImage calls the image provider with the server-held key.
func (d *Dispatcher) GenerateImage(ctx context.Context, req providers.ImageRequest) (providers.Image, error) {
	const op = "dispatch.GenerateImage"
	code := providers.ImageRouter
	if !d.ImagesConfigured() {
		return providers.Image{}, &apperr.Error{
			Kind:     apperr.KindNotConfigured,
			Op:       op,
			Message:  "image generation is not configured",
			Provider: string(code),
		}
	}
	adapter, err := d.adapters.Build(registry.BuildOptions{Code: code, APIKey: d.imageAPIKey})
	if err != nil {
		return providers.Image{}, apperr.Internal(op, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, d.imageTimeout)
	defer cancel()
	start := time.Now()
	img, err := adapter.GenerateImage(callCtx, req)
	d.observe(code, providers.CapImages, start, err)
	if err != nil {
		return providers.Image{}, d.translate(ctx, op, code, providers.CapImages, err)
	}
	return img, nil
}

func (d *Dispatcher) adapterFor(ctx context.Context, op, userID string, code providers.Code) (providers.Adapter, storage.Credential, error) {
	cred, err := d.creds.GetActive(ctx, userID, code)
	if err != nil {
		return nil, storage.Credential{}, err
	}
	adapter, err := d.buildAdapter(ctx, op, code, cred)
	return adapter, cred, err
}

// buildAdapter decrypts the key into an adapter that lives only for the
// caller's request.
func (d *Dispatcher) buildAdapter(ctx context.Context, op string, code providers.Code, cred storage.Credential) (providers.Adapter, error) {
	apiKey := ""
	switch {
	case cred.EncryptedAPIKey != nil:
		plain, err := d.opener.Decrypt(*cred.EncryptedAPIKey)
		if err != nil {
			d.log(ctx).Error().Err(err).Str("provider", string(code)).Str("credential_id", cred.ID).Msg("stored provider key failed to decrypt")
			return nil, &apperr.Error{
				Kind:     apperr.KindDecryption,
				Op:       op,
				Message:  apperr.MsgDecryption,
				Provider: string(code),
				Err:      err,
			}
		}
		apiKey = plain
	case code.RequiresKey():
		return nil, &apperr.Error{
			Kind:     apperr.KindNotConfigured,
			Op:       op,
			Message:  fmt.Sprintf("%s API key is not configured; configure provider first", code.Label()),
			Provider: string(code),
		}
	}

	base := ""
	if cred.BaseURL != nil {
		base = *cred.BaseURL
	}
	adapter, err := d.adapters.Build(registry.BuildOptions{Code: code, BaseURL: base, APIKey: apiKey})
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	return adapter, nil
}

func (d *Dispatcher) translate(ctx context.Context, op string, code providers.Code, capability providers.Capability, err error) error {
	if errors.Is(err, providers.ErrCapabilityUnsupported) {
		return &apperr.Error{
			Kind:     apperr.KindUnsupportedProvider,
			Op:       op,
			Message:  fmt.Sprintf("%s does not support %s", code.Label(), capability),
			Provider: string(code),
			Err:      err,
		}
	}

	out := &apperr.Error{
		Kind:     apperr.KindUpstream,
		Op:       op,
		Message:  providers.FailedMessage(code),
		Provider: string(code),
		Err:      err,
	}
	var ue *providers.UpstreamError
	switch {
	case errors.As(err, &ue):
		out.Status = ue.Status
		out.Message = ue.Message
		if errors.Is(err, context.DeadlineExceeded) {
			out.Message = code.Label() + " request timed out"
		}
		d.log(ctx).Warn().
			Str("provider", string(code)).
			Str("capability", string(capability)).
			Int("status", ue.Status).
			Str("upstream_body", ue.Body).
			Err(ue.Err).
			Msg("provider call failed")
	default:
		d.log(ctx).Error().Err(err).Str("provider", string(code)).Str("capability", string(capability)).Msg("provider call failed")
	}
	return out
}

func (d *Dispatcher) observe(code providers.Code, capability providers.Capability, start time.Time, err error) {
	outcome := "ok"
	var ue *providers.UpstreamError
	switch {
	case err == nil:
	case errors.Is(err, providers.ErrCapabilityUnsupported):
		outcome = "unsupported"
	case errors.Is(err, context.DeadlineExceeded):
		outcome = "timeout"
	case errors.As(err, &ue):
		outcome = "upstream_error"
	default:
		outcome = "error"
	}
	d.metrics.ProviderRequests.WithLabelValues(string(code), string(capability), outcome).Inc()
	d.metrics.ProviderLatency.WithLabelValues(string(code), string(capability)).Observe(time.Since(start).Seconds())
}

func (d *Dispatcher) log(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &d.logger
}

func parseProvider(op, raw string) (providers.Code, error) {
	code, ok := providers.ParseCredentialCode(raw)
	if !ok {
		return "", apperr.UnsupportedProvider(op, raw)
	}
	return code, nil
}
