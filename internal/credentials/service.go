// Package credentials stores per-user provider configuration. Key material is
// encrypted on the way in and never leaves this package as ciphertext.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"pocketllm/internal/apperr"
	"pocketllm/internal/crypto"
	"pocketllm/internal/patch"
	"pocketllm/internal/providers"
	"pocketllm/internal/storage"
)

type Store interface {
	ListCredentials(ctx context.Context, userID string) ([]storage.Credential, error)
	GetCredential(ctx context.Context, userID, providerCode string) (storage.Credential, error)
	UpsertCredential(ctx context.Context, c storage.Credential) (storage.Credential, bool, error)
	UpdateCredential(ctx context.Context, c storage.Credential) (storage.Credential, error)
}

type Sealer interface {
	Encrypt(plaintext string) (string, error)
	Fingerprint(plaintext string) string
}

type View struct {
	ID            string         `json:"id"`
	Provider      string         `json:"provider"`
	DisplayName   string         `json:"displayName"`
	BaseURL       *string        `json:"baseUrl"`
	HasAPIKey     bool           `json:"hasApiKey"`
	APIKeyPreview *string        `json:"apiKeyPreview"`
	IsActive      bool           `json:"isActive"`
	Metadata      map[string]any `json:"metadata"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

func NewView(c storage.Credential) View {
	meta := c.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	return View{
		ID:            c.ID,
		Provider:      c.ProviderCode,
		DisplayName:   c.DisplayName,
		BaseURL:       c.BaseURL,
		HasAPIKey:     c.HasAPIKey(),
		APIKeyPreview: c.APIKeyPreview,
		IsActive:      c.IsActive,
		Metadata:      meta,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
}

type ActivateInput struct {
	Provider    string                 `json:"provider" validate:"required"`
	APIKey      patch.Optional[string] `json:"apiKey"`
	BaseURL     patch.Optional[string] `json:"baseUrl"`
	Metadata    map[string]any         `json:"metadata"`
	DisplayName *string                `json:"displayName" validate:"omitempty,max=100"`
	IsActive    *bool                  `json:"isActive"`
}

type UpdateInput struct {
	APIKey      patch.Optional[string] `json:"apiKey"`
	BaseURL     patch.Optional[string] `json:"baseUrl"`
	Metadata    map[string]any         `json:"metadata"`
	DisplayName *string                `json:"displayName" validate:"omitempty,max=100"`
	IsActive    *bool                  `json:"isActive"`
}

type Service struct {
	store  Store
	sealer Sealer
}

func NewService(store Store, sealer Sealer) *Service {
	return &Service{store: store, sealer: sealer}
}

func (s *Service) List(ctx context.Context, userID string) ([]View, error) {
	rows, err := s.store.ListCredentials(ctx, userID)
	if err != nil {
		return nil, apperr.Internal("credentials.List", err)
	}
	out := make([]View, 0, len(rows))
	for _, c := range rows {
		out = append(out, NewView(c))
	}
	return out, nil
}

// Activate upserts the user's credential for in.Provider. created reports
// whether the row is new.
func (s *Service) Activate(ctx context.Context, userID string, in ActivateInput) (View, bool, error) {
	const op = "credentials.Activate"
	if err := apperr.Check(op, in); err != nil {
		return View{}, false, err
	}
	code, ok := providers.ParseCredentialCode(in.Provider)
	if !ok {
		return View{}, false, apperr.UnsupportedProvider(op, in.Provider)
	}

	c, err := s.store.GetCredential(ctx, userID, string(code))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c = storage.Credential{
			UserID:       userID,
			ProviderCode: string(code),
			DisplayName:  code.Label(),
		}
	case err != nil:
		return View{}, false, apperr.Internal(op, err)
	}

	isActive := true
	if in.IsActive != nil {
		isActive = *in.IsActive
	}
	patch := UpdateInput{
		APIKey:      in.APIKey,
		BaseURL:     in.BaseURL,
		Metadata:    in.Metadata,
		DisplayName: in.DisplayName,
		IsActive:    &isActive,
	}
	if err := s.apply(op, code, &c, patch); err != nil {
		return View{}, false, err
	}

	saved, created, err := s.store.UpsertCredential(ctx, c)
	if err != nil {
		return View{}, false, apperr.Internal(op, err)
	}
	zerolog.Ctx(ctx).Info().Str("provider", string(code)).Bool("created", created).Bool("has_api_key", saved.HasAPIKey()).Msg("provider activated")
	return NewView(saved), created, nil
}

func (s *Service) Update(ctx context.Context, userID, provider string, in UpdateInput) (View, error) {
	const op = "credentials.Update"
	if err := apperr.Check(op, in); err != nil {
		return View{}, err
	}
	code, ok := providers.ParseCredentialCode(provider)
	if !ok {
		return View{}, apperr.UnsupportedProvider(op, provider)
	}
	c, err := s.store.GetCredential(ctx, userID, string(code))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return View{}, apperr.NotFound(op, "provider credential")
		}
		return View{}, apperr.Internal(op, err)
	}
	if err := s.apply(op, code, &c, in); err != nil {
		return View{}, err
	}
	saved, err := s.store.UpdateCredential(ctx, c)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return View{}, apperr.NotFound(op, "provider credential")
		}
		return View{}, apperr.Internal(op, err)
	}
	return NewView(saved), nil
}

// Deactivate keeps the row, so base URL and metadata survive reactivation.
func (s *Service) Deactivate(ctx context.Context, userID, provider string) (View, error) {
	const op = "credentials.Deactivate"
	code, ok := providers.ParseCredentialCode(provider)
	if !ok {
		return View{}, apperr.UnsupportedProvider(op, provider)
	}
	c, err := s.store.GetCredential(ctx, userID, string(code))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return View{}, apperr.NotFound(op, "provider credential")
		}
		return View{}, apperr.Internal(op, err)
	}
	c.IsActive = false
	clearKey(&c)
	saved, err := s.store.UpdateCredential(ctx, c)
	if err != nil {
		return View{}, apperr.Internal(op, err)
	}
	zerolog.Ctx(ctx).Info().Str("provider", string(code)).Msg("provider deactivated")
	return NewView(saved), nil
}

// GetActive returns the stored credential the dispatcher may use.
func (s *Service) GetActive(ctx context.Context, userID string, code providers.Code) (storage.Credential, error) {
	const op = "credentials.GetActive"
	c, err := s.store.GetCredential(ctx, userID, string(code))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Credential{}, &apperr.Error{
				Kind:     apperr.KindNotConfigured,
				Op:       op,
				Message:  fmt.Sprintf("%s is not configured; configure provider first", code.Label()),
				Provider: string(code),
			}
		}
		return storage.Credential{}, apperr.Internal(op, err)
	}
	if !c.IsActive {
		return storage.Credential{}, &apperr.Error{
			Kind:     apperr.KindProviderInactive,
			Op:       op,
			Message:  fmt.Sprintf("%s is inactive; activate the provider first", code.Label()),
			Provider: string(code),
		}
	}
	return c, nil
}

// apply merges in into c and checks the activation requirements. Nothing is
// written when it fails.
func (s *Service) apply(op string, code providers.Code, c *storage.Credential, in UpdateInput) error {
	switch {
	case in.APIKey.Set && in.APIKey.Null:
		clearKey(c)
	case in.APIKey.Set:
		key := strings.TrimSpace(in.APIKey.Value)
		if key == "" {
			return apperr.ValidationFields(op, "API key cannot be empty", map[string]string{"apiKey": "required"})
		}
		enc, err := s.sealer.Encrypt(key)
		if err != nil {
			return apperr.Internal(op, err)
		}
		fp := s.sealer.Fingerprint(key)
		preview := crypto.Preview(key)
		c.EncryptedAPIKey, c.APIKeyFingerprint, c.APIKeyPreview = &enc, &fp, &preview
	}

	switch {
	case in.BaseURL.Set && in.BaseURL.Null:
		c.BaseURL = nil
	case in.BaseURL.Set:
		base := strings.TrimRight(strings.TrimSpace(in.BaseURL.Value), "/")
		if base == "" {
			return apperr.ValidationFields(op, "Base URL cannot be empty", map[string]string{"baseUrl": "required"})
		}
		if !apperr.CheckVar(base, "http_url") {
			return apperr.ValidationFields(op, "Base URL must be an http or https URL", map[string]string{"baseUrl": "http_url"})
		}
		c.BaseURL = &base
	}

	if in.Metadata != nil {
		c.Metadata = in.Metadata
	}
	if in.DisplayName != nil {
		name := strings.TrimSpace(*in.DisplayName)
		if name == "" {
			name = code.Label()
		}
		c.DisplayName = name
	}
	if in.IsActive != nil {
		c.IsActive = *in.IsActive
	}

	if c.IsActive {
		if code == providers.OpenRouter && c.EncryptedAPIKey == nil {
			return apperr.ValidationFields(op, "API key is required for OpenRouter", map[string]string{"apiKey": "required"})
		}
		if code == providers.Ollama && c.BaseURL == nil {
			return apperr.ValidationFields(op, "Base URL is required for Ollama", map[string]string{"baseUrl": "required"})
		}
	}
	return nil
}

func clearKey(c *storage.Credential) {
	c.EncryptedAPIKey = nil
	c.APIKeyFingerprint = nil
	c.APIKeyPreview = nil
}
