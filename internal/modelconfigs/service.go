// Package modelconfigs manages named generation profiles.
package modelconfigs

import (
	"context"
	"errors"
	"strings"
	"time"

	"pocketllm/internal/apperr"
	"pocketllm/internal/patch"
	"pocketllm/internal/providers"
	"pocketllm/internal/storage"
)

type Store interface {
	ListModelConfigs(ctx context.Context, userID string) ([]storage.ModelConfig, error)
	GetModelConfig(ctx context.Context, userID, id string) (storage.ModelConfig, error)
	GetDefaultModelConfig(ctx context.Context, userID string) (storage.ModelConfig, error)
	CreateModelConfig(ctx context.Context, m storage.ModelConfig) (storage.ModelConfig, error)
	UpdateModelConfig(ctx context.Context, m storage.ModelConfig) (storage.ModelConfig, error)
	SetDefaultModelConfig(ctx context.Context, userID, id string) (storage.ModelConfig, error)
	DeleteModelConfig(ctx context.Context, userID, id string) error
}

type View struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	SystemPrompt     string    `json:"systemPrompt"`
	Temperature      *float64  `json:"temperature"`
	MaxTokens        *int      `json:"maxTokens"`
	TopP             *float64  `json:"topP"`
	FrequencyPenalty *float64  `json:"frequencyPenalty"`
	PresencePenalty  *float64  `json:"presencePenalty"`
	IsDefault        bool      `json:"isDefault"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

func NewView(m storage.ModelConfig) View {
	return View{
		ID:               m.ID,
		Name:             m.Name,
		Provider:         m.Provider,
		Model:            m.Model,
		SystemPrompt:     m.SystemPrompt,
		Temperature:      m.Temperature,
		MaxTokens:        m.MaxTokens,
		TopP:             m.TopP,
		FrequencyPenalty: m.FrequencyPenalty,
		PresencePenalty:  m.PresencePenalty,
		IsDefault:        m.IsDefault,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

type CreateInput struct {
	Name             string   `json:"name"`
	Provider         string   `json:"provider"`
	Model            string   `json:"model"`
	SystemPrompt     string   `json:"systemPrompt"`
	Temperature      *float64 `json:"temperature"`
	MaxTokens        *int     `json:"maxTokens"`
	TopP             *float64 `json:"topP"`
	FrequencyPenalty *float64 `json:"frequencyPenalty"`
	PresencePenalty  *float64 `json:"presencePenalty"`
	IsDefault        bool     `json:"isDefault"`
}

// UpdateInput is a partial update; null clears an optional sampling field.
type UpdateInput struct {
	Name             *string                 `json:"name"`
	Provider         *string                 `json:"provider"`
	Model            *string                 `json:"model"`
	SystemPrompt     *string                 `json:"systemPrompt"`
	Temperature      patch.Optional[float64] `json:"temperature"`
	MaxTokens        patch.Optional[int]     `json:"maxTokens"`
	TopP             patch.Optional[float64] `json:"topP"`
	FrequencyPenalty patch.Optional[float64] `json:"frequencyPenalty"`
	PresencePenalty  patch.Optional[float64] `json:"presencePenalty"`
	IsDefault        *bool                   `json:"isDefault"`
}

// rules is checked against the merged record so create and update share limits.
type rules struct {
	Name             string   `json:"name" validate:"required,max=100"`
	Provider         string   `json:"provider" validate:"required"`
	Model            string   `json:"model" validate:"required,max=200"`
	SystemPrompt     string   `json:"systemPrompt" validate:"max=8000"`
	Temperature      *float64 `json:"temperature" validate:"omitempty,gte=0,lte=2"`
	MaxTokens        *int     `json:"maxTokens" validate:"omitempty,gte=1,lte=200000"`
	TopP             *float64 `json:"topP" validate:"omitempty,gte=0,lte=1"`
	FrequencyPenalty *float64 `json:"frequencyPenalty" validate:"omitempty,gte=-2,lte=2"`
	PresencePenalty  *float64 `json:"presencePenalty" validate:"omitempty,gte=-2,lte=2"`
}

type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

func (s *Service) List(ctx context.Context, userID string) ([]View, error) {
	rows, err := s.store.ListModelConfigs(ctx, userID)
	if err != nil {
		return nil, apperr.Internal("modelconfigs.List", err)
	}
	out := make([]View, 0, len(rows))
	for _, m := range rows {
		out = append(out, NewView(m))
	}
	return out, nil
}

func (s *Service) Get(ctx context.Context, userID, id string) (View, error) {
	m, err := s.store.GetModelConfig(ctx, userID, id)
	if err != nil {
		return View{}, storeErr("modelconfigs.Get", err)
	}
	return NewView(m), nil
}

// Resolve returns the record the chat and embedding flows dispatch with.
func (s *Service) Resolve(ctx context.Context, userID, id string) (storage.ModelConfig, error) {
	m, err := s.store.GetModelConfig(ctx, userID, id)
	if err != nil {
		return storage.ModelConfig{}, storeErr("modelconfigs.Resolve", err)
	}
	return m, nil
}

// Default returns the user's default config, or ok=false when there is none.
func (s *Service) Default(ctx context.Context, userID string) (storage.ModelConfig, bool, error) {
	m, err := s.store.GetDefaultModelConfig(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.ModelConfig{}, false, nil
	}
	if err != nil {
		return storage.ModelConfig{}, false, apperr.Internal("modelconfigs.Default", err)
	}
	return m, true, nil
}

func (s *Service) Create(ctx context.Context, userID string, in CreateInput) (View, error) {
	const op = "modelconfigs.Create"
	m := storage.ModelConfig{
		UserID:           userID,
		Name:             strings.TrimSpace(in.Name),
		Provider:         in.Provider,
		Model:            strings.TrimSpace(in.Model),
		SystemPrompt:     in.SystemPrompt,
		Temperature:      in.Temperature,
		MaxTokens:        in.MaxTokens,
		TopP:             in.TopP,
		FrequencyPenalty: in.FrequencyPenalty,
		PresencePenalty:  in.PresencePenalty,
		IsDefault:        in.IsDefault,
	}
	if err := validate(op, &m); err != nil {
		return View{}, err
	}
	saved, err := s.store.CreateModelConfig(ctx, m)
	if err != nil {
		return View{}, storeErr(op, err)
	}
	return NewView(saved), nil
}

func (s *Service) Update(ctx context.Context, userID, id string, in UpdateInput) (View, error) {
	const op = "modelconfigs.Update"
	m, err := s.store.GetModelConfig(ctx, userID, id)
	if err != nil {
		return View{}, storeErr(op, err)
	}

	if in.Name != nil {
		m.Name = strings.TrimSpace(*in.Name)
	}
	if in.Provider != nil {
		m.Provider = *in.Provider
	}
	if in.Model != nil {
		m.Model = strings.TrimSpace(*in.Model)
	}
	if in.SystemPrompt != nil {
		m.SystemPrompt = *in.SystemPrompt
	}
	m.Temperature = merge(m.Temperature, in.Temperature)
	m.MaxTokens = merge(m.MaxTokens, in.MaxTokens)
	m.TopP = merge(m.TopP, in.TopP)
	m.FrequencyPenalty = merge(m.FrequencyPenalty, in.FrequencyPenalty)
	m.PresencePenalty = merge(m.PresencePenalty, in.PresencePenalty)
	if in.IsDefault != nil {
		m.IsDefault = *in.IsDefault
	}

	if err := validate(op, &m); err != nil {
		return View{}, err
	}
	saved, err := s.store.UpdateModelConfig(ctx, m)
	if err != nil {
		return View{}, storeErr(op, err)
	}
	return NewView(saved), nil
}

func (s *Service) SetDefault(ctx context.Context, userID, id string) (View, error) {
	m, err := s.store.SetDefaultModelConfig(ctx, userID, id)
	if err != nil {
		return View{}, storeErr("modelconfigs.SetDefault", err)
	}
	return NewView(m), nil
}

func (s *Service) Delete(ctx context.Context, userID, id string) error {
	if err := s.store.DeleteModelConfig(ctx, userID, id); err != nil {
		return storeErr("modelconfigs.Delete", err)
	}
	return nil
}

// validate normalizes the provider code in place and checks every limit.
func validate(op string, m *storage.ModelConfig) error {
	if err := apperr.Check(op, rules{
		Name:             m.Name,
		Provider:         m.Provider,
		Model:            m.Model,
		SystemPrompt:     m.SystemPrompt,
		Temperature:      m.Temperature,
		MaxTokens:        m.MaxTokens,
		TopP:             m.TopP,
		FrequencyPenalty: m.FrequencyPenalty,
		PresencePenalty:  m.PresencePenalty,
	}); err != nil {
		return err
	}
	code, ok := providers.ParseCredentialCode(m.Provider)
	if !ok {
		return apperr.UnsupportedProvider(op, m.Provider)
	}
	m.Provider = string(code)
	return nil
}

func merge[T any](cur *T, o patch.Optional[T]) *T {
	switch {
	case !o.Set:
		return cur
	case o.Null:
		return nil
	default:
		v := o.Value
		return &v
	}
}

func storeErr(op string, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return apperr.NotFound(op, "model config")
	case errors.Is(err, storage.ErrConflict):
		return apperr.E(apperr.KindConflict, op, "a model config with this name already exists", err)
	default:
		return apperr.Internal(op, err)
	}
}
