// Package chats runs the conversation flow: the user's message is stored, the
// selected model config is dispatched, and the reply is stored next to it.
package chats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"pocketllm/internal/apperr"
	"pocketllm/internal/metrics"
	"pocketllm/internal/providers"
	"pocketllm/internal/queue"
	"pocketllm/internal/storage"
)

const (
	DefaultTitle   = "New chat"
	MaxPromptRunes = 32000
	MsgNoConfig    = "no model config selected"
)

type Store interface {
	ListChats(ctx context.Context, userID string) ([]storage.Chat, error)
	CreateChat(ctx context.Context, c storage.Chat) (storage.Chat, error)
	GetChat(ctx context.Context, userID, id string) (storage.Chat, error)
	DeleteChat(ctx context.Context, userID, id string) error
	InsertMessage(ctx context.Context, m storage.Message) (storage.Message, error)
	ListMessages(ctx context.Context, userID, chatID string) ([]storage.Message, error)
}

type Configs interface {
	Resolve(ctx context.Context, userID, id string) (storage.ModelConfig, error)
	Default(ctx context.Context, userID string) (storage.ModelConfig, bool, error)
}

type Completer interface {
	ChatComplete(ctx context.Context, userID string, mc storage.ModelConfig, prompt string) (providers.Completion, error)
}

type Limiter interface {
	Allow(ctx context.Context, scope, userID string, now time.Time) (bool, int64, time.Time, error)
}

type Config struct {
	Store     Store
	Configs   Configs
	Completer Completer
	Limiter   Limiter
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

type Service struct {
	store     Store
	configs   Configs
	completer Completer
	limiter   Limiter
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewService(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		store:     cfg.Store,
		configs:   cfg.Configs,
		completer: cfg.Completer,
		limiter:   cfg.Limiter,
		metrics:   m,
		now:       cfg.Now,
	}
}

type ChatView struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	ModelConfigID *string   `json:"modelConfigId"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

func NewChatView(c storage.Chat) ChatView {
	return ChatView{ID: c.ID, Title: c.Title, ModelConfigID: c.ModelConfigID, CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt}
}

type MessageView struct {
	ID        string         `json:"id"`
	ChatID    string         `json:"chatId"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"createdAt"`
}

func NewMessageView(m storage.Message) MessageView {
	meta := m.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	return MessageView{ID: m.ID, ChatID: m.ChatID, Role: m.Role, Content: m.Content, Metadata: meta, CreatedAt: m.CreatedAt}
}

type CreateInput struct {
	Title         string  `json:"title" validate:"max=200"`
	ModelConfigID *string `json:"modelConfigId"`
}

type SendInput struct {
	Prompt        string  `json:"prompt"`
	ModelConfigID *string `json:"modelConfigId"`
}

type prompt struct {
	Prompt string `json:"prompt" validate:"required,max=32000"`
}

func (s *Service) List(ctx context.Context, userID string) ([]ChatView, error) {
	rows, err := s.store.ListChats(ctx, userID)
	if err != nil {
		return nil, apperr.Internal("chats.List", err)
	}
	out := make([]ChatView, 0, len(rows))
	for _, c := range rows {
		out = append(out, NewChatView(c))
	}
	return out, nil
}

func (s *Service) Create(ctx context.Context, userID string, in CreateInput) (ChatView, error) {
	const op = "chats.Create"
	in.Title = strings.TrimSpace(in.Title)
	if err := apperr.Check(op, in); err != nil {
		return ChatView{}, err
	}
	if in.Title == "" {
		in.Title = DefaultTitle
	}
	if id := optionalID(in.ModelConfigID); id != nil {
		if _, err := s.configs.Resolve(ctx, userID, *id); err != nil {
			return ChatView{}, err
		}
		in.ModelConfigID = id
	} else {
		in.ModelConfigID = nil
	}

	c, err := s.store.CreateChat(ctx, storage.Chat{UserID: userID, Title: in.Title, ModelConfigID: in.ModelConfigID})
	if err != nil {
		return ChatView{}, apperr.Internal(op, err)
	}
	return NewChatView(c), nil
}

func (s *Service) Get(ctx context.Context, userID, id string) (ChatView, error) {
	c, err := s.store.GetChat(ctx, userID, id)
	if err != nil {
		return ChatView{}, storeErr("chats.Get", err)
	}
	return NewChatView(c), nil
}

func (s *Service) Delete(ctx context.Context, userID, id string) error {
	if err := s.store.DeleteChat(ctx, userID, id); err != nil {
		return storeErr("chats.Delete", err)
	}
	return nil
}

func (s *Service) ListMessages(ctx context.Context, userID, chatID string) ([]MessageView, error) {
	const op = "chats.ListMessages"
	if _, err := s.store.GetChat(ctx, userID, chatID); err != nil {
		return nil, storeErr(op, err)
	}
	rows, err := s.store.ListMessages(ctx, userID, chatID)
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	out := make([]MessageView, 0, len(rows))
	for _, m := range rows {
		out = append(out, NewMessageView(m))
	}
	return out, nil
}

// Send stores the prompt, dispatches it and stores the reply. The user's
// message is kept even when the provider call fails.
func (s *Service) Send(ctx context.Context, userID, chatID string, in SendInput) (MessageView, error) {
	const op = "chats.Send"
	if err := apperr.Check(op, prompt{Prompt: strings.TrimSpace(in.Prompt)}); err != nil {
		return MessageView{}, err
	}
	chat, err := s.store.GetChat(ctx, userID, chatID)
	if err != nil {
		return MessageView{}, storeErr(op, err)
	}
	mc, err := s.resolveConfig(ctx, op, userID, chat, in.ModelConfigID)
	if err != nil {
		return MessageView{}, err
	}
	if err := s.allow(ctx, op, userID); err != nil {
		return MessageView{}, err
	}

	if _, err := s.store.InsertMessage(ctx, storage.Message{
		ChatID:  chat.ID,
		UserID:  userID,
		Role:    storage.RoleUser,
		Content: in.Prompt,
	}); err != nil {
		return MessageView{}, apperr.Internal(op, err)
	}

	start := time.Now()
	out, err := s.completer.ChatComplete(ctx, userID, mc, in.Prompt)
	if err != nil {
		return MessageView{}, err
	}
	latency := time.Since(start)

	model := out.Model
	if model == "" {
		model = mc.Model
	}
	reply, err := s.store.InsertMessage(ctx, storage.Message{
		ChatID:  chat.ID,
		UserID:  userID,
		Role:    storage.RoleAssistant,
		Content: out.Content,
		Metadata: map[string]any{
			"provider":      mc.Provider,
			"model":         model,
			"modelConfigId": mc.ID,
			"latencyMs":     latency.Milliseconds(),
		},
	})
	if err != nil {
		return MessageView{}, apperr.Internal(op, err)
	}
	zerolog.Ctx(ctx).Info().
		Str("chat_id", chat.ID).
		Str("provider", mc.Provider).
		Str("model", model).
		Dur("latency", latency).
		Msg("chat reply stored")
	return NewMessageView(reply), nil
}

// resolveConfig picks the per-message override, then the chat's config, then
// the user's default. The chat row is never changed by an override.
func (s *Service) resolveConfig(ctx context.Context, op, userID string, chat storage.Chat, override *string) (storage.ModelConfig, error) {
	if id := optionalID(override); id != nil {
		return s.configs.Resolve(ctx, userID, *id)
	}
	if chat.ModelConfigID != nil {
		mc, err := s.configs.Resolve(ctx, userID, *chat.ModelConfigID)
		if err == nil || !apperr.IsKind(err, apperr.KindNotFound) {
			return mc, err
		}
	}
	mc, ok, err := s.configs.Default(ctx, userID)
	if err != nil {
		return storage.ModelConfig{}, err
	}
	if !ok {
		return storage.ModelConfig{}, apperr.Validation(op, MsgNoConfig)
	}
	return mc, nil
}

func (s *Service) allow(ctx context.Context, op, userID string) error {
	if s.limiter == nil {
		return nil
	}
	ok, _, resetAt, err := s.limiter.Allow(ctx, queue.ScopeChat, userID, s.now())
	if err != nil {
		return apperr.Internal(op, err)
	}
	if !ok {
		s.metrics.RateLimited.WithLabelValues(queue.ScopeChat).Inc()
		return apperr.E(apperr.KindRateLimited, op,
			fmt.Sprintf("message limit reached; try again after %s", resetAt.UTC().Format(time.RFC3339)), nil)
	}
	return nil
}

func optionalID(id *string) *string {
	if id == nil {
		return nil
	}
	v := strings.TrimSpace(*id)
	if v == "" {
		return nil
	}
	return &v
}

func storeErr(op string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.NotFound(op, "chat")
	}
	return apperr.Internal(op, err)
}
