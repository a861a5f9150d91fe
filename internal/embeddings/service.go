// Package embeddings turns text into vectors through the user's model config
// and optionally keeps them in named collections.
package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	pgvector "github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog"

	"pocketllm/internal/apperr"
	"pocketllm/internal/providers"
	"pocketllm/internal/storage"
)

type Store interface {
	EnsureCollection(ctx context.Context, userID, name string) (storage.EmbeddingCollection, error)
	InsertEmbeddings(ctx context.Context, items []storage.Embedding) error
	ListCollections(ctx context.Context, userID string) ([]storage.EmbeddingCollection, error)
	ListEmbeddings(ctx context.Context, userID, collectionID string) ([]storage.Embedding, error)
	DeleteCollection(ctx context.Context, userID, id string) error
}

type Configs interface {
	Resolve(ctx context.Context, userID, id string) (storage.ModelConfig, error)
}

type Embedder interface {
	Embed(ctx context.Context, userID string, mc storage.ModelConfig, input []string) (providers.EmbeddingResult, error)
}

// Input accepts either a JSON string or an array of strings.
type Input []string

func (in *Input) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*in = Input{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return errors.New("input must be a string or an array of strings")
	}
	*in = Input(many)
	return nil
}

type CreateInput struct {
	ModelConfigID string `json:"modelConfigId" validate:"required"`
	Input         Input  `json:"input" validate:"required,min=1,max=256,dive,required,max=32000"`
	Collection    string `json:"collection" validate:"omitempty,max=100"`
}

type Result struct {
	Embeddings   [][]float32 `json:"embeddings"`
	Model        string      `json:"model"`
	CollectionID *string     `json:"collectionId,omitempty"`
}

type CollectionView struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	EmbeddingCount int64     `json:"embeddingCount"`
	CreatedAt      time.Time `json:"createdAt"`
}

type EmbeddingView struct {
	ID        string    `json:"id"`
	Model     string    `json:"model"`
	Input     string    `json:"input"`
	Vector    []float32 `json:"vector"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	store    Store
	configs  Configs
	embedder Embedder
}

func NewService(store Store, configs Configs, embedder Embedder) *Service {
	return &Service{store: store, configs: configs, embedder: embedder}
}

func (s *Service) Create(ctx context.Context, userID string, in CreateInput) (Result, error) {
	const op = "embeddings.Create"
	if err := apperr.Check(op, in); err != nil {
		return Result{}, err
	}
	mc, err := s.configs.Resolve(ctx, userID, in.ModelConfigID)
	if err != nil {
		return Result{}, err
	}

	out, err := s.embedder.Embed(ctx, userID, mc, in.Input)
	if err != nil {
		return Result{}, err
	}
	model := out.Model
	if model == "" {
		model = mc.Model
	}
	res := Result{Embeddings: out.Embeddings, Model: model}
	if in.Collection == "" {
		return res, nil
	}

	coll, err := s.store.EnsureCollection(ctx, userID, in.Collection)
	if err != nil {
		return Result{}, apperr.Internal(op, err)
	}
	items := make([]storage.Embedding, 0, len(in.Input))
	for i, text := range in.Input {
		items = append(items, storage.Embedding{
			CollectionID: coll.ID,
			UserID:       userID,
			Model:        model,
			Input:        text,
			Vector:       pgvector.NewVector(out.Embeddings[i]),
		})
	}
	if err := s.store.InsertEmbeddings(ctx, items); err != nil {
		return Result{}, apperr.Internal(op, err)
	}
	zerolog.Ctx(ctx).Info().Str("collection", coll.Name).Int("count", len(items)).Msg("embeddings stored")
	res.CollectionID = &coll.ID
	return res, nil
}

func (s *Service) ListCollections(ctx context.Context, userID string) ([]CollectionView, error) {
	rows, err := s.store.ListCollections(ctx, userID)
	if err != nil {
		return nil, apperr.Internal("embeddings.ListCollections", err)
	}
	out := make([]CollectionView, 0, len(rows))
	for _, c := range rows {
		out = append(out, CollectionView{ID: c.ID, Name: c.Name, EmbeddingCount: c.EmbeddingCount, CreatedAt: c.CreatedAt})
	}
	return out, nil
}

func (s *Service) ListEmbeddings(ctx context.Context, userID, collectionID string) ([]EmbeddingView, error) {
	const op = "embeddings.ListEmbeddings"
	colls, err := s.store.ListCollections(ctx, userID)
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	found := false
	for _, c := range colls {
		if c.ID == collectionID {
			found = true
			break
		}
	}
	if !found {
		return nil, apperr.NotFound(op, "embedding collection")
	}

	rows, err := s.store.ListEmbeddings(ctx, userID, collectionID)
	if err != nil {
		return nil, apperr.Internal(op, err)
	}
	out := make([]EmbeddingView, 0, len(rows))
	for _, e := range rows {
		out = append(out, EmbeddingView{ID: e.ID, Model: e.Model, Input: e.Input, Vector: e.Vector.Slice(), CreatedAt: e.CreatedAt})
	}
	return out, nil
}

func (s *Service) DeleteCollection(ctx context.Context, userID, id string) error {
	const op = "embeddings.DeleteCollection"
	if err := s.store.DeleteCollection(ctx, userID, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.NotFound(op, "embedding collection")
		}
		return apperr.Internal(op, err)
	}
	return nil
}
