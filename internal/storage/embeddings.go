package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

// EnsureCollection returns the user's collection called name, creating it if needed.
func (s *Store) EnsureCollection(ctx context.Context, userID, name string) (EmbeddingCollection, error) {
	ins := s.sql.Insert("embedding_collections").
		Columns("id", "user_id", "name", "created_at").
		Values(uuid.NewString(), userID, name, s.now()).
		Suffix("ON CONFLICT(user_id, name) DO NOTHING")
	if _, err := exec(ctx, s.db, ins, "ensure collection"); err != nil {
		return EmbeddingCollection{}, err
	}

	q := s.sql.Select("id", "user_id", "name", "created_at").
		From("embedding_collections").
		Where(sq.Eq{"user_id": userID, "name": name})
	query, args, err := q.ToSql()
	if err != nil {
		return EmbeddingCollection{}, fmt.Errorf("build get collection query: %w", err)
	}
	var c EmbeddingCollection
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&c.ID, &c.UserID, &c.Name, &c.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return EmbeddingCollection{}, ErrNotFound
		}
		return EmbeddingCollection{}, fmt.Errorf("get collection: %w", err)
	}
	return c, nil
}

func (s *Store) InsertEmbeddings(ctx context.Context, items []Embedding) error {
	if len(items) == 0 {
		return nil
	}
	now := s.now()
	ins := s.sql.Insert("embeddings").
		Columns("id", "collection_id", "user_id", "model", "input", "vector", "created_at")
	for _, e := range items {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		ins = ins.Values(e.ID, e.CollectionID, e.UserID, e.Model, e.Input, e.Vector, now)
	}
	_, err := exec(ctx, s.db, ins, "insert embeddings")
	return err
}

func (s *Store) ListCollections(ctx context.Context, userID string) ([]EmbeddingCollection, error) {
	q := s.sql.Select("c.id", "c.user_id", "c.name", "c.created_at", "COUNT(e.id)").
		From("embedding_collections c").
		LeftJoin("embeddings e ON e.collection_id = c.id").
		Where(sq.Eq{"c.user_id": userID}).
		GroupBy("c.id", "c.user_id", "c.name", "c.created_at").
		OrderBy("c.name ASC")
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list collections query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	defer rows.Close()

	out := make([]EmbeddingCollection, 0)
	for rows.Next() {
		var c EmbeddingCollection
		if err := rows.Scan(&c.ID, &c.UserID, &c.Name, &c.CreatedAt, &c.EmbeddingCount); err != nil {
			return nil, fmt.Errorf("scan collection: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collections: %w", err)
	}
	return out, nil
}

func (s *Store) ListEmbeddings(ctx context.Context, userID, collectionID string) ([]Embedding, error) {
	q := s.sql.Select("id", "collection_id", "user_id", "model", "input", "vector", "created_at").
		From("embeddings").
		Where(sq.Eq{"user_id": userID, "collection_id": collectionID}).
		OrderBy("created_at ASC", "id ASC")
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list embeddings query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list embeddings: %w", err)
	}
	defer rows.Close()

	out := make([]Embedding, 0)
	for rows.Next() {
		var e Embedding
		if err := rows.Scan(&e.ID, &e.CollectionID, &e.UserID, &e.Model, &e.Input, &e.Vector, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate embeddings: %w", err)
	}
	return out, nil
}

// DeleteCollection removes the collection and every embedding in it.
func (s *Store) DeleteCollection(ctx context.Context, userID, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		del := s.sql.Delete("embedding_collections").Where(sq.Eq{"user_id": userID, "id": id})
		n, err := exec(ctx, tx, del, "delete collection")
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		items := s.sql.Delete("embeddings").Where(sq.Eq{"user_id": userID, "collection_id": id})
		_, err = exec(ctx, tx, items, "delete collection embeddings")
		return err
	})
}
