package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

var modelConfigColumns = []string{
	"id", "user_id", "name", "provider", "model", "system_prompt",
	"temperature", "max_tokens", "top_p", "frequency_penalty", "presence_penalty",
	"is_default", "created_at", "updated_at",
}

func (s *Store) ListModelConfigs(ctx context.Context, userID string) ([]ModelConfig, error) {
	q := s.sql.Select(modelConfigColumns...).
		From("model_configs").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("created_at ASC", "id ASC")
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list model configs query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list model configs: %w", err)
	}
	defer rows.Close()

	out := make([]ModelConfig, 0)
	for rows.Next() {
		m, err := scanModelConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scan model config: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate model configs: %w", err)
	}
	return out, nil
}

func (s *Store) GetModelConfig(ctx context.Context, userID, id string) (ModelConfig, error) {
	return s.getModelConfig(ctx, s.db, sq.Eq{"user_id": userID, "id": id})
}

func (s *Store) GetDefaultModelConfig(ctx context.Context, userID string) (ModelConfig, error) {
	return s.getModelConfig(ctx, s.db, sq.Eq{"user_id": userID, "is_default": true})
}

func (s *Store) getModelConfig(ctx context.Context, r runner, where sq.Sqlizer) (ModelConfig, error) {
	q := s.sql.Select(modelConfigColumns...).From("model_configs").Where(where).Limit(1)
	query, args, err := q.ToSql()
	if err != nil {
		return ModelConfig{}, fmt.Errorf("build get model config query: %w", err)
	}
	m, err := scanModelConfig(r.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ModelConfig{}, ErrNotFound
		}
		return ModelConfig{}, fmt.Errorf("get model config: %w", err)
	}
	return m, nil
}

// CreateModelConfig inserts m. The user's first config always becomes the
// default; a default config clears every other default in the same tx.
func (s *Store) CreateModelConfig(ctx context.Context, m ModelConfig) (ModelConfig, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := s.now()
	m.CreatedAt, m.UpdatedAt = now, now

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if !m.IsDefault {
			var count int64
			q := s.sql.Select("COUNT(*)").From("model_configs").Where(sq.Eq{"user_id": m.UserID})
			query, args, err := q.ToSql()
			if err != nil {
				return fmt.Errorf("build count model configs query: %w", err)
			}
			if err := tx.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
				return fmt.Errorf("count model configs: %w", err)
			}
			m.IsDefault = count == 0
		}
		if m.IsDefault {
			if err := s.clearDefaults(ctx, tx, m.UserID); err != nil {
				return err
			}
		}
		ins := s.sql.Insert("model_configs").
			Columns(modelConfigColumns...).
			Values(m.ID, m.UserID, m.Name, m.Provider, m.Model, m.SystemPrompt,
				nullFloat(m.Temperature), nullInt(m.MaxTokens), nullFloat(m.TopP),
				nullFloat(m.FrequencyPenalty), nullFloat(m.PresencePenalty),
				m.IsDefault, m.CreatedAt, m.UpdatedAt)
		_, err := exec(ctx, tx, ins, "insert model config")
		return err
	})
	if err != nil {
		return ModelConfig{}, err
	}
	return m, nil
}

func (s *Store) UpdateModelConfig(ctx context.Context, m ModelConfig) (ModelConfig, error) {
	var out ModelConfig
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if m.IsDefault {
			if err := s.clearDefaults(ctx, tx, m.UserID); err != nil {
				return err
			}
		}
		upd := s.sql.Update("model_configs").
			Set("name", m.Name).
			Set("provider", m.Provider).
			Set("model", m.Model).
			Set("system_prompt", m.SystemPrompt).
			Set("temperature", nullFloat(m.Temperature)).
			Set("max_tokens", nullInt(m.MaxTokens)).
			Set("top_p", nullFloat(m.TopP)).
			Set("frequency_penalty", nullFloat(m.FrequencyPenalty)).
			Set("presence_penalty", nullFloat(m.PresencePenalty)).
			Set("is_default", m.IsDefault).
			Set("updated_at", s.now()).
			Where(sq.Eq{"user_id": m.UserID, "id": m.ID})
		n, err := exec(ctx, tx, upd, "update model config")
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		out, err = s.getModelConfig(ctx, tx, sq.Eq{"user_id": m.UserID, "id": m.ID})
		return err
	})
	return out, err
}

func (s *Store) SetDefaultModelConfig(ctx context.Context, userID, id string) (ModelConfig, error) {
	var out ModelConfig
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.getModelConfig(ctx, tx, sq.Eq{"user_id": userID, "id": id}); err != nil {
			return err
		}
		if err := s.clearDefaults(ctx, tx, userID); err != nil {
			return err
		}
		upd := s.sql.Update("model_configs").
			Set("is_default", true).
			Set("updated_at", s.now()).
			Where(sq.Eq{"user_id": userID, "id": id})
		if _, err := exec(ctx, tx, upd, "set default model config"); err != nil {
			return err
		}
		var err error
		out, err = s.getModelConfig(ctx, tx, sq.Eq{"user_id": userID, "id": id})
		return err
	})
	return out, err
}

// DeleteModelConfig removes the config and detaches any chats that pointed at it.
func (s *Store) DeleteModelConfig(ctx context.Context, userID, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		detach := s.sql.Update("chats").
			Set("model_config_id", nil).
			Where(sq.Eq{"user_id": userID, "model_config_id": id})
		if _, err := exec(ctx, tx, detach, "detach chats from model config"); err != nil {
			return err
		}
		del := s.sql.Delete("model_configs").Where(sq.Eq{"user_id": userID, "id": id})
		n, err := exec(ctx, tx, del, "delete model config")
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *Store) clearDefaults(ctx context.Context, r runner, userID string) error {
	upd := s.sql.Update("model_configs").
		Set("is_default", false).
		Where(sq.Eq{"user_id": userID, "is_default": true})
	_, err := exec(ctx, r, upd, "clear default model configs")
	return err
}

func scanModelConfig(r rowScanner) (ModelConfig, error) {
	var m ModelConfig
	var temp, topP, freq, pres sql.NullFloat64
	var maxTokens sql.NullInt64
	if err := r.Scan(
		&m.ID,
		&m.UserID,
		&m.Name,
		&m.Provider,
		&m.Model,
		&m.SystemPrompt,
		&temp,
		&maxTokens,
		&topP,
		&freq,
		&pres,
		&m.IsDefault,
		&m.CreatedAt,
		&m.UpdatedAt,
	); err != nil {
		return ModelConfig{}, err
	}
	m.Temperature = floatPtr(temp)
	m.TopP = floatPtr(topP)
	m.FrequencyPenalty = floatPtr(freq)
	m.PresencePenalty = floatPtr(pres)
	if maxTokens.Valid {
		v := int(maxTokens.Int64)
		m.MaxTokens = &v
	}
	return m, nil
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}
