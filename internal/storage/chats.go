package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

var (
	chatColumns    = []string{"id", "user_id", "title", "model_config_id", "created_at", "updated_at"}
	messageColumns = []string{"id", "chat_id", "user_id", "role", "content", "metadata_json", "created_at"}
)

func (s *Store) ListChats(ctx context.Context, userID string) ([]Chat, error) {
	q := s.sql.Select(chatColumns...).
		From("chats").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("updated_at DESC", "id DESC")
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list chats query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	out := make([]Chat, 0)
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chats: %w", err)
	}
	return out, nil
}

func (s *Store) CreateChat(ctx context.Context, c Chat) (Chat, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := s.now()
	c.CreatedAt, c.UpdatedAt = now, now
	ins := s.sql.Insert("chats").
		Columns(chatColumns...).
		Values(c.ID, c.UserID, c.Title, nullString(c.ModelConfigID), c.CreatedAt, c.UpdatedAt)
	if _, err := exec(ctx, s.db, ins, "insert chat"); err != nil {
		return Chat{}, err
	}
	return c, nil
}

func (s *Store) GetChat(ctx context.Context, userID, id string) (Chat, error) {
	q := s.sql.Select(chatColumns...).From("chats").Where(sq.Eq{"user_id": userID, "id": id})
	query, args, err := q.ToSql()
	if err != nil {
		return Chat{}, fmt.Errorf("build get chat query: %w", err)
	}
	c, err := scanChat(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Chat{}, ErrNotFound
		}
		return Chat{}, fmt.Errorf("get chat: %w", err)
	}
	return c, nil
}

// DeleteChat removes the chat and its messages.
func (s *Store) DeleteChat(ctx context.Context, userID, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		del := s.sql.Delete("chats").Where(sq.Eq{"user_id": userID, "id": id})
		n, err := exec(ctx, tx, del, "delete chat")
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		msgs := s.sql.Delete("messages").Where(sq.Eq{"user_id": userID, "chat_id": id})
		_, err = exec(ctx, tx, msgs, "delete chat messages")
		return err
	})
}

func (s *Store) InsertMessage(ctx context.Context, m Message) (Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.CreatedAt = s.now()
	meta, err := marshalMetadata(m.Metadata)
	if err != nil {
		return Message{}, err
	}
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		ins := s.sql.Insert("messages").
			Columns(messageColumns...).
			Values(m.ID, m.ChatID, m.UserID, m.Role, m.Content, meta, m.CreatedAt)
		if _, err := exec(ctx, tx, ins, "insert message"); err != nil {
			return err
		}
		touch := s.sql.Update("chats").
			Set("updated_at", m.CreatedAt).
			Where(sq.Eq{"user_id": m.UserID, "id": m.ChatID})
		_, err := exec(ctx, tx, touch, "touch chat")
		return err
	})
	if err != nil {
		return Message{}, err
	}
	return m, nil
}

func (s *Store) ListMessages(ctx context.Context, userID, chatID string) ([]Message, error) {
	q := s.sql.Select(messageColumns...).
		From("messages").
		Where(sq.Eq{"user_id": userID, "chat_id": chatID}).
		OrderBy("created_at ASC", "id ASC")
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list messages query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		var m Message
		var meta string
		if err := rows.Scan(&m.ID, &m.ChatID, &m.UserID, &m.Role, &m.Content, &meta, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Metadata = unmarshalMetadata(meta)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

func scanChat(r rowScanner) (Chat, error) {
	var c Chat
	var modelConfigID sql.NullString
	if err := r.Scan(&c.ID, &c.UserID, &c.Title, &modelConfigID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return Chat{}, err
	}
	c.ModelConfigID = stringPtr(modelConfigID)
	return c, nil
}
