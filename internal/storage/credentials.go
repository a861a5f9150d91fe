package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

var credentialColumns = []string{
	"id", "user_id", "provider_code", "display_name", "base_url",
	"encrypted_api_key", "api_key_fingerprint", "api_key_preview",
	"is_active", "metadata_json", "created_at", "updated_at",
}

func (s *Store) ListCredentials(ctx context.Context, userID string) ([]Credential, error) {
	q := s.sql.Select(credentialColumns...).
		From("provider_credentials").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("provider_code ASC")
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list credentials query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	out := make([]Credential, 0)
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credentials: %w", err)
	}
	return out, nil
}

func (s *Store) GetCredential(ctx context.Context, userID, providerCode string) (Credential, error) {
	q := s.sql.Select(credentialColumns...).
		From("provider_credentials").
		Where(sq.Eq{"user_id": userID, "provider_code": providerCode})
	query, args, err := q.ToSql()
	if err != nil {
		return Credential{}, fmt.Errorf("build get credential query: %w", err)
	}
	c, err := scanCredential(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Credential{}, ErrNotFound
		}
		return Credential{}, fmt.Errorf("get credential: %w", err)
	}
	return c, nil
}

// UpsertCredential writes c keyed on (user_id, provider_code). created reports
// whether a new row was inserted.
func (s *Store) UpsertCredential(ctx context.Context, c Credential) (out Credential, created bool, err error) {
	now := s.now()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	meta, err := marshalMetadata(c.Metadata)
	if err != nil {
		return Credential{}, false, err
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		ins := s.sql.Insert("provider_credentials").
			Columns(credentialColumns...).
			Values(c.ID, c.UserID, c.ProviderCode, c.DisplayName, nullString(c.BaseURL),
				nullString(c.EncryptedAPIKey), nullString(c.APIKeyFingerprint), nullString(c.APIKeyPreview),
				c.IsActive, meta, now, now).
			Suffix("ON CONFLICT(user_id, provider_code) DO NOTHING")
		n, err := exec(ctx, tx, ins, "insert credential")
		if err != nil {
			return err
		}
		if n == 1 {
			created = true
			return nil
		}
		_, err = exec(ctx, tx, s.credentialUpdate(c, meta, now), "update credential")
		return err
	})
	if err != nil {
		return Credential{}, false, err
	}

	out, err = s.GetCredential(ctx, c.UserID, c.ProviderCode)
	return out, created, err
}

// UpdateCredential rewrites an existing row; ErrNotFound if the user has none.
func (s *Store) UpdateCredential(ctx context.Context, c Credential) (Credential, error) {
	meta, err := marshalMetadata(c.Metadata)
	if err != nil {
		return Credential{}, err
	}
	n, err := exec(ctx, s.db, s.credentialUpdate(c, meta, s.now()), "update credential")
	if err != nil {
		return Credential{}, err
	}
	if n == 0 {
		return Credential{}, ErrNotFound
	}
	return s.GetCredential(ctx, c.UserID, c.ProviderCode)
}

func (s *Store) credentialUpdate(c Credential, meta string, now time.Time) sq.UpdateBuilder {
	return s.sql.Update("provider_credentials").
		Set("display_name", c.DisplayName).
		Set("base_url", nullString(c.BaseURL)).
		Set("encrypted_api_key", nullString(c.EncryptedAPIKey)).
		Set("api_key_fingerprint", nullString(c.APIKeyFingerprint)).
		Set("api_key_preview", nullString(c.APIKeyPreview)).
		Set("is_active", c.IsActive).
		Set("metadata_json", meta).
		Set("updated_at", now).
		Where(sq.Eq{"user_id": c.UserID, "provider_code": c.ProviderCode})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(r rowScanner) (Credential, error) {
	var c Credential
	var baseURL, encKey, fp, preview sql.NullString
	var meta string
	if err := r.Scan(
		&c.ID,
		&c.UserID,
		&c.ProviderCode,
		&c.DisplayName,
		&baseURL,
		&encKey,
		&fp,
		&preview,
		&c.IsActive,
		&meta,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return Credential{}, err
	}
	c.BaseURL = stringPtr(baseURL)
	c.EncryptedAPIKey = stringPtr(encKey)
	c.APIKeyFingerprint = stringPtr(fp)
	c.APIKeyPreview = stringPtr(preview)
	c.Metadata = unmarshalMetadata(meta)
	return c, nil
}

func marshalMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(b), nil
}

func unmarshalMetadata(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}
