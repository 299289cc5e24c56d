package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

var settingsColumns = []string{
	"user_id", "provider", "base_url", "model", "enc_api_key",
	"max_tokens", "temperature", "enabled", "created_at", "updated_at",
}

func (s *Store) GetAISettings(ctx context.Context, userID string) (AISettings, error) {
	q := s.sql.Select(settingsColumns...).From("ai_settings").Where(sq.Eq{"user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return AISettings{}, fmt.Errorf("build get settings query: %w", err)
	}

	var out AISettings
	var baseURL, model, encAPIKey sql.NullString
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&out.UserID,
		&out.Provider,
		&baseURL,
		&model,
		&encAPIKey,
		&out.MaxTokens,
		&out.Temperature,
		&out.Enabled,
		&out.CreatedAt,
		&out.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AISettings{}, ErrNotFound
		}
		return AISettings{}, fmt.Errorf("get settings: %w", err)
	}
	out.BaseURL = nullString(baseURL)
	out.Model = nullString(model)
	out.EncAPIKey = nullString(encAPIKey)
	return out, nil
}

// GetOrCreateAISettings returns the user's settings, inserting defaults on
// first access. Concurrent first reads converge on the same row.
func (s *Store) GetOrCreateAISettings(ctx context.Context, defaults AISettings) (AISettings, error) {
	existing, err := s.GetAISettings(ctx, defaults.UserID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return AISettings{}, err
	}

	now := s.now()
	q := s.sql.Insert("ai_settings").
		Columns(settingsColumns...).
		Values(defaults.UserID, defaults.Provider, defaults.BaseURL, defaults.Model, defaults.EncAPIKey,
			defaults.MaxTokens, defaults.Temperature, defaults.Enabled, now, now).
		Suffix("ON CONFLICT(user_id) DO NOTHING")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return AISettings{}, fmt.Errorf("build create settings query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return AISettings{}, fmt.Errorf("create default settings: %w", err)
	}
	return s.GetAISettings(ctx, defaults.UserID)
}

// ListAISettingsWithKeys returns every settings row holding a sealed API key.
func (s *Store) ListAISettingsWithKeys(ctx context.Context) ([]AISettings, error) {
	q := s.sql.Select("user_id").
		From("ai_settings").
		Where(sq.NotEq{"enc_api_key": nil}).
		OrderBy("user_id")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list settings query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan settings row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate settings rows: %w", err)
	}
	_ = rows.Close()

	// sqlite runs with a single connection, so rows are closed before the
	// follow-up reads.
	out := make([]AISettings, 0, len(ids))
	for _, id := range ids {
		st, err := s.GetAISettings(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *Store) UpsertAISettings(ctx context.Context, in AISettings) (AISettings, error) {
	now := s.now()
	q := s.sql.Insert("ai_settings").
		Columns(settingsColumns...).
		Values(in.UserID, in.Provider, in.BaseURL, in.Model, in.EncAPIKey,
			in.MaxTokens, in.Temperature, in.Enabled, now, now).
		Suffix("ON CONFLICT(user_id) DO UPDATE SET provider=excluded.provider, base_url=excluded.base_url, model=excluded.model, enc_api_key=excluded.enc_api_key, max_tokens=excluded.max_tokens, temperature=excluded.temperature, enabled=excluded.enabled, updated_at=excluded.updated_at")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return AISettings{}, fmt.Errorf("build upsert settings query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return AISettings{}, fmt.Errorf("upsert settings: %w", err)
	}
	return s.GetAISettings(ctx, in.UserID)
}
