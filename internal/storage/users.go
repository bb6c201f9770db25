package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

func (s *Store) GetProfile(ctx context.Context, id string) (Profile, error) {
	q := s.sql.Select("id", "name", "gender", "updated_at").From("profiles").Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Profile{}, fmt.Errorf("build get profile query: %w", err)
	}
	var p Profile
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&p.ID, &p.Name, &p.Gender, &p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

func (s *Store) UpsertProfile(ctx context.Context, p Profile) error {
	q := s.sql.Insert("profiles").
		Columns("id", "name", "gender", "updated_at").
		Values(p.ID, p.Name, p.Gender, nowExpr(s.driver)).
		Suffix("ON CONFLICT(id) DO UPDATE SET name=excluded.name, gender=excluded.gender, updated_at=excluded.updated_at")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build upsert profile query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

var userConfigColumns = []string{
	"user_id", "ai_creativity", "auto_save", "sound_effects", "notifications", "stream_response",
	"language", "response_style", "privacy_level", "code_detail_level", "response_length",
	"theme_preference", "created_at", "updated_at",
}

// GetUserConfig returns the stored settings, or the defaults when the user
// never saved any.
func (s *Store) GetUserConfig(ctx context.Context, userID string) (UserConfig, error) {
	q := s.sql.Select(userConfigColumns...).From("user_configs").Where(sq.Eq{"user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return UserConfig{}, fmt.Errorf("build get user config query: %w", err)
	}

	var c UserConfig
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&c.UserID,
		&c.AICreativity,
		&c.AutoSave,
		&c.SoundEffects,
		&c.Notifications,
		&c.StreamResponse,
		&c.Language,
		&c.ResponseStyle,
		&c.PrivacyLevel,
		&c.CodeDetailLevel,
		&c.ResponseLength,
		&c.ThemePreference,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DefaultUserConfig(userID), nil
		}
		return UserConfig{}, fmt.Errorf("get user config: %w", err)
	}
	return c, nil
}

func (s *Store) UpsertUserConfig(ctx context.Context, c UserConfig) error {
	now := s.now()
	q := s.sql.Insert("user_configs").
		Columns(userConfigColumns...).
		Values(
			c.UserID,
			c.AICreativity,
			c.AutoSave,
			c.SoundEffects,
			c.Notifications,
			c.StreamResponse,
			c.Language,
			c.ResponseStyle,
			c.PrivacyLevel,
			c.CodeDetailLevel,
			c.ResponseLength,
			c.ThemePreference,
			now,
			now,
		).
		Suffix(`ON CONFLICT(user_id) DO UPDATE SET ai_creativity=excluded.ai_creativity, auto_save=excluded.auto_save,
sound_effects=excluded.sound_effects, notifications=excluded.notifications, stream_response=excluded.stream_response,
language=excluded.language, response_style=excluded.response_style, privacy_level=excluded.privacy_level,
code_detail_level=excluded.code_detail_level, response_length=excluded.response_length,
theme_preference=excluded.theme_preference, updated_at=excluded.updated_at`)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build upsert user config query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert user config: %w", err)
	}
	return nil
}

func (s *Store) SetUserAPIKey(ctx context.Context, userID, encAPIKey string) error {
	q := s.sql.Insert("user_api_keys").
		Columns("user_id", "enc_api_key", "updated_at").
		Values(userID, encAPIKey, nowExpr(s.driver)).
		Suffix("ON CONFLICT(user_id) DO UPDATE SET enc_api_key=excluded.enc_api_key, updated_at=excluded.updated_at")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build set api key query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("set api key: %w", err)
	}
	return nil
}

func (s *Store) GetUserAPIKey(ctx context.Context, userID string) (UserAPIKey, error) {
	q := s.sql.Select("user_id", "enc_api_key", "updated_at").From("user_api_keys").Where(sq.Eq{"user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return UserAPIKey{}, fmt.Errorf("build get api key query: %w", err)
	}
	var k UserAPIKey
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&k.UserID, &k.EncAPIKey, &k.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UserAPIKey{}, ErrNotFound
		}
		return UserAPIKey{}, fmt.Errorf("get api key: %w", err)
	}
	return k, nil
}

func (s *Store) DeleteUserAPIKey(ctx context.Context, userID string) error {
	q := s.sql.Delete("user_api_keys").Where(sq.Eq{"user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete api key query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListUserAPIKeys returns every stored key envelope, for master key rotation.
func (s *Store) ListUserAPIKeys(ctx context.Context) ([]UserAPIKey, error) {
	q := s.sql.Select("user_id", "enc_api_key", "updated_at").From("user_api_keys").OrderBy("user_id")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list api keys query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var out []UserAPIKey
	for rows.Next() {
		var k UserAPIKey
		if err := rows.Scan(&k.UserID, &k.EncAPIKey, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key row: %w", err)
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate api key rows: %w", err)
	}
	return out, nil
}
