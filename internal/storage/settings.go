package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// --- User settings ---

func (s *Store) SetSetting(ctx context.Context, ownerID, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_settings (owner_id, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(owner_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		ownerID, key, value, formatTime(time.Now()),
	)
	return err
}

func (s *Store) GetSetting(ctx context.Context, ownerID, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM user_settings WHERE owner_id = ? AND key = ?", ownerID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return value, err
}

func (s *Store) GetSettings(ctx context.Context, ownerID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM user_settings WHERE owner_id = ?", ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		result[k] = v
	}
	return result, rows.Err()
}
