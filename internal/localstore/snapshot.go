package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// LoadSnapshot returns the value stored under key, or ErrNotFound
func (s *Store) LoadSnapshot(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM snapshots WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot %s: %w", key, err)
	}
	return value, nil
}

// SaveSnapshot replaces the value stored under key. A value over the configured quota,
// or a full disk, is reported as ErrQuotaExceeded so callers can shed data and retry
func (s *Store) SaveSnapshot(ctx context.Context, key string, data []byte) error {
	if s.snapshotQuota > 0 && len(data) > s.snapshotQuota {
		return fmt.Errorf("snapshot %s is %d bytes (limit %d): %w", key, len(data), s.snapshotQuota, ErrQuotaExceeded)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, data, toMillis(s.now()))
	if err != nil {
		if isDiskFull(err) {
			return fmt.Errorf("snapshot %s: %v: %w", key, err, ErrQuotaExceeded)
		}
		return fmt.Errorf("failed to save snapshot %s: %w", key, err)
	}
	return nil
}

// isDiskFull detects SQLITE_FULL style failures
func isDiskFull(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database or disk is full") ||
		strings.Contains(msg, "sqlite_full") ||
		strings.Contains(msg, "no space left")
}
