// Package localstore is the durable local store: every domain write lands here before
// any network attempt, so captures survive restarts and offline periods.
package localstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Guizzs26/go-pos-sync/internal/models"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	ErrNotFound      = errors.New("local entry not found")
	ErrQuotaExceeded = errors.New("local storage quota exceeded")
)

// Store persists local entries and queue snapshots in an embedded SQLite file
type Store struct {
	db            *sql.DB
	logger        *slog.Logger
	now           func() time.Time
	snapshotQuota int
}

type Option func(*Store)

// WithClock overrides the time source, used by tests to age entries
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithSnapshotQuota caps the size of a single snapshot value in bytes
func WithSnapshotQuota(maxBytes int) Option {
	return func(s *Store) { s.snapshotQuota = maxBytes }
}

// Open opens (or creates) the SQLite file at path, applies migrations and
// resets entries left in the transient syncing state by a previous session
func Open(ctx context.Context, path string, logger *slog.Logger, opts ...Option) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create local data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open local database: %w", err)
	}

	// SQLite has a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	recovered, err := s.recoverInFlight(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}
	if recovered > 0 {
		logger.Warn("Local store: rescued entries left in syncing state", "count", recovered)
	}

	logger.Info("Local store ready", "path", path)
	return s, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load embedded migrations: %w", err)
	}

	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to init migration driver: %w", err)
	}

	// m.Close would close db as well, so it is intentionally not called
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to init migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply local migrations: %w", err)
	}
	return nil
}

func (s *Store) recoverInFlight(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE local_entries SET sync_status = ? WHERE sync_status = ?`,
		models.SyncStatusPending, models.SyncStatusSyncing,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reset in-flight entries: %w", err)
	}
	return res.RowsAffected()
}

// Put upserts an entry. UpdatedAt is always stamped and, unless the caller supplies a
// status, every write (new or edited) leaves the entry pending with its sync error cleared
func (s *Store) Put(ctx context.Context, collection string, entry models.LocalEntry) (models.LocalEntry, error) {
	if err := models.ValidateCollection(collection); err != nil {
		return models.LocalEntry{}, err
	}
	if strings.TrimSpace(entry.ID) == "" {
		return models.LocalEntry{}, fmt.Errorf("entry id is required")
	}
	if len(entry.Data) == 0 {
		entry.Data = json.RawMessage(`{}`)
	}
	if !json.Valid(entry.Data) {
		return models.LocalEntry{}, fmt.Errorf("entry %s/%s: data is not valid JSON", collection, entry.ID)
	}

	now := s.now().UTC()
	entry.Collection = collection
	entry.UpdatedAt = now

	existing, err := s.Get(ctx, collection, entry.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = now
		}
		if entry.SyncStatus == "" {
			entry.SyncStatus = models.SyncStatusPending
		}
	case err != nil:
		return models.LocalEntry{}, err
	default:
		entry.CreatedAt = existing.CreatedAt
		if entry.SyncStatus == "" {
			entry.SyncStatus = models.SyncStatusPending
		}
		if entry.LastSyncAttempt == nil {
			entry.LastSyncAttempt = existing.LastSyncAttempt
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO local_entries (collection, id, data, sync_status, created_at, updated_at, last_sync_attempt, sync_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET
			data = excluded.data,
			sync_status = excluded.sync_status,
			updated_at = excluded.updated_at,
			last_sync_attempt = excluded.last_sync_attempt,
			sync_error = excluded.sync_error
	`,
		collection, entry.ID, string(entry.Data), entry.SyncStatus,
		toMillis(entry.CreatedAt), toMillis(entry.UpdatedAt), nullableMillis(entry.LastSyncAttempt), entry.SyncError,
	)
	if err != nil {
		return models.LocalEntry{}, fmt.Errorf("failed to put %s/%s: %w", collection, entry.ID, err)
	}

	return entry, nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (models.LocalEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT collection, id, data, sync_status, created_at, updated_at, last_sync_attempt, sync_error
		FROM local_entries
		WHERE collection = ? AND id = ?
	`, collection, id)

	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.LocalEntry{}, ErrNotFound
	}
	if err != nil {
		return models.LocalEntry{}, fmt.Errorf("failed to read %s/%s: %w", collection, id, err)
	}
	return entry, nil
}

// GetPendingByCollection returns pending entries oldest first
func (s *Store) GetPendingByCollection(ctx context.Context, collection string) ([]models.LocalEntry, error) {
	if err := models.ValidateCollection(collection); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT collection, id, data, sync_status, created_at, updated_at, last_sync_attempt, sync_error
		FROM local_entries
		WHERE collection = ? AND sync_status = ?
		ORDER BY created_at ASC, id ASC
	`, collection, models.SyncStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending %s: %w", collection, err)
	}
	defer rows.Close()

	var entries []models.LocalEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending %s: %w", collection, err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// MarkSyncing flags an entry as in flight. Open resets it to pending after a crash
func (s *Store) MarkSyncing(ctx context.Context, collection, id string) error {
	return s.setStatus(ctx, collection, id, "", models.SyncStatusSyncing, "", false)
}

// MarkSynced only moves an entry out of syncing. An entry edited while its upload was in
// flight is back to pending and stays there, so the newer data goes out on the next sweep
func (s *Store) MarkSynced(ctx context.Context, collection, id string) error {
	return s.setStatus(ctx, collection, id, models.SyncStatusSyncing, models.SyncStatusSynced, "", true)
}

// MarkError records the failure reason and stamps lastSyncAttempt
func (s *Store) MarkError(ctx context.Context, collection, id, reason string) error {
	return s.setStatus(ctx, collection, id, "", models.SyncStatusError, reason, true)
}

// Requeue moves error entries of a collection back to pending so the next sweep retries them
func (s *Store) Requeue(ctx context.Context, collection string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE local_entries SET sync_status = ?, updated_at = ? WHERE collection = ? AND sync_status = ?`,
		models.SyncStatusPending, toMillis(s.now()), collection, models.SyncStatusError,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue %s errors: %w", collection, err)
	}
	return res.RowsAffected()
}

// setStatus updates one entry. A non-empty from restricts the update to entries currently
// in that status; a miss on an existing entry is then not an error
func (s *Store) setStatus(ctx context.Context, collection, id string, from, status models.SyncStatus, reason string, stamp bool) error {
	now := toMillis(s.now())

	query := `UPDATE local_entries SET sync_status = ?, sync_error = ?, updated_at = ?`
	args := []any{status, reason, now}
	if stamp {
		query += `, last_sync_attempt = ?`
		args = append(args, now)
	}
	query += ` WHERE collection = ? AND id = ?`
	args = append(args, collection, id)
	if from != "" {
		query += ` AND sync_status = ?`
		args = append(args, from)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to mark %s/%s as %s: %w", collection, id, status, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if from == "" {
		return ErrNotFound
	}

	current, err := s.Get(ctx, collection, id)
	if err != nil {
		return err
	}
	s.logger.Debug("Entry changed during sync, status kept",
		"collection", collection, "id", id, "status", current.SyncStatus)
	return nil
}

// Cleanup deletes synced entries created before the retention window.
// Pending and error entries are never deleted, whatever their age
func (s *Store) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := s.now().Add(-time.Duration(retentionDays) * 24 * time.Hour)

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM local_entries WHERE sync_status = ? AND created_at < ?`,
		models.SyncStatusSynced, toMillis(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up synced entries: %w", err)
	}

	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("Local store cleanup removed synced entries", "count", n, "retention_days", retentionDays)
	}
	return n, nil
}

// Counts returns entry counts per collection and status
func (s *Store) Counts(ctx context.Context) (map[string]map[models.SyncStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT collection, sync_status, COUNT(*) FROM local_entries GROUP BY collection, sync_status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count entries: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]map[models.SyncStatus]int)
	for rows.Next() {
		var collection string
		var status models.SyncStatus
		var n int
		if err := rows.Scan(&collection, &status, &n); err != nil {
			return nil, err
		}
		if counts[collection] == nil {
			counts[collection] = make(map[models.SyncStatus]int)
		}
		counts[collection][status] = n
	}
	return counts, rows.Err()
}

// Close gracefully shuts down the database connection
func (s *Store) Close() error {
	s.logger.Info("Closing local store")
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (models.LocalEntry, error) {
	var (
		e         models.LocalEntry
		data      string
		createdAt int64
		updatedAt int64
		lastSync  sql.NullInt64
	)
	if err := sc.Scan(&e.Collection, &e.ID, &data, &e.SyncStatus, &createdAt, &updatedAt, &lastSync, &e.SyncError); err != nil {
		return models.LocalEntry{}, err
	}
	e.Data = json.RawMessage(data)
	e.CreatedAt = fromMillis(createdAt)
	e.UpdatedAt = fromMillis(updatedAt)
	if lastSync.Valid {
		t := fromMillis(lastSync.Int64)
		e.LastSyncAttempt = &t
	}
	return e, nil
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullableMillis(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}
