package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/Guizzs26/go-pos-sync/internal/mapper"
	"github.com/Guizzs26/go-pos-sync/internal/models"
	"github.com/Guizzs26/go-pos-sync/internal/remote"

	_ "github.com/nakagami/firebirdsql"
)

// lockRetries bounds the internal retry on Firebird lock contention
const lockRetries = 3

// FirebirdRepository is the primary store for stores still running the legacy Firebird 2.5 database
type FirebirdRepository struct {
	db      *sql.DB
	builder *mapper.SQLBuilder
	logger  *slog.Logger
}

// NewFirebirdRepository initializes a connection pool for Firebird 2.5
func NewFirebirdRepository(ctx context.Context, connString string, logger *slog.Logger) (*FirebirdRepository, error) {
	db, err := sql.Open("firebirdsql", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open firebird connection: %w", err)
	}

	// Connection pool settings optimized for legacy systems
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("firebird ping failed: %w", err)
	}

	logger.Info("Connected to Firebird successfully", "dialect", 3)

	return &FirebirdRepository{
		db:      db,
		builder: mapper.NewSQLBuilder(mapper.Firebird),
		logger:  logger,
	}, nil
}

// InsertProduct allocates the id from the INDICE table and inserts in the same transaction
func (r *FirebirdRepository) InsertProduct(ctx context.Context, p models.Product) (string, error) {
	row := p.Row()
	var id int

	err := r.withLockRetry(ctx, func(ctx context.Context) error {
		tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}
		// Rollback is a no-op once Commit succeeded
		defer tx.Rollback()

		id, err = r.nextID(ctx, tx, "GEN_PRODUCTS_ID")
		if err != nil {
			return err
		}
		row["id"] = id

		query, args, err := r.builder.BuildInsert(models.CollectionProducts, row)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return wrapFirebirdError("insert product", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	return strconv.Itoa(id), nil
}

// Upsert relies on UPDATE OR INSERT ... MATCHING, so it never raises a key conflict on conflictKey
func (r *FirebirdRepository) Upsert(ctx context.Context, collection string, data map[string]any, conflictKey string) error {
	query, args, err := r.builder.BuildUpsert(collection, conflictKey, data)
	if err != nil {
		return err
	}
	return r.withLockRetry(ctx, func(ctx context.Context) error {
		if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
			return wrapFirebirdError("upsert "+collection, err)
		}
		return nil
	})
}

func (r *FirebirdRepository) BarcodeExists(ctx context.Context, barcode string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `SELECT FIRST 1 1 FROM PRODUCTS WHERE BARCODE = ?`, barcode).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check barcode: %w", err)
	}
	return true, nil
}

func (r *FirebirdRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// nextID emulates the Delphi application protocol by incrementing the INDICE table.
// It must run in the same transaction as the insert that uses the id
func (r *FirebirdRepository) nextID(ctx context.Context, tx *sql.Tx, generatorName string) (int, error) {
	res, err := tx.ExecContext(ctx, `UPDATE INDICE SET VALOR = VALOR + 1 WHERE NOME = ?`, generatorName)
	if err != nil {
		return 0, fmt.Errorf("failed to increment index %s: %w", generatorName, err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return 0, fmt.Errorf("generator name '%s' not found in INDICE table", generatorName)
	}

	var nextID int
	if err := tx.QueryRowContext(ctx, `SELECT VALOR FROM INDICE WHERE NOME = ?`, generatorName).Scan(&nextID); err != nil {
		return 0, fmt.Errorf("failed to retrieve updated index %s: %w", generatorName, err)
	}

	r.logger.Debug("Generated new ID", "generator", generatorName, "id", nextID)
	return nextID, nil
}

// withLockRetry retries fn with a short linear backoff while Firebird reports lock contention
func (r *FirebirdRepository) withLockRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= lockRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !isLockConflict(err) {
			return err
		}
		lastErr = err

		// Attempt 1: 200ms, Attempt 2: 400ms, Attempt 3: 600ms
		backoff := time.Duration(attempt) * 200 * time.Millisecond
		r.logger.Warn("Firebird lock contention detected, retrying internally",
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("failed after %d attempts (last error: %w)", lockRetries, lastErr)
}

// Close gracefully shuts down the database connection pool
func (r *FirebirdRepository) Close() error {
	r.logger.Info("Closing Firebird connection pool")
	return r.db.Close()
}

func wrapFirebirdError(op string, err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "violation of primary or unique key") {
		return fmt.Errorf("%s: %v: %w", op, err, remote.ErrDuplicateKey)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isLockConflict detects common Firebird concurrency errors:
// deadlock, lock conflict, concurrent update and ISC 335544336
func isLockConflict(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "deadlock") ||
		strings.Contains(msg, "lock conflict") ||
		strings.Contains(msg, "concurrent update") ||
		strings.Contains(msg, "335544336")
}
