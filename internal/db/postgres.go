package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Guizzs26/go-pos-sync/internal/mapper"
	"github.com/Guizzs26/go-pos-sync/internal/models"
	"github.com/Guizzs26/go-pos-sync/internal/remote"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// uniqueViolation is the SQLSTATE postgres raises on a duplicate key
const uniqueViolation = "23505"

// PostgresRepository is the Supabase/Postgres primary store and the human review
// holding table (pending_products)
type PostgresRepository struct {
	pool    *pgxpool.Pool
	builder *mapper.SQLBuilder
	logger  *slog.Logger
}

func NewPostgresRepository(ctx context.Context, connString string, logger *slog.Logger) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}

	config.MaxConns = 10
	config.MaxConnIdleTime = 10 * time.Minute

	p, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.Ping(pingCtx); err != nil {
		p.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	logger.Info("Connected to Postgres successfully")

	return &PostgresRepository{
		pool:    p,
		builder: mapper.NewSQLBuilder(mapper.Postgres),
		logger:  logger,
	}, nil
}

// InsertProduct inserts the product and returns the generated id
func (r *PostgresRepository) InsertProduct(ctx context.Context, p models.Product) (string, error) {
	query, args, err := r.builder.BuildInsert(models.CollectionProducts, p.Row())
	if err != nil {
		return "", err
	}

	var id string
	if err := r.pool.QueryRow(ctx, query+" RETURNING id::text", args...).Scan(&id); err != nil {
		return "", wrapPgError("insert product", err)
	}
	return id, nil
}

func (r *PostgresRepository) Upsert(ctx context.Context, collection string, data map[string]any, conflictKey string) error {
	query, args, err := r.builder.BuildUpsert(collection, conflictKey, data)
	if err != nil {
		return err
	}
	if _, err := r.pool.Exec(ctx, query, args...); err != nil {
		return wrapPgError("upsert "+collection, err)
	}
	return nil
}

func (r *PostgresRepository) BarcodeExists(ctx context.Context, barcode string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE barcode = $1)`, barcode).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check barcode: %w", err)
	}
	return exists, nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// CreatePendingEntry stores a capture for human review. Entry ids are client generated,
// so redelivered entries are ignored
func (r *PostgresRepository) CreatePendingEntry(ctx context.Context, entry models.PendingEntry) (string, error) {
	payload, err := json.Marshal(entry.Product)
	if err != nil {
		return "", fmt.Errorf("failed to serialize pending product: %w", err)
	}

	query := `
		INSERT INTO pending_products (id, record_id, barcode, name, payload, reason, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`
	_, err = r.pool.Exec(ctx, query,
		entry.ID,
		entry.RecordID,
		entry.Product.Barcode,
		entry.Product.Name,
		payload,
		entry.Reason,
		entry.Attempts,
		entry.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert pending product: %w", err)
	}
	return entry.ID, nil
}

func (r *PostgresRepository) Close() {
	r.logger.Info("Closing Postgres connection pool")
	r.pool.Close()
}

func wrapPgError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %s: %w", op, pgErr.Detail, remote.ErrDuplicateKey)
	}
	return fmt.Errorf("%s: %w", op, err)
}
