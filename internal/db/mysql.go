package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/Guizzs26/go-pos-sync/internal/mapper"
	"github.com/Guizzs26/go-pos-sync/internal/models"
	"github.com/Guizzs26/go-pos-sync/internal/remote"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
)

// mysqlDuplicateEntry is ER_DUP_ENTRY
const mysqlDuplicateEntry = 1062

// MySQLRepository is the primary store behind the MySQL backend
type MySQLRepository struct {
	db      *sqlx.DB
	builder *mapper.SQLBuilder
	logger  *slog.Logger
}

func NewMySQLRepository(ctx context.Context, dsn string, logger *slog.Logger) (*MySQLRepository, error) {
	db, err := sqlx.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql connection: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("mysql ping failed: %w", err)
	}

	logger.Info("Connected to MySQL successfully")

	return &MySQLRepository{
		db:      db,
		builder: mapper.NewSQLBuilder(mapper.MySQL),
		logger:  logger,
	}, nil
}

func (r *MySQLRepository) InsertProduct(ctx context.Context, p models.Product) (string, error) {
	query, args, err := r.builder.BuildInsert(models.CollectionProducts, p.Row())
	if err != nil {
		return "", err
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return "", wrapMySQLError("insert product", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return "", fmt.Errorf("failed to read inserted id: %w", err)
	}
	return strconv.FormatInt(id, 10), nil
}

func (r *MySQLRepository) Upsert(ctx context.Context, collection string, data map[string]any, conflictKey string) error {
	query, args, err := r.builder.BuildUpsert(collection, conflictKey, data)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return wrapMySQLError("upsert "+collection, err)
	}
	return nil
}

func (r *MySQLRepository) BarcodeExists(ctx context.Context, barcode string) (bool, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM products WHERE barcode = ?`, barcode); err != nil {
		return false, fmt.Errorf("failed to check barcode: %w", err)
	}
	return n > 0, nil
}

func (r *MySQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *MySQLRepository) Close() error {
	r.logger.Info("Closing MySQL connection pool")
	return r.db.Close()
}

func wrapMySQLError(op string, err error) error {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry {
		return fmt.Errorf("%s: %s: %w", op, myErr.Message, remote.ErrDuplicateKey)
	}
	return fmt.Errorf("%s: %w", op, err)
}
