// Package app selects and builds the adapters named by the configuration.
// Each remote concern gets exactly one implementation per process
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Guizzs26/go-pos-sync/internal/blob"
	"github.com/Guizzs26/go-pos-sync/internal/broker"
	"github.com/Guizzs26/go-pos-sync/internal/config"
	"github.com/Guizzs26/go-pos-sync/internal/db"
	"github.com/Guizzs26/go-pos-sync/internal/lock"
	"github.com/Guizzs26/go-pos-sync/internal/remote"
	"github.com/Guizzs26/go-pos-sync/internal/service"
)

const (
	SyncLockKey = "pos:sync:lock"
	syncLockTTL = 30 * time.Second
)

// DialPrimary connects to the primary store selected by REMOTE_BACKEND
func DialPrimary(ctx context.Context, cfg *config.Config, logger *slog.Logger) (remote.PrimaryStore, func(), error) {
	switch cfg.RemoteBackend {
	case "postgres":
		r, err := db.NewPostgresRepository(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, nil, err
		}
		return r, r.Close, nil
	case "mysql":
		r, err := db.NewMySQLRepository(ctx, cfg.MySQLDSN, logger)
		if err != nil {
			return nil, nil, err
		}
		return r, func() { _ = r.Close() }, nil
	case "firebird":
		r, err := db.NewFirebirdRepository(ctx, cfg.FirebirdURL, logger)
		if err != nil {
			return nil, nil, err
		}
		return r, func() { _ = r.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown REMOTE_BACKEND %q", cfg.RemoteBackend)
	}
}

// DialHolding connects to the review holding queue selected by HOLDING_BACKEND.
// The RabbitMQ publisher dials lazily on its own, so it never fails here
func DialHolding(ctx context.Context, cfg *config.Config, logger *slog.Logger) (remote.HoldingQueue, func(), error) {
	switch cfg.HoldingBackend {
	case "postgres":
		r, err := db.NewPostgresRepository(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, nil, err
		}
		return r, r.Close, nil
	case "rabbitmq":
		p := broker.NewPublisher(cfg.RabbitMQURL, logger)
		return p, func() { _ = p.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown HOLDING_BACKEND %q", cfg.HoldingBackend)
	}
}

// NewLabelPrinter publishes label jobs when a broker is configured and logs them otherwise
func NewLabelPrinter(cfg *config.Config, logger *slog.Logger) (remote.LabelPrinter, func()) {
	if cfg.HoldingBackend == "rabbitmq" || cfg.LabelsViaBroker {
		p := broker.NewPublisher(cfg.RabbitMQURL, logger)
		return p, func() { _ = p.Close() }
	}
	return service.LogLabelPrinter{Logger: logger}, func() {}
}

// NewLocker returns the single-flight guard selected by SYNC_LOCK
func NewLocker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (remote.Locker, func(), error) {
	switch cfg.SyncLock {
	case "local":
		return lock.NewLocal(), func() {}, nil
	case "redis":
		rdb, err := lock.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return lock.NewRedis(rdb, SyncLockKey, syncLockTTL, logger), func() { _ = rdb.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown SYNC_LOCK %q", cfg.SyncLock)
	}
}

// NewBlobStore returns nil when no bucket is configured. Entries carrying inline images
// then fail their sync with a clear reason instead of losing the photo
func NewBlobStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (remote.BlobStore, func(), error) {
	if cfg.GCSBucket == "" {
		logger.Warn("GCS_BUCKET not set, inline images will not be uploaded")
		return nil, func() {}, nil
	}
	s, err := blob.NewGCSStore(ctx, cfg.GCSBucket, cfg.GCSCredentialsJSON)
	if err != nil {
		return nil, nil, err
	}
	return s, func() { _ = s.Close() }, nil
}
