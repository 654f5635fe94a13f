// Package remote holds the capability contracts the intake core depends on.
// Concrete adapters live in internal/db, internal/broker and internal/blob and are
// selected once at startup.
package remote

import (
	"context"
	"errors"

	"github.com/Guizzs26/go-pos-sync/internal/models"
)

// ErrDuplicateKey marks a definitive natural key conflict. Any other failure is retryable
var ErrDuplicateKey = errors.New("duplicate natural key")

// ErrUnavailable is returned by adapters that are configured off or not connected yet
var ErrUnavailable = errors.New("remote backend unavailable")

// PrimaryStore is the system of record for products and the synced collections
type PrimaryStore interface {
	InsertProduct(ctx context.Context, p models.Product) (string, error)
	Upsert(ctx context.Context, collection string, data map[string]any, conflictKey string) error
	BarcodeExists(ctx context.Context, barcode string) (bool, error)
	Ping(ctx context.Context) error
}

// HoldingQueue receives captures that need a human before they can be committed
type HoldingQueue interface {
	CreatePendingEntry(ctx context.Context, entry models.PendingEntry) (string, error)
}

// BlobStore persists binary payloads and returns a URL to reference them
type BlobStore interface {
	Upload(ctx context.Context, data []byte, contentType string) (string, error)
}

// LabelPrinter dispatches shelf label jobs
type LabelPrinter interface {
	PrintLabels(ctx context.Context, labels []models.Label) error
}

// Locker grants single-flight execution. release must be called when held is true
type Locker interface {
	TryAcquire(ctx context.Context) (release func(), held bool, err error)
}
