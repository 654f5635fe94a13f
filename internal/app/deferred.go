package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Guizzs26/go-pos-sync/internal/config"
	"github.com/Guizzs26/go-pos-sync/internal/models"
	"github.com/Guizzs26/go-pos-sync/internal/remote"
	"github.com/Guizzs26/go-pos-sync/pkg/infra"
)

type dialFunc[T any] func(ctx context.Context) (T, func(), error)

// deferred holds an adapter that is dialed in the background. The till must start and
// take captures with the network down, so callers get ErrUnavailable until the link is up
type deferred[T any] struct {
	name string

	mu    sync.RWMutex
	v     T
	ok    bool
	close func()
}

func (d *deferred[T]) get() (T, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.ok {
		var zero T
		return zero, fmt.Errorf("%s: %w", d.name, remote.ErrUnavailable)
	}
	return d.v, nil
}

func (d *deferred[T]) set(v T, closeFn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.v, d.ok, d.close = v, true, closeFn
}

func (d *deferred[T]) Ready() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ok
}

func (d *deferred[T]) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.close != nil {
		d.close()
		d.close = nil
	}
}

// connect dials until it succeeds or ctx is canceled
func (d *deferred[T]) connect(ctx context.Context, dial dialFunc[T], backoff *infra.Backoff, logger *slog.Logger) {
	for {
		v, closeFn, err := dial(ctx)
		if err == nil {
			d.set(v, closeFn)
			logger.Info("✅ Remote link established", "backend", d.name, "attempts", backoff.Attempts()+1)
			return
		}

		wait := backoff.Next()
		logger.Error("Remote link failure, retrying", "backend", d.name, "wait", wait, "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// DeferredPrimary is a PrimaryStore whose connection is established in the background
type DeferredPrimary struct {
	deferred[remote.PrimaryStore]
}

func (p *DeferredPrimary) InsertProduct(ctx context.Context, prod models.Product) (string, error) {
	s, err := p.get()
	if err != nil {
		return "", err
	}
	return s.InsertProduct(ctx, prod)
}

func (p *DeferredPrimary) Upsert(ctx context.Context, collection string, data map[string]any, conflictKey string) error {
	s, err := p.get()
	if err != nil {
		return err
	}
	return s.Upsert(ctx, collection, data, conflictKey)
}

func (p *DeferredPrimary) BarcodeExists(ctx context.Context, barcode string) (bool, error) {
	s, err := p.get()
	if err != nil {
		return false, err
	}
	return s.BarcodeExists(ctx, barcode)
}

func (p *DeferredPrimary) Ping(ctx context.Context) error {
	s, err := p.get()
	if err != nil {
		return err
	}
	return s.Ping(ctx)
}

// DeferredHolding is a HoldingQueue whose connection is established in the background
type DeferredHolding struct {
	deferred[remote.HoldingQueue]
}

func (h *DeferredHolding) CreatePendingEntry(ctx context.Context, entry models.PendingEntry) (string, error) {
	q, err := h.get()
	if err != nil {
		return "", err
	}
	return q.CreatePendingEntry(ctx, entry)
}

func reconnectBackoff() *infra.Backoff {
	return infra.NewBackoff(1*time.Second, 60*time.Second, 2.0)
}

// ConnectPrimary returns immediately and dials the configured primary store in the background
func ConnectPrimary(ctx context.Context, cfg *config.Config, logger *slog.Logger) *DeferredPrimary {
	p := &DeferredPrimary{deferred[remote.PrimaryStore]{name: cfg.RemoteBackend}}
	go p.connect(ctx, func(ctx context.Context) (remote.PrimaryStore, func(), error) {
		return DialPrimary(ctx, cfg, logger)
	}, reconnectBackoff(), logger)
	return p
}

// ConnectHolding returns immediately and dials the configured holding queue in the background
func ConnectHolding(ctx context.Context, cfg *config.Config, logger *slog.Logger) *DeferredHolding {
	h := &DeferredHolding{deferred[remote.HoldingQueue]{name: "holding/" + cfg.HoldingBackend}}
	go h.connect(ctx, func(ctx context.Context) (remote.HoldingQueue, func(), error) {
		return DialHolding(ctx, cfg, logger)
	}, reconnectBackoff(), logger)
	return h
}
