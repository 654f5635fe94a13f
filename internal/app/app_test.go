package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Guizzs26/go-pos-sync/internal/config"
	"github.com/Guizzs26/go-pos-sync/internal/lock"
	"github.com/Guizzs26/go-pos-sync/internal/models"
	"github.com/Guizzs26/go-pos-sync/internal/remote"
	"github.com/Guizzs26/go-pos-sync/internal/service"
	"github.com/Guizzs26/go-pos-sync/pkg/infra"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubPrimary struct {
	remote.PrimaryStore
	inserted atomic.Int32
}

func (s *stubPrimary) InsertProduct(context.Context, models.Product) (string, error) {
	s.inserted.Add(1)
	return "42", nil
}

func (s *stubPrimary) Ping(context.Context) error { return nil }

func TestDeferredPrimaryUnavailableUntilConnected(t *testing.T) {
	p := &DeferredPrimary{deferred[remote.PrimaryStore]{name: "postgres"}}

	_, err := p.InsertProduct(context.Background(), models.Product{Barcode: "1"})
	assert.ErrorIs(t, err, remote.ErrUnavailable)
	assert.ErrorIs(t, p.Ping(context.Background()), remote.ErrUnavailable)
	assert.False(t, p.Ready())

	stub := &stubPrimary{}
	closed := false
	p.set(stub, func() { closed = true })

	id, err := p.InsertProduct(context.Background(), models.Product{Barcode: "1"})
	require.NoError(t, err)
	assert.Equal(t, "42", id)
	assert.True(t, p.Ready())

	p.Close()
	p.Close()
	assert.True(t, closed)
}

func TestConnectRetriesUntilDialSucceeds(t *testing.T) {
	p := &DeferredPrimary{deferred[remote.PrimaryStore]{name: "mysql"}}

	var calls atomic.Int32
	dial := func(context.Context) (remote.PrimaryStore, func(), error) {
		if calls.Add(1) < 3 {
			return nil, nil, errors.New("connection refused")
		}
		return &stubPrimary{}, func() {}, nil
	}

	done := make(chan struct{})
	go func() {
		p.connect(context.Background(), dial, infra.NewBackoff(time.Millisecond, 5*time.Millisecond, 2), discardLogger())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not return")
	}
	assert.Equal(t, int32(3), calls.Load())
	assert.NoError(t, p.Ping(context.Background()))
}

func TestConnectStopsOnCancel(t *testing.T) {
	h := &DeferredHolding{deferred[remote.HoldingQueue]{name: "holding/postgres"}}
	ctx, cancel := context.WithCancel(context.Background())

	dial := func(context.Context) (remote.HoldingQueue, func(), error) {
		cancel()
		return nil, nil, errors.New("no route to host")
	}
	h.connect(ctx, dial, infra.NewBackoff(time.Hour, time.Hour, 2), discardLogger())

	_, err := h.CreatePendingEntry(context.Background(), models.PendingEntry{ID: "x"})
	assert.ErrorIs(t, err, remote.ErrUnavailable)
}

func TestUnknownBackends(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{RemoteBackend: "oracle", HoldingBackend: "kafka", SyncLock: "zookeeper"}

	_, _, err := DialPrimary(ctx, cfg, discardLogger())
	assert.ErrorContains(t, err, "REMOTE_BACKEND")
	_, _, err = DialHolding(ctx, cfg, discardLogger())
	assert.ErrorContains(t, err, "HOLDING_BACKEND")
	_, _, err = NewLocker(ctx, cfg, discardLogger())
	assert.ErrorContains(t, err, "SYNC_LOCK")
}

func TestOptionalAdapters(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{SyncLock: "local", HoldingBackend: "postgres"}

	locker, release, err := NewLocker(ctx, cfg, discardLogger())
	require.NoError(t, err)
	defer release()
	assert.IsType(t, &lock.Local{}, locker)

	blobs, closeBlobs, err := NewBlobStore(ctx, cfg, discardLogger())
	require.NoError(t, err)
	defer closeBlobs()
	assert.Nil(t, blobs)

	printer, closePrinter := NewLabelPrinter(cfg, discardLogger())
	defer closePrinter()
	assert.IsType(t, service.LogLabelPrinter{}, printer)
}
