package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Guizzs26/go-pos-sync/internal/localstore"
	"github.com/Guizzs26/go-pos-sync/internal/lock"
	"github.com/Guizzs26/go-pos-sync/internal/models"
	"github.com/Guizzs26/go-pos-sync/internal/remote"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type upsertCall struct {
	collection string
	key        string
	data       map[string]any
}

type recordingPrimary struct {
	*memPrimary
	mu      sync.Mutex
	calls   []upsertCall
	failFor map[string]error
	offline atomic.Bool
	// onUpsert runs before each upsert is recorded, outside the lock
	onUpsert func(collection string)
}

func newRecordingPrimary() *recordingPrimary {
	return &recordingPrimary{memPrimary: newMemPrimary(), failFor: map[string]error{}}
}

func (p *recordingPrimary) Upsert(_ context.Context, collection string, data map[string]any, key string) error {
	if p.onUpsert != nil {
		p.onUpsert(collection)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failFor[collection]; err != nil {
		return err
	}
	p.calls = append(p.calls, upsertCall{collection: collection, key: key, data: data})
	return nil
}

func (p *recordingPrimary) Ping(context.Context) error {
	if p.offline.Load() {
		return errors.New("connection refused")
	}
	return nil
}

func (p *recordingPrimary) upserts() []upsertCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]upsertCall(nil), p.calls...)
}

func (p *recordingPrimary) setFailure(collection string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failFor[collection] = err
}

type memBlobs struct {
	mu       sync.Mutex
	failNext int
	uploads  [][]byte
}

func (b *memBlobs) Upload(_ context.Context, data []byte, contentType string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failNext > 0 {
		b.failNext--
		return "", errors.New("bucket unavailable")
	}
	b.uploads = append(b.uploads, data)
	return fmt.Sprintf("https://blobs.test/%d?type=%s", len(b.uploads), contentType), nil
}

func openSyncStore(t *testing.T) *localstore.Store {
	t.Helper()
	s, err := localstore.Open(context.Background(), filepath.Join(t.TempDir(), "local.db"), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func putEntry(t *testing.T, s *localstore.Store, collection, id string, data map[string]any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	_, err = s.Put(context.Background(), collection, models.LocalEntry{ID: id, Data: raw})
	require.NoError(t, err)
}

func pngDataURL(t *testing.T, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func newTestSynchronizer(store LocalStore, primary *recordingPrimary, blobs *memBlobs) *Synchronizer {
	var b remote.BlobStore
	if blobs != nil {
		b = blobs
	}
	return NewSynchronizer(store, primary, b, lock.NewLocal(), discardLogger(), SynchronizerOptions{
		Interval:      time.Hour,
		ProbeInterval: 10 * time.Millisecond,
		RemoteTimeout: time.Second,
		RetentionDays: 7,
	})
}

func TestSweepFollowsCollectionOrder(t *testing.T) {
	store := openSyncStore(t)
	primary := newRecordingPrimary()
	ctx := context.Background()

	putEntry(t, store, models.CollectionProducts, "p1", map[string]any{"barcode": "789", "name": "Rice"})
	putEntry(t, store, models.CollectionEmployees, "e1", map[string]any{"login": "ana"})
	putEntry(t, store, models.CollectionSuppliers, "s1", map[string]any{"name": "Acme"})
	putEntry(t, store, models.CollectionLogs, "l1", map[string]any{"message": "closed register"})

	report := newTestSynchronizer(store, primary, nil).Sweep(ctx)

	assert.False(t, report.Skipped)
	assert.Equal(t, 4, report.Synced)
	assert.Zero(t, report.Failed)

	calls := primary.upserts()
	require.Len(t, calls, 4)
	assert.Equal(t, []string{"suppliers", "employees", "products", "logs"},
		[]string{calls[0].collection, calls[1].collection, calls[2].collection, calls[3].collection})
	assert.Equal(t, []string{"name", "login", "barcode", "id"},
		[]string{calls[0].key, calls[1].key, calls[2].key, calls[3].key})
	// logs carry no natural key of their own
	assert.Equal(t, "l1", calls[3].data["id"])

	e, err := store.Get(ctx, models.CollectionProducts, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSynced, e.SyncStatus)
	assert.NotNil(t, e.LastSyncAttempt)
}

func TestSweepIsolatesFailuresAndRetriesThem(t *testing.T) {
	store := openSyncStore(t)
	primary := newRecordingPrimary()
	primary.setFailure(models.CollectionSuppliers, errors.New("deadlock detected"))
	ctx := context.Background()

	putEntry(t, store, models.CollectionSuppliers, "s1", map[string]any{"name": "Acme"})
	putEntry(t, store, models.CollectionProducts, "p1", map[string]any{"barcode": "789"})

	s := newTestSynchronizer(store, primary, nil)
	report := s.Sweep(ctx)

	assert.Equal(t, 1, report.Synced)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "suppliers", report.Errors[0].Collection)
	assert.Equal(t, "s1", report.Errors[0].ID)
	assert.Contains(t, report.Errors[0].Reason, "deadlock detected")

	e, err := store.Get(ctx, models.CollectionSuppliers, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusError, e.SyncStatus)
	assert.Contains(t, e.SyncError, "deadlock detected")

	primary.setFailure(models.CollectionSuppliers, nil)
	report = s.Sweep(ctx)
	assert.Equal(t, 1, report.Synced)
	assert.Equal(t, report, s.LastReport())

	e, err = store.Get(ctx, models.CollectionSuppliers, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSynced, e.SyncStatus)
}

func TestSweepPushesEditedEntryAgain(t *testing.T) {
	store := openSyncStore(t)
	primary := newRecordingPrimary()
	ctx := context.Background()
	s := newTestSynchronizer(store, primary, nil)

	putEntry(t, store, models.CollectionSuppliers, "s1", map[string]any{"name": "Acme", "phone": "111"})
	require.Equal(t, 1, s.Sweep(ctx).Synced)

	putEntry(t, store, models.CollectionSuppliers, "s1", map[string]any{"name": "Acme", "phone": "222"})
	e, err := store.Get(ctx, models.CollectionSuppliers, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusPending, e.SyncStatus)

	assert.Equal(t, 1, s.Sweep(ctx).Synced)

	calls := primary.upserts()
	require.Len(t, calls, 2)
	assert.Equal(t, "222", calls[1].data["phone"])

	e, err = store.Get(ctx, models.CollectionSuppliers, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSynced, e.SyncStatus)
}

func TestSweepKeepsEntryEditedDuringUpload(t *testing.T) {
	store := openSyncStore(t)
	primary := newRecordingPrimary()
	ctx := context.Background()
	s := newTestSynchronizer(store, primary, nil)

	putEntry(t, store, models.CollectionEmployees, "e1", map[string]any{"login": "ana", "role": "cashier"})
	var edited atomic.Bool
	primary.onUpsert = func(string) {
		if edited.CompareAndSwap(false, true) {
			putEntry(t, store, models.CollectionEmployees, "e1", map[string]any{"login": "ana", "role": "manager"})
		}
	}

	s.Sweep(ctx)
	e, err := store.Get(ctx, models.CollectionEmployees, "e1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusPending, e.SyncStatus)

	s.Sweep(ctx)
	calls := primary.upserts()
	require.Len(t, calls, 2)
	assert.Equal(t, "cashier", calls[0].data["role"])
	assert.Equal(t, "manager", calls[1].data["role"])

	e, err = store.Get(ctx, models.CollectionEmployees, "e1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusSynced, e.SyncStatus)
}

func TestSweepMissingNaturalKey(t *testing.T) {
	store := openSyncStore(t)
	primary := newRecordingPrimary()

	putEntry(t, store, models.CollectionEmployees, "e1", map[string]any{"name": "Ana"})

	report := newTestSynchronizer(store, primary, nil).Sweep(context.Background())

	assert.Equal(t, 1, report.Failed)
	assert.Contains(t, report.Errors[0].Reason, "login")
	assert.Empty(t, primary.upserts())
}

func TestSweepIsSingleFlight(t *testing.T) {
	store := openSyncStore(t)
	primary := newRecordingPrimary()
	locker := lock.NewLocal()

	putEntry(t, store, models.CollectionSuppliers, "s1", map[string]any{"name": "Acme"})

	release, held, err := locker.TryAcquire(context.Background())
	require.NoError(t, err)
	require.True(t, held)

	s := NewSynchronizer(store, primary, nil, locker, discardLogger(), SynchronizerOptions{})
	report := s.Sweep(context.Background())
	assert.True(t, report.Skipped)
	assert.Empty(t, primary.upserts())

	release()
	report = s.Sweep(context.Background())
	assert.False(t, report.Skipped)
	assert.Equal(t, 1, report.Synced)
}

func TestSweepUploadsInlineImages(t *testing.T) {
	store := openSyncStore(t)
	primary := newRecordingPrimary()
	blobs := &memBlobs{failNext: 1}
	ctx := context.Background()

	putEntry(t, store, models.CollectionImages, "img-1", map[string]any{"product_barcode": "789", "url": pngDataURL(t, 4, 4)})
	putEntry(t, store, models.CollectionImages, "img-2", map[string]any{
		"product_barcode": "790",
		"url":             pngDataURL(t, 4, 4),
		"gallery":         []any{pngDataURL(t, 2, 2), "https://cdn.test/already.png"},
	})

	report := newTestSynchronizer(store, primary, blobs).Sweep(ctx)

	// the first upload fails and only its entry is affected
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Synced)
	assert.Equal(t, "img-1", report.Errors[0].ID)
	assert.Contains(t, report.Errors[0].Reason, "bucket unavailable")

	calls := primary.upserts()
	require.Len(t, calls, 1)
	assert.Equal(t, "img-2", calls[0].data["id"])
	assert.Equal(t, "https://blobs.test/2?type=image/png", calls[0].data["url"])
	assert.Equal(t, []any{"https://blobs.test/1?type=image/png", "https://cdn.test/already.png"}, calls[0].data["gallery"])

	e, err := store.Get(ctx, models.CollectionImages, "img-1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusError, e.SyncStatus)
}

func TestSweepInlineImageWithoutBlobStore(t *testing.T) {
	store := openSyncStore(t)
	primary := newRecordingPrimary()

	putEntry(t, store, models.CollectionImages, "img-1", map[string]any{"url": pngDataURL(t, 2, 2)})

	report := newTestSynchronizer(store, primary, nil).Sweep(context.Background())
	assert.Equal(t, 1, report.Failed)
	assert.Contains(t, report.Errors[0].Reason, "no blob store")
}

func TestPrepareImageDownscalesLargePhotos(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 3000, 1500))
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	out, contentType, err := prepareImage(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "image/png", contentType)

	cfg, err := png.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, MaxImageSide, cfg.Width)
	assert.Equal(t, MaxImageSide/2, cfg.Height)
}

func TestPrepareImageRejectsNonImages(t *testing.T) {
	_, _, err := prepareImage([]byte("%PDF-1.4 not a photo"))
	assert.ErrorIs(t, err, ErrNotImage)
}

func TestDecodeDataURL(t *testing.T) {
	_, inline, err := decodeDataURL("https://cdn.test/a.png")
	assert.False(t, inline)
	assert.NoError(t, err)

	_, inline, err = decodeDataURL("data:image/png,rawbytes")
	assert.True(t, inline)
	assert.Error(t, err)

	data, inline, err := decodeDataURL("data:text/plain;base64," + base64.StdEncoding.EncodeToString([]byte("hi")))
	assert.True(t, inline)
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), data)
}

func TestRunSweepsOnTrigger(t *testing.T) {
	store := openSyncStore(t)
	primary := newRecordingPrimary()
	s := newTestSynchronizer(store, primary, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, s.Online, time.Second, 5*time.Millisecond)

	putEntry(t, store, models.CollectionSuppliers, "s1", map[string]any{"name": "Acme"})
	s.Trigger()

	assert.Eventually(t, func() bool { return len(primary.upserts()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestRunSweepsWhenRemoteComesBack(t *testing.T) {
	store := openSyncStore(t)
	primary := newRecordingPrimary()
	primary.offline.Store(true)
	s := newTestSynchronizer(store, primary, nil)

	putEntry(t, store, models.CollectionSuppliers, "s1", map[string]any{"name": "Acme"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	time.Sleep(50 * time.Millisecond)
	assert.False(t, s.Online())
	assert.Empty(t, primary.upserts())

	primary.offline.Store(false)

	assert.Eventually(t, func() bool { return len(primary.upserts()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, s.Online())
}
