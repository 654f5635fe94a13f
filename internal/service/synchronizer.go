package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Guizzs26/go-pos-sync/internal/models"
	"github.com/Guizzs26/go-pos-sync/internal/remote"
	"github.com/Guizzs26/go-pos-sync/pkg/metrics"
)

// LocalStore is the slice of the durable local store the orchestrator works with
type LocalStore interface {
	GetPendingByCollection(ctx context.Context, collection string) ([]models.LocalEntry, error)
	MarkSyncing(ctx context.Context, collection, id string) error
	MarkSynced(ctx context.Context, collection, id string) error
	MarkError(ctx context.Context, collection, id, reason string) error
	Requeue(ctx context.Context, collection string) (int64, error)
	Cleanup(ctx context.Context, retentionDays int) (int64, error)
}

// SyncError is one failed entry (or collection, when ID is empty) of a sweep
type SyncError struct {
	Collection string `json:"collection"`
	ID         string `json:"id,omitempty"`
	Reason     string `json:"reason"`
}

// SweepReport is the queryable outcome of a sweep
type SweepReport struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Synced    int           `json:"synced"`
	Failed    int           `json:"failed"`
	Skipped   bool          `json:"skipped"`
	Removed   int64         `json:"removed"`
	Errors    []SyncError   `json:"errors,omitempty"`
}

type SynchronizerOptions struct {
	Interval      time.Duration
	ProbeInterval time.Duration
	RemoteTimeout time.Duration
	RetentionDays int
}

func DefaultSynchronizerOptions() SynchronizerOptions {
	return SynchronizerOptions{
		Interval:      30 * time.Second,
		ProbeInterval: 5 * time.Second,
		RemoteTimeout: 10 * time.Second,
		RetentionDays: 7,
	}
}

// Synchronizer sweeps pending local entries to the primary store
type Synchronizer struct {
	local   LocalStore
	primary remote.PrimaryStore
	blobs   remote.BlobStore
	locker  remote.Locker
	logger  *slog.Logger
	opts    SynchronizerOptions

	trigger chan struct{}
	online  atomic.Bool

	mu   sync.Mutex
	last SweepReport
}

func NewSynchronizer(local LocalStore, primary remote.PrimaryStore, blobs remote.BlobStore, locker remote.Locker, logger *slog.Logger, opts SynchronizerOptions) *Synchronizer {
	def := DefaultSynchronizerOptions()
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = def.ProbeInterval
	}
	if opts.RemoteTimeout <= 0 {
		opts.RemoteTimeout = def.RemoteTimeout
	}
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = def.RetentionDays
	}

	return &Synchronizer{
		local:   local,
		primary: primary,
		blobs:   blobs,
		locker:  locker,
		logger:  logger,
		opts:    opts,
		trigger: make(chan struct{}, 1),
	}
}

// Run sweeps once at start, then on every tick, on Trigger and whenever the remote
// comes back online. It blocks until the context is canceled
func (s *Synchronizer) Run(ctx context.Context) {
	sweepTicker := time.NewTicker(s.opts.Interval)
	defer sweepTicker.Stop()
	probeTicker := time.NewTicker(s.opts.ProbeInterval)
	defer probeTicker.Stop()

	s.logger.Info("🔄 Sync orchestrator started", "interval", s.opts.Interval)

	if s.probe(ctx) {
		s.Sweep(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Sync orchestrator shutting down...")
			return
		case <-s.trigger:
			s.Sweep(ctx)
		case <-sweepTicker.C:
			if !s.online.Load() {
				s.logger.Debug("Remote is offline, skipping scheduled sweep")
				continue
			}
			s.Sweep(ctx)
		case <-probeTicker.C:
			wasOnline := s.online.Load()
			if s.probe(ctx) && !wasOnline {
				s.logger.Info("Remote reachable again, sweeping")
				s.Sweep(ctx)
			}
		}
	}
}

// Trigger requests a sweep from the running loop. Requests coalesce while one is waiting
func (s *Synchronizer) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Synchronizer) Online() bool {
	return s.online.Load()
}

func (s *Synchronizer) LastReport() SweepReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Synchronizer) probe(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, s.opts.RemoteTimeout)
	defer cancel()

	ok := s.primary.Ping(pingCtx) == nil
	s.online.Store(ok)
	if ok {
		metrics.RemoteHealthy.Set(1)
	} else {
		metrics.RemoteHealthy.Set(0)
	}
	return ok
}

// Sweep pushes every pending entry, collection by collection. A sweep requested while
// another one runs returns a skipped report immediately
func (s *Synchronizer) Sweep(ctx context.Context) SweepReport {
	release, held, err := s.locker.TryAcquire(ctx)
	if err != nil {
		s.logger.Error("Sync lock unavailable, skipping sweep", "error", err)
		metrics.SweepsSkipped.Inc()
		return SweepReport{Skipped: true, Errors: []SyncError{{Reason: err.Error()}}}
	}
	if !held {
		s.logger.Debug("Sweep already running, skipping")
		metrics.SweepsSkipped.Inc()
		return SweepReport{Skipped: true}
	}
	defer release()

	start := time.Now()
	report := SweepReport{StartedAt: start}

	for _, collection := range models.SyncOrder {
		if ctx.Err() != nil {
			break
		}
		s.sweepCollection(ctx, collection, &report)
	}

	removed, err := s.local.Cleanup(context.WithoutCancel(ctx), s.opts.RetentionDays)
	if err != nil {
		s.logger.Error("Local store cleanup failed", "error", err)
	}
	report.Removed = removed
	report.Duration = time.Since(start)

	metrics.SweepDuration.Observe(report.Duration.Seconds())
	metrics.LocalBacklog.Set(float64(report.Failed))

	s.mu.Lock()
	s.last = report
	s.mu.Unlock()

	if report.Synced > 0 || report.Failed > 0 {
		s.logger.Info("Sweep telemetry",
			"synced", report.Synced,
			"failed", report.Failed,
			"removed", report.Removed,
			"duration_ms", report.Duration.Milliseconds(),
		)
	}
	return report
}

func (s *Synchronizer) sweepCollection(ctx context.Context, collection string, report *SweepReport) {
	// errored entries get another chance every sweep
	if _, err := s.local.Requeue(ctx, collection); err != nil {
		s.logger.Warn("Failed to requeue errored entries", "collection", collection, "error", err)
	}

	entries, err := s.local.GetPendingByCollection(ctx, collection)
	if err != nil {
		s.logger.Error("Failed to read pending entries", "collection", collection, "error", err)
		report.Errors = append(report.Errors, SyncError{Collection: collection, Reason: err.Error()})
		return
	}

	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}

		l := s.logger.With("collection", collection, "id", e.ID)

		if err := s.syncEntry(ctx, e); err != nil {
			l.Warn("Entry sync failed", "error", err)
			report.Failed++
			report.Errors = append(report.Errors, SyncError{Collection: collection, ID: e.ID, Reason: err.Error()})
			metrics.EntriesSynced.WithLabelValues("error", collection).Inc()

			if merr := s.local.MarkError(context.WithoutCancel(ctx), collection, e.ID, err.Error()); merr != nil {
				l.Error("Failed to record sync error", "error", merr)
			}
			continue
		}

		report.Synced++
		metrics.EntriesSynced.WithLabelValues("synced", collection).Inc()
	}
}

func (s *Synchronizer) syncEntry(ctx context.Context, e models.LocalEntry) error {
	if err := s.local.MarkSyncing(ctx, e.Collection, e.ID); err != nil {
		return fmt.Errorf("failed to mark syncing: %w", err)
	}

	fields, err := e.Fields()
	if err != nil {
		return fmt.Errorf("malformed entry data: %w", err)
	}

	if err := s.uploadInlineImages(ctx, fields); err != nil {
		return err
	}

	key := models.TableRegistry[e.Collection]
	if v, ok := fields[key]; !ok || v == nil || v == "" {
		if key != "id" {
			return fmt.Errorf("natural key %s missing", key)
		}
		fields["id"] = e.ID
	}

	opCtx, cancel := context.WithTimeout(ctx, s.opts.RemoteTimeout)
	err = s.primary.Upsert(opCtx, e.Collection, fields, key)
	cancel()
	if err != nil {
		return fmt.Errorf("remote upsert failed: %w", err)
	}

	return s.local.MarkSynced(context.WithoutCancel(ctx), e.Collection, e.ID)
}

// uploadInlineImages replaces every base64 data URL in fields (top level strings and
// string lists) by the URL of the uploaded blob
func (s *Synchronizer) uploadInlineImages(ctx context.Context, fields map[string]any) error {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		switch v := fields[k].(type) {
		case string:
			url, err := s.uploadIfInline(ctx, v)
			if err != nil {
				return fmt.Errorf("field %s: %w", k, err)
			}
			fields[k] = url
		case []any:
			for i, item := range v {
				str, ok := item.(string)
				if !ok {
					continue
				}
				url, err := s.uploadIfInline(ctx, str)
				if err != nil {
					return fmt.Errorf("field %s[%d]: %w", k, i, err)
				}
				v[i] = url
			}
		}
	}
	return nil
}

func (s *Synchronizer) uploadIfInline(ctx context.Context, value string) (string, error) {
	raw, inline, err := decodeDataURL(value)
	if !inline {
		return value, nil
	}
	if err != nil {
		return "", err
	}
	if s.blobs == nil {
		return "", errors.New("inline image found but no blob store is configured")
	}

	data, contentType, err := prepareImage(raw)
	if err != nil {
		return "", err
	}

	opCtx, cancel := context.WithTimeout(ctx, s.opts.RemoteTimeout)
	defer cancel()
	url, err := s.blobs.Upload(opCtx, data, contentType)
	if err != nil {
		return "", fmt.Errorf("image upload failed: %w", err)
	}
	return url, nil
}
