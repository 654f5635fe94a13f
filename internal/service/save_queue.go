package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Guizzs26/go-pos-sync/internal/localstore"
	"github.com/Guizzs26/go-pos-sync/internal/models"
	"github.com/Guizzs26/go-pos-sync/internal/processor"
	"github.com/Guizzs26/go-pos-sync/internal/remote"
	"github.com/Guizzs26/go-pos-sync/pkg/infra"
	"github.com/Guizzs26/go-pos-sync/pkg/metrics"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	// SnapshotKey is where the queue is persisted in the local store
	SnapshotKey = "save_queue"

	DefaultMaxAttempts = 10
	// DefaultFallbackAttempts is when a priced capture starts going to review instead
	DefaultFallbackAttempts = DefaultMaxAttempts / 2
)

// FallbackAttempts is the attempt count after which a priced capture is sent to review,
// half of maxAttempts and never below one
func FallbackAttempts(maxAttempts int) int {
	return max(maxAttempts/2, 1)
}

var (
	ErrRecordNotFound = errors.New("queue record not found")
	ErrNotRetryable   = errors.New("queue record is not in terminal error state")
	ErrEmptyCapture   = errors.New("capture has neither barcode nor name")
	ErrAlreadyStarted = errors.New("save queue already started")
)

// SnapshotStore persists the queue as one value
type SnapshotStore interface {
	LoadSnapshot(ctx context.Context, key string) ([]byte, error)
	SaveSnapshot(ctx context.Context, key string, data []byte) error
}

// Enricher fills capture gaps from reference data
type Enricher interface {
	Enrich(p models.Product) models.Product
}

// BarcodeMinter issues fresh unique barcodes
type BarcodeMinter interface {
	Generate(ctx context.Context, n int) ([]string, error)
}

// Attempter runs a single remote attempt for a record
type Attempter interface {
	Process(ctx context.Context, rec models.QueueRecord) processor.Result
}

type SaveQueueOptions struct {
	Schedule      infra.Schedule
	MaxAttempts   int
	BatchSize     int
	IdleInterval  time.Duration
	PurgeAfter    time.Duration
	RemoteTimeout time.Duration
	Now           func() time.Time
}

func DefaultSaveQueueOptions() SaveQueueOptions {
	return SaveQueueOptions{
		Schedule:      infra.DefaultRetrySchedule,
		MaxAttempts:   DefaultMaxAttempts,
		BatchSize:     3,
		IdleInterval:  2 * time.Second,
		PurgeAfter:    5 * time.Minute,
		RemoteTimeout: 10 * time.Second,
		Now:           time.Now,
	}
}

// SaveQueue buffers product captures and drains them to the remote stores in the background.
// Only the loop goroutine selects work, and a batch completes before the next selection,
// so a record never has two attempts in flight.
type SaveQueue struct {
	store    SnapshotStore
	enricher Enricher
	handler  Attempter
	minter   BarcodeMinter
	printer  remote.LabelPrinter
	logger   *slog.Logger
	opts     SaveQueueOptions

	mu      sync.Mutex
	records []models.QueueRecord

	persistMu sync.Mutex
	wake      chan struct{}

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSaveQueue(
	store SnapshotStore,
	enricher Enricher,
	handler Attempter,
	minter BarcodeMinter,
	printer remote.LabelPrinter,
	logger *slog.Logger,
	opts SaveQueueOptions,
) *SaveQueue {
	def := DefaultSaveQueueOptions()
	if len(opts.Schedule) == 0 {
		opts.Schedule = def.Schedule
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.IdleInterval <= 0 {
		opts.IdleInterval = def.IdleInterval
	}
	if opts.PurgeAfter <= 0 {
		opts.PurgeAfter = def.PurgeAfter
	}
	if opts.RemoteTimeout <= 0 {
		opts.RemoteTimeout = def.RemoteTimeout
	}
	if opts.Now == nil {
		opts.Now = def.Now
	}

	return &SaveQueue{
		store:    store,
		enricher: enricher,
		handler:  handler,
		minter:   minter,
		printer:  printer,
		logger:   logger,
		opts:     opts,
		wake:     make(chan struct{}, 1),
	}
}

// Start restores the persisted queue and launches the drain loop. It stops when ctx is
// canceled or Stop is called
func (q *SaveQueue) Start(ctx context.Context) error {
	q.runMu.Lock()
	defer q.runMu.Unlock()

	if q.cancel != nil {
		return ErrAlreadyStarted
	}
	if err := q.restore(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.done = make(chan struct{})

	go q.run(loopCtx, q.done)

	q.logger.Info("Save queue started", "records", len(q.Records()))
	return nil
}

// Stop cancels the loop, waits for in-flight attempts to settle and persists the final state
func (q *SaveQueue) Stop() {
	q.runMu.Lock()
	defer q.runMu.Unlock()

	if q.cancel == nil {
		return
	}
	q.cancel()
	<-q.done
	q.cancel = nil

	q.persist(context.Background())
	q.logger.Info("Save queue stopped")
}

func (q *SaveQueue) restore(ctx context.Context) error {
	data, err := q.store.LoadSnapshot(ctx, SnapshotKey)
	if errors.Is(err, localstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load save queue snapshot: %w", err)
	}

	var records []models.QueueRecord
	if err := json.Unmarshal(data, &records); err != nil {
		q.logger.Error("Save queue snapshot is corrupt, starting empty", "error", err)
		return nil
	}

	var rescued, exhausted int
	for i := range records {
		r := &records[i]
		if r.Status == models.QueueStatusSaving {
			r.Status = models.QueueStatusPending
			rescued++
		}
		if r.Status == models.QueueStatusPending && r.Attempts >= q.opts.MaxAttempts {
			r.Status = models.QueueStatusFailed
			exhausted++
		}
	}

	q.mu.Lock()
	q.records = records
	q.mu.Unlock()

	if rescued > 0 {
		q.logger.Warn("Save queue: rescued records left in saving state", "count", rescued)
	}
	if exhausted > 0 {
		q.logger.Warn("Save queue: records already past the attempt limit", "count", exhausted)
	}

	q.persist(ctx)
	q.refreshGauges()
	return nil
}

// Add enriches the capture and appends a new pending record. Identical captures are
// never merged
func (q *SaveQueue) Add(ctx context.Context, p models.Product) (models.QueueRecord, error) {
	p.Barcode = strings.TrimSpace(p.Barcode)
	if p.Barcode == "" && strings.TrimSpace(p.Name) == "" {
		return models.QueueRecord{}, ErrEmptyCapture
	}
	if q.enricher != nil {
		p = q.enricher.Enrich(p)
	}

	now := q.opts.Now()
	rec := models.QueueRecord{
		ID:        uuid.NewString(),
		Payload:   p,
		HasPrice:  p.HasPrice(),
		Status:    models.QueueStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	q.mu.Lock()
	q.records = append(q.records, rec)
	q.mu.Unlock()

	q.persist(ctx)
	q.refreshGauges()
	q.signal()

	q.logger.Info("Capture enqueued", "record_id", rec.ID, "barcode", p.Barcode, "has_price", rec.HasPrice)
	return rec, nil
}

func (q *SaveQueue) Stats() models.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return StatsOf(q.records)
}

// Records returns a copy of the queue in insertion order
func (q *SaveQueue) Records() []models.QueueRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.records)
}

// ClearCompleted drops saved and queued records and returns how many were removed
func (q *SaveQueue) ClearCompleted(ctx context.Context) int {
	q.mu.Lock()
	before := len(q.records)
	q.records = slices.DeleteFunc(q.records, func(r models.QueueRecord) bool {
		return r.Status.Completed()
	})
	removed := before - len(q.records)
	q.mu.Unlock()

	if removed > 0 {
		q.persist(ctx)
		q.refreshGauges()
	}
	return removed
}

// Retry puts an exhausted record back in line with a fresh attempt budget
func (q *SaveQueue) Retry(ctx context.Context, id string) (models.QueueRecord, error) {
	q.mu.Lock()
	idx := q.indexOf(id)
	if idx < 0 {
		q.mu.Unlock()
		return models.QueueRecord{}, ErrRecordNotFound
	}
	r := &q.records[idx]
	if r.Status != models.QueueStatusFailed {
		q.mu.Unlock()
		return models.QueueRecord{}, fmt.Errorf("%w: %s", ErrNotRetryable, r.Status)
	}
	r.Status = models.QueueStatusPending
	r.Attempts = 0
	r.LastAttempt = time.Time{}
	r.UpdatedAt = q.opts.Now()
	rec := *r
	q.mu.Unlock()

	q.persist(ctx)
	q.refreshGauges()
	q.signal()

	q.logger.Info("Record manually requeued", "record_id", id)
	return rec, nil
}

func (q *SaveQueue) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		if ctx.Err() != nil {
			return
		}

		batch := q.nextBatch()
		if len(batch) == 0 {
			q.purge(ctx)
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
			case <-time.After(q.opts.IdleInterval):
			}
			continue
		}

		var g errgroup.Group
		for _, id := range batch {
			g.Go(func() error {
				q.processRecord(ctx, id)
				return nil
			})
		}
		_ = g.Wait()
	}
}

// nextBatch picks the oldest pending records that still have attempts left
func (q *SaveQueue) nextBatch() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	batch := make([]string, 0, q.opts.BatchSize)
	for _, r := range q.records {
		if r.Status == models.QueueStatusPending && r.Attempts < q.opts.MaxAttempts {
			batch = append(batch, r.ID)
			if len(batch) == q.opts.BatchSize {
				break
			}
		}
	}
	return batch
}

func (q *SaveQueue) processRecord(ctx context.Context, id string) {
	rec, ok := q.get(id)
	if !ok || rec.Status != models.QueueStatusPending {
		return
	}

	if wait := q.opts.Schedule.Remaining(rec.Attempts, rec.LastAttempt, q.opts.Now()); wait > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}

	q.mu.Lock()
	idx := q.indexOf(id)
	if idx < 0 || q.records[idx].Status != models.QueueStatusPending {
		q.mu.Unlock()
		return
	}
	now := q.opts.Now()
	r := &q.records[idx]
	prevAttempt := r.LastAttempt
	r.Status = models.QueueStatusSaving
	r.Attempts++
	r.LastAttempt = now
	r.UpdatedAt = now
	rec = *r
	q.mu.Unlock()

	q.persist(ctx)
	q.refreshGauges()

	res := q.handler.Process(ctx, rec)

	// an attempt cut short by Stop does not count against the record
	if res.Outcome == processor.OutcomeRetry && ctx.Err() != nil {
		q.abandon(rec.ID, prevAttempt)
		return
	}

	var spawned []models.QueueRecord
	var labels []models.Label
	if res.Outcome == processor.OutcomeCollision {
		res, spawned, labels = q.resolveCollision(ctx, rec, res.Err)
	}

	q.finish(rec, res, spawned)
	q.persist(ctx)
	q.refreshGauges()

	if len(spawned) > 0 {
		q.printLabels(ctx, rec.ID, labels)
		q.signal()
	}
}

// abandon puts a record interrupted by shutdown back to pending with its attempt uncounted.
// Stop persists the queue once the workers are gone
func (q *SaveQueue) abandon(id string, prevAttempt time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexOf(id)
	if idx < 0 || q.records[idx].Status != models.QueueStatusSaving {
		return
	}
	r := &q.records[idx]
	r.Status = models.QueueStatusPending
	r.Attempts--
	r.LastAttempt = prevAttempt
	r.UpdatedAt = q.opts.Now()
	q.logger.Info("Attempt interrupted by shutdown, not counted", "record_id", id)
}

// finish applies the attempt result; spawned records join the queue in the same step
func (q *SaveQueue) finish(rec models.QueueRecord, res processor.Result, spawned []models.QueueRecord) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexOf(rec.ID)
	if idx < 0 {
		return
	}
	r := &q.records[idx]
	r.UpdatedAt = q.opts.Now()

	l := q.logger.With("record_id", r.ID, "attempt", r.Attempts)
	outcome := res.Outcome.String()

	switch res.Outcome {
	case processor.OutcomeSaved:
		r.Status = models.QueueStatusSaved
		r.RemoteID = res.RemoteID
		r.Error = ""
	case processor.OutcomeQueued:
		r.Status = models.QueueStatusQueued
		r.Note = res.Note
		r.Error = ""
	default:
		if res.Err != nil {
			r.Error = res.Err.Error()
		}
		if r.Attempts >= q.opts.MaxAttempts {
			r.Status = models.QueueStatusFailed
			outcome = "exhausted"
			l.Error("Record exhausted its attempts, keeping it for manual review", "error", r.Error)
		} else {
			r.Status = models.QueueStatusPending
		}
	}

	if len(spawned) > 0 {
		outcome = "collision"
		q.records = append(q.records, spawned...)
	}
	metrics.QueueAttempts.WithLabelValues(outcome).Inc()
}

// resolveCollision mints one barcode per unit of the colliding capture and turns each into
// its own single-unit record. The original is closed as queued with a note naming them
func (q *SaveQueue) resolveCollision(ctx context.Context, rec models.QueueRecord, cause error) (processor.Result, []models.QueueRecord, []models.Label) {
	if q.minter == nil {
		return processor.Result{Outcome: processor.OutcomeRetry, Err: cause}, nil, nil
	}

	n := max(rec.Payload.Quantity, 1)
	mintCtx, cancel := context.WithTimeout(ctx, q.opts.RemoteTimeout)
	codes, err := q.minter.Generate(mintCtx, n)
	cancel()
	if err != nil {
		return processor.Result{
			Outcome: processor.OutcomeRetry,
			Err:     fmt.Errorf("barcode collision unresolved: %w", errors.Join(cause, err)),
		}, nil, nil
	}

	now := q.opts.Now()
	spawned := make([]models.QueueRecord, 0, len(codes))
	labels := make([]models.Label, 0, len(codes))
	for _, code := range codes {
		p := rec.Payload
		p.Barcode = code
		p.Quantity = 1
		p.PhotoURLs = slices.Clone(rec.Payload.PhotoURLs)

		spawned = append(spawned, models.QueueRecord{
			ID:        uuid.NewString(),
			Payload:   p,
			HasPrice:  rec.HasPrice,
			Status:    models.QueueStatusPending,
			Note:      "replaces colliding barcode " + rec.Payload.Barcode,
			CreatedAt: now,
			UpdatedAt: now,
		})
		labels = append(labels, models.Label{
			Barcode:   code,
			Name:      p.Name,
			SalePrice: p.SalePrice.StringFixed(2),
			Unit:      p.Unit,
		})
	}

	q.logger.Warn("Barcode collision resolved with new barcodes",
		"record_id", rec.ID,
		"barcode", rec.Payload.Barcode,
		"new_barcodes", codes,
	)

	return processor.Result{
		Outcome: processor.OutcomeQueued,
		Note:    fmt.Sprintf("barcode %s already exists; re-enqueued as %s", rec.Payload.Barcode, strings.Join(codes, ", ")),
	}, spawned, labels
}

func (q *SaveQueue) printLabels(ctx context.Context, recordID string, labels []models.Label) {
	if q.printer == nil {
		return
	}
	printCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.opts.RemoteTimeout)
	defer cancel()
	if err := q.printer.PrintLabels(printCtx, labels); err != nil {
		q.logger.Warn("Label print job failed", "record_id", recordID, "labels", len(labels), "error", err)
	}
}

// purge drops completed records that have been settled for longer than PurgeAfter
func (q *SaveQueue) purge(ctx context.Context) {
	cutoff := q.opts.Now().Add(-q.opts.PurgeAfter)

	q.mu.Lock()
	before := len(q.records)
	q.records = slices.DeleteFunc(q.records, func(r models.QueueRecord) bool {
		return r.Status.Completed() && r.UpdatedAt.Before(cutoff)
	})
	removed := before - len(q.records)
	q.mu.Unlock()

	if removed > 0 {
		q.logger.Debug("Purged completed records", "count", removed)
		q.persist(ctx)
		q.refreshGauges()
	}
}

// persist writes the snapshot. On failure completed records are left out and the write is
// retried once; if that fails too the in-memory queue stays authoritative
func (q *SaveQueue) persist(ctx context.Context) {
	q.persistMu.Lock()
	defer q.persistMu.Unlock()

	q.mu.Lock()
	snapshot := slices.Clone(q.records)
	q.mu.Unlock()

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	err := q.save(saveCtx, snapshot)
	if err == nil {
		return
	}
	q.logger.Warn("Save queue snapshot failed, retrying without completed records", "error", err)

	trimmed := slices.DeleteFunc(snapshot, func(r models.QueueRecord) bool {
		return r.Status.Completed()
	})
	if err := q.save(saveCtx, trimmed); err != nil {
		metrics.SnapshotFailures.Inc()
		q.logger.Error("Save queue snapshot failed twice, keeping state in memory only", "error", err)
	}
}

func (q *SaveQueue) save(ctx context.Context, records []models.QueueRecord) error {
	if records == nil {
		records = []models.QueueRecord{}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to serialize save queue: %w", err)
	}
	return q.store.SaveSnapshot(ctx, SnapshotKey, data)
}

func (q *SaveQueue) refreshGauges() {
	s := q.Stats()
	metrics.QueueRecords.WithLabelValues(string(models.QueueStatusPending)).Set(float64(s.Pending))
	metrics.QueueRecords.WithLabelValues(string(models.QueueStatusSaving)).Set(float64(s.Saving))
	metrics.QueueRecords.WithLabelValues(string(models.QueueStatusSaved)).Set(float64(s.Saved))
	metrics.QueueRecords.WithLabelValues(string(models.QueueStatusQueued)).Set(float64(s.Queued))
	metrics.QueueRecords.WithLabelValues(string(models.QueueStatusFailed)).Set(float64(s.Failed))
}

func (q *SaveQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *SaveQueue) get(id string) (models.QueueRecord, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := q.indexOf(id)
	if idx < 0 {
		return models.QueueRecord{}, false
	}
	return q.records[idx], true
}

// indexOf must be called with mu held
func (q *SaveQueue) indexOf(id string) int {
	return slices.IndexFunc(q.records, func(r models.QueueRecord) bool { return r.ID == id })
}

// StatsOf counts records per status
func StatsOf(records []models.QueueRecord) models.QueueStats {
	s := models.QueueStats{Total: len(records)}
	for _, r := range records {
		switch r.Status {
		case models.QueueStatusPending:
			s.Pending++
		case models.QueueStatusSaving:
			s.Saving++
		case models.QueueStatusSaved:
			s.Saved++
		case models.QueueStatusQueued:
			s.Queued++
		case models.QueueStatusFailed:
			s.Failed++
		}
	}
	return s
}
