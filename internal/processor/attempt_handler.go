package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Guizzs26/go-pos-sync/internal/models"
	"github.com/Guizzs26/go-pos-sync/internal/remote"
	"github.com/Guizzs26/go-pos-sync/pkg/metrics"

	"github.com/google/uuid"
)

// Outcome is what a single save queue attempt resolved to
type Outcome int

const (
	// OutcomeRetry leaves the record for another attempt (or exhaustion)
	OutcomeRetry Outcome = iota
	OutcomeSaved
	OutcomeQueued
	// OutcomeCollision means the primary store already holds the barcode
	OutcomeCollision
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSaved:
		return "saved"
	case OutcomeQueued:
		return "queued"
	case OutcomeCollision:
		return "collision"
	default:
		return "retry"
	}
}

type Result struct {
	Outcome  Outcome
	RemoteID string
	Note     string
	Err      error
}

// AttemptHandler routes one queue record to the primary store or the holding queue.
// Every remote call gets its own timeout
type AttemptHandler struct {
	primary       remote.PrimaryStore
	holding       remote.HoldingQueue
	timeout       time.Duration
	fallbackAfter int
	logger        *slog.Logger
	now           func() time.Time
}

func NewAttemptHandler(primary remote.PrimaryStore, holding remote.HoldingQueue, timeout time.Duration, fallbackAfter int, logger *slog.Logger) *AttemptHandler {
	return &AttemptHandler{
		primary:       primary,
		holding:       holding,
		timeout:       timeout,
		fallbackAfter: fallbackAfter,
		logger:        logger,
		now:           time.Now,
	}
}

// Process runs one attempt. rec.Attempts already counts this attempt
func (h *AttemptHandler) Process(ctx context.Context, rec models.QueueRecord) Result {
	l := h.logger.With("record_id", rec.ID, "barcode", rec.Payload.Barcode, "attempt", rec.Attempts)

	if !rec.HasPrice {
		reason := "missing price or name"
		if err := h.hold(ctx, rec, reason); err != nil {
			l.Warn("Holding queue insert failed", "error", err)
			return Result{Outcome: OutcomeRetry, Err: err}
		}
		l.Info("Capture sent to review", "reason", reason)
		return Result{Outcome: OutcomeQueued, Note: reason}
	}

	id, err := h.insert(ctx, rec.Payload)
	if err == nil {
		l.Info("Capture saved to primary store", "remote_id", id)
		return Result{Outcome: OutcomeSaved, RemoteID: id}
	}
	if errors.Is(err, remote.ErrDuplicateKey) {
		l.Warn("Barcode already exists in primary store", "error", err)
		return Result{Outcome: OutcomeCollision, Err: err}
	}

	if rec.Attempts < h.fallbackAfter {
		l.Warn("Primary store insert failed, will retry", "error", err)
		return Result{Outcome: OutcomeRetry, Err: err}
	}

	reason := fmt.Sprintf("primary store failed %d times: %v", rec.Attempts, err)
	if herr := h.hold(ctx, rec, reason); herr != nil {
		l.Warn("Primary store and holding queue both failed", "primary_error", err, "holding_error", herr)
		return Result{Outcome: OutcomeRetry, Err: errors.Join(err, herr)}
	}
	l.Warn("Capture redirected to review after repeated primary failures", "error", err)
	return Result{Outcome: OutcomeQueued, Note: reason}
}

func (h *AttemptHandler) insert(ctx context.Context, p models.Product) (string, error) {
	start := time.Now()
	defer func() {
		metrics.AttemptDuration.WithLabelValues("primary").Observe(time.Since(start).Seconds())
	}()

	opCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	return h.primary.InsertProduct(opCtx, p)
}

func (h *AttemptHandler) hold(ctx context.Context, rec models.QueueRecord, reason string) error {
	start := time.Now()
	defer func() {
		metrics.AttemptDuration.WithLabelValues("holding").Observe(time.Since(start).Seconds())
	}()

	opCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	// One entry id per record, so a retried publish is deduplicated downstream
	_, err := h.holding.CreatePendingEntry(opCtx, models.PendingEntry{
		ID:        uuid.NewSHA1(uuid.NameSpaceOID, []byte(rec.ID)).String(),
		RecordID:  rec.ID,
		Product:   rec.Payload,
		Reason:    reason,
		Attempts:  rec.Attempts,
		CreatedAt: h.now().UTC(),
	})
	return err
}
