package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Guizzs26/go-pos-sync/internal/broker"
	"github.com/Guizzs26/go-pos-sync/internal/models"
	"github.com/Guizzs26/go-pos-sync/internal/remote"
	"github.com/Guizzs26/go-pos-sync/pkg/metrics"
)

// ReviewService moves holding queue messages from the broker into the review table
type ReviewService struct {
	repo   remote.HoldingQueue
	logger *slog.Logger
}

func NewReviewService(r remote.HoldingQueue, l *slog.Logger) *ReviewService {
	return &ReviewService{repo: r, logger: l}
}

// Handle stores one review entry. Malformed bodies are reported as broker.ErrPermanent
func (s *ReviewService) Handle(ctx context.Context, body []byte) error {
	var entry models.PendingEntry
	if err := json.Unmarshal(body, &entry); err != nil {
		s.logger.Error("Review: failed to unmarshal pending entry", "error", err)
		metrics.ReviewEntries.WithLabelValues("malformed").Inc()
		return fmt.Errorf("%w: %v", broker.ErrPermanent, err)
	}
	if entry.ID == "" {
		metrics.ReviewEntries.WithLabelValues("malformed").Inc()
		return fmt.Errorf("%w: pending entry without id", broker.ErrPermanent)
	}

	l := s.logger.With("entry_id", entry.ID, "record_id", entry.RecordID, "barcode", entry.Product.Barcode)

	if _, err := s.repo.CreatePendingEntry(ctx, entry); err != nil {
		l.Error("Review: failed to store pending entry", "error", err)
		metrics.ReviewEntries.WithLabelValues("error").Inc()
		return err
	}

	l.Info("Review: pending entry stored", "reason", entry.Reason)
	metrics.ReviewEntries.WithLabelValues("stored").Inc()
	return nil
}
