package service

import (
	"context"
	"log/slog"

	"github.com/Guizzs26/go-pos-sync/internal/models"
)

// LogLabelPrinter stands in for the print station when no broker is configured
type LogLabelPrinter struct {
	Logger *slog.Logger
}

func (p LogLabelPrinter) PrintLabels(_ context.Context, labels []models.Label) error {
	for _, l := range labels {
		p.Logger.Info("Label ready for printing", "barcode", l.Barcode, "name", l.Name, "sale_price", l.SalePrice)
	}
	return nil
}
