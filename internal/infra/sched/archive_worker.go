package sched

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/zoobzio/clockz"

	"coinshop-payments/internal/domain"
	"coinshop-payments/internal/domain/ports/repository"
	"coinshop-payments/internal/infra/metrics"
)

const jobArchive = "archive"

type InvoiceArchiver interface {
	ArchiveInvoice(ctx context.Context, invoiceID string) error
}

// ArchiveWorker archives terminal invoices at the processor once they are
// older than the retention window, then flags them locally.
type ArchiveWorker struct {
	gateway   InvoiceArchiver
	invoices  repository.InvoiceRepository
	interval  time.Duration
	retention time.Duration
	batch     int
	clock     clockz.Clock
	log       *zerolog.Logger
}

func NewArchiveWorker(gateway InvoiceArchiver, invoices repository.InvoiceRepository, interval, retention time.Duration, logger *zerolog.Logger) *ArchiveWorker {
	if interval <= 0 {
		interval = time.Hour
	}
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	l := logger.With().Str("component", "ArchiveWorker").Logger()
	return &ArchiveWorker{
		gateway:   gateway,
		invoices:  invoices,
		interval:  interval,
		retention: retention,
		batch:     100,
		clock:     clockz.RealClock,
		log:       &l,
	}
}

func (w *ArchiveWorker) Run(ctx context.Context) error {
	w.log.Info().Msg("Starting archive worker")
	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Stopping archive worker")
			return ctx.Err()
		case <-ticker.C():
			if n := w.Sweep(ctx); n > 0 {
				w.log.Info().Int("count", n).Msg("invoices archived")
			}
		}
	}
}

// Sweep archives one batch and returns how many invoices were archived.
func (w *ArchiveWorker) Sweep(ctx context.Context) int {
	cutoff := w.clock.Now().Add(-w.retention)
	done, err := w.invoices.ListArchivable(ctx, nil, cutoff, w.batch)
	if err != nil {
		metrics.IncSweepRun(jobArchive, metrics.ResultFail)
		w.log.Error().Err(err).Msg("list archivable invoices failed")
		return 0
	}

	archived := 0
	for _, inv := range done {
		if ctx.Err() != nil {
			break
		}
		// Already gone at the processor counts as archived.
		if err := w.gateway.ArchiveInvoice(ctx, inv.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			metrics.IncSweepItem(jobArchive, "error")
			w.log.Warn().Err(err).Str("invoice_id", inv.ID).Msg("archive at processor failed")
			if domain.IsRateLimit(err) {
				break
			}
			continue
		}
		if err := w.invoices.MarkArchived(ctx, nil, inv.ID); err != nil {
			metrics.IncSweepItem(jobArchive, "error")
			w.log.Error().Err(err).Str("invoice_id", inv.ID).Msg("mark archived failed")
			continue
		}
		archived++
		metrics.IncSweepItem(jobArchive, "applied")
	}
	metrics.IncSweepRun(jobArchive, metrics.ResultOK)
	return archived
}
