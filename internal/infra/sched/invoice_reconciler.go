package sched

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/zoobzio/clockz"

	"coinshop-payments/internal/domain"
	"coinshop-payments/internal/domain/model"
	"coinshop-payments/internal/domain/ports/repository"
	"coinshop-payments/internal/infra/metrics"
	"coinshop-payments/internal/usecase"
)

const jobStaleReconciler = "stale_reconciler"

// InvoiceGetter is the part of the payment gateway the reconciler reads from.
type InvoiceGetter interface {
	GetInvoice(ctx context.Context, invoiceID string) (*model.Invoice, error)
}

// InvoiceReconciler periodically re-reads invoices that have stayed open for
// too long and feeds the processor's view through the reconciliation
// pipeline. This covers webhooks that were lost or never retried.
type InvoiceReconciler struct {
	gateway    InvoiceGetter
	recon      usecase.ReconciliationUseCase
	invoices   repository.InvoiceRepository
	interval   time.Duration // how often to scan
	staleAfter time.Duration // how old an open invoice must be to re-check
	batch      int
	clock      clockz.Clock
	log        *zerolog.Logger
}

func NewInvoiceReconciler(gateway InvoiceGetter, recon usecase.ReconciliationUseCase, invoices repository.InvoiceRepository, interval, staleAfter time.Duration, logger *zerolog.Logger) *InvoiceReconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	l := logger.With().Str("component", "InvoiceReconciler").Logger()
	return &InvoiceReconciler{
		gateway:    gateway,
		recon:      recon,
		invoices:   invoices,
		interval:   interval,
		staleAfter: staleAfter,
		batch:      100,
		clock:      clockz.RealClock,
		log:        &l,
	}
}

// WithBatch caps how many invoices one sweep fetches from the processor.
func (w *InvoiceReconciler) WithBatch(n int) *InvoiceReconciler {
	if n > 0 {
		w.batch = n
	}
	return w
}

func (w *InvoiceReconciler) Run(ctx context.Context) error {
	w.log.Info().Dur("interval", w.interval).Dur("stale_after", w.staleAfter).Msg("Starting invoice reconciler")
	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Stopping invoice reconciler")
			return ctx.Err()
		case <-ticker.C():
			w.Sweep(ctx)
		}
	}
}

// Sweep runs one pass and returns how many invoices changed status.
func (w *InvoiceReconciler) Sweep(ctx context.Context) int {
	cutoff := w.clock.Now().Add(-w.staleAfter)
	stale, err := w.invoices.ListNonTerminalOlderThan(ctx, nil, cutoff, w.batch)
	if err != nil {
		metrics.IncSweepRun(jobStaleReconciler, metrics.ResultFail)
		w.log.Error().Err(err).Msg("list stale invoices failed")
		return 0
	}

	applied := 0
	for _, inv := range stale {
		if ctx.Err() != nil {
			break
		}
		remote, err := w.gateway.GetInvoice(ctx, inv.ID)
		if err != nil {
			metrics.IncSweepItem(jobStaleReconciler, "error")
			w.log.Warn().Err(err).Str("invoice_id", inv.ID).Msg("fetch stale invoice failed")
			if errors.Is(err, domain.ErrRateLimitExceeded) {
				// The processor is throttling the whole store; the next run picks up the rest.
				break
			}
			continue
		}
		outcome, err := w.recon.ApplyPolledInvoice(ctx, remote)
		if err != nil {
			metrics.IncSweepItem(jobStaleReconciler, "error")
			w.log.Error().Err(err).Str("invoice_id", inv.ID).Msg("reconcile stale invoice failed")
			continue
		}
		if outcome == usecase.OutcomeApplied {
			applied++
			metrics.IncSweepItem(jobStaleReconciler, "applied")
			w.log.Info().Str("invoice_id", inv.ID).Str("status", string(remote.Status)).Msg("reconciled stale invoice")
		} else {
			metrics.IncSweepItem(jobStaleReconciler, "unchanged")
		}
	}
	metrics.IncSweepRun(jobStaleReconciler, metrics.ResultOK)
	return applied
}
