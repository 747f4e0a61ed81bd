// File: internal/usecase/reconciliation_uc.go
package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"coinshop-payments/internal/domain"
	"coinshop-payments/internal/domain/model"
	"coinshop-payments/internal/domain/ports/adapter"
	"coinshop-payments/internal/domain/ports/repository"
	"coinshop-payments/internal/infra/logging"
	"coinshop-payments/internal/infra/metrics"
)

// Outcome describes what reconciling one event or poll result did.
type Outcome string

const (
	OutcomeApplied           Outcome = "applied"
	OutcomePaymentRecorded   Outcome = "payment_recorded"
	OutcomeDuplicate         Outcome = "duplicate"
	OutcomeNoop              Outcome = "noop"
	OutcomeInvalidTransition Outcome = "invalid_transition"
	OutcomeIgnored           Outcome = "ignored"
	OutcomeRejected          Outcome = "rejected"
	OutcomeMalformed         Outcome = "malformed"
	OutcomeFailed            Outcome = "failed"
)

const (
	sourceWebhook = "webhook"
	sourcePoll    = "poll"

	invoiceLockTTL = 30 * time.Second
)

// WebhookResult is the answer handed back to the inbound transport.
// Accepted is true only after the event was durably handled.
type WebhookResult struct {
	Accepted bool
	Outcome  Outcome
	Reason   string
}

// Compile-time check
var _ ReconciliationUseCase = (*reconciliationUC)(nil)

type ReconciliationUseCase interface {
	// ProcessInboundWebhook authenticates a raw delivery and reconciles it.
	// Errors unwrap to ErrSignatureInvalid, ErrInvalidArgument (malformed body)
	// or a processing failure the transport must not acknowledge.
	ProcessInboundWebhook(ctx context.Context, rawBody []byte, signatureHeader string) (WebhookResult, error)
	// HandleEvent runs an authenticated event through the invoice state machine.
	HandleEvent(ctx context.Context, ev model.InboundEvent, rawBody []byte) (Outcome, error)
	// ApplyPolledInvoice reconciles a status observed by polling the processor.
	ApplyPolledInvoice(ctx context.Context, remote *model.Invoice) (Outcome, error)
}

type reconciliationUC struct {
	invoices repository.InvoiceRepository
	intents  repository.PurchaseIntentRepository
	events   repository.WebhookEventRepository
	balances repository.BalanceRepository
	payments repository.InvoicePaymentRepository
	tm       repository.TransactionManager
	verifier adapter.WebhookVerifier
	locker   adapter.Locker
	log      *zerolog.Logger
	now      func() time.Time
}

func NewReconciliationUseCase(
	invoices repository.InvoiceRepository,
	intents repository.PurchaseIntentRepository,
	events repository.WebhookEventRepository,
	balances repository.BalanceRepository,
	payments repository.InvoicePaymentRepository,
	tm repository.TransactionManager,
	verifier adapter.WebhookVerifier,
	locker adapter.Locker,
	logger *zerolog.Logger,
) *reconciliationUC {
	if locker == nil {
		locker = NewKeyedLocker()
	}
	if logger == nil {
		logger = logging.Nop()
	}
	l := logger.With().Str("component", "reconciliation").Logger()
	return &reconciliationUC{
		invoices: invoices,
		intents:  intents,
		events:   events,
		balances: balances,
		payments: payments,
		tm:       tm,
		verifier: verifier,
		locker:   locker,
		log:      &l,
		now:      time.Now,
	}
}

func (u *reconciliationUC) ProcessInboundWebhook(ctx context.Context, rawBody []byte, signatureHeader string) (WebhookResult, error) {
	start := time.Now()

	if err := u.verifier.Verify(rawBody, signatureHeader); err != nil {
		logging.With(ctx, u.log).Warn().
			Bool("security_event", true).
			Int("bytes", len(rawBody)).
			Err(err).
			Msg("webhook signature rejected")
		u.auditUnverified(ctx, rawBody)
		u.observe("unknown", OutcomeRejected, start)
		if !errors.Is(err, domain.ErrSignatureInvalid) {
			err = fmt.Errorf("%w: %w", domain.ErrSignatureInvalid, err)
		}
		return WebhookResult{Outcome: OutcomeRejected, Reason: "invalid signature"}, err
	}

	var ev model.InboundEvent
	if err := json.Unmarshal(rawBody, &ev); err != nil || ev.Type == "" || ev.DedupeKey() == "" {
		logging.With(ctx, u.log).Warn().Err(err).Msg("authenticated webhook has an unusable body")
		u.observe("unknown", OutcomeMalformed, start)
		return WebhookResult{Outcome: OutcomeMalformed, Reason: "malformed payload"},
			fmt.Errorf("%w: malformed webhook payload", domain.ErrInvalidArgument)
	}

	outcome, err := u.HandleEvent(ctx, ev, rawBody)
	u.observe(eventLabel(ev.Type), outcome, start)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidArgument) {
			return WebhookResult{Outcome: OutcomeMalformed, Reason: "malformed payload"}, err
		}
		return WebhookResult{Outcome: OutcomeFailed, Reason: "processing failed"}, err
	}
	return WebhookResult{Accepted: true, Outcome: outcome, Reason: string(outcome)}, nil
}

func (u *reconciliationUC) HandleEvent(ctx context.Context, ev model.InboundEvent, rawBody []byte) (Outcome, error) {
	eventID := ev.DedupeKey()
	if eventID == "" {
		return OutcomeMalformed, fmt.Errorf("%w: event has no id", domain.ErrInvalidArgument)
	}
	target, changes, known := ev.Type.TargetStatus()
	if known && ev.InvoiceID == "" {
		return OutcomeMalformed, fmt.Errorf("%w: event %s has no invoice id", domain.ErrInvalidArgument, eventID)
	}

	ctx = logging.WithEventID(logging.WithInvoiceID(ctx, ev.InvoiceID), eventID)
	log := logging.With(ctx, u.log).With().Str("event_type", string(ev.Type)).Logger()
	defer logging.TraceDuration(&log, "Reconciliation.HandleEvent")()

	// Fast path for redeliveries; the insert below stays authoritative.
	if seen, err := u.events.ExistsByEventID(ctx, nil, eventID); err == nil && seen {
		log.Info().Err(domain.ErrDuplicateEvent).Msg("webhook redelivery acknowledged")
		return OutcomeDuplicate, nil
	}

	lockKey := InvoiceLockKey(ev.InvoiceID)
	if ev.InvoiceID == "" {
		lockKey = "lock:event:" + eventID
	}
	unlock, err := u.lock(ctx, lockKey)
	if err != nil {
		log.Warn().Err(err).Msg("invoice lock not acquired")
		return OutcomeFailed, err
	}
	defer unlock()

	outcome := OutcomeIgnored
	var credited int64
	err = u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		outcome, credited = OutcomeIgnored, 0
		inserted, err := u.events.Append(ctx, tx, &model.WebhookEvent{
			EventID:    eventID,
			InvoiceID:  ev.InvoiceID,
			Type:       ev.Type,
			Payload:    rawBody,
			ReceivedAt: u.now().UTC(),
			Verified:   true,
		})
		if err != nil {
			return fmt.Errorf("%w: record event: %w", domain.ErrSideEffectFailure, err)
		}
		if !inserted {
			outcome = OutcomeDuplicate
			return nil
		}
		if !known {
			log.Warn().Msg("unrecognized webhook event type recorded and ignored")
			return nil
		}
		if !changes && ev.Payment == nil {
			log.Debug().Msg("event does not move invoice status")
			return nil
		}

		inv, err := u.invoices.FindByID(ctx, tx, ev.InvoiceID)
		if errors.Is(err, domain.ErrNotFound) {
			log.Warn().Msg("webhook for an invoice this service never created")
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: load invoice: %w", domain.ErrSideEffectFailure, err)
		}
		if ev.StoreID != "" && inv.StoreID != "" && ev.StoreID != inv.StoreID {
			log.Warn().Str("store_id", ev.StoreID).Msg("webhook store does not match invoice store")
			return nil
		}

		if ev.Payment != nil && ev.Payment.ID != "" {
			if err := u.payments.Upsert(ctx, tx, ev.Payment.ToRecord(inv.ID)); err != nil {
				return fmt.Errorf("%w: record payment: %w", domain.ErrSideEffectFailure, err)
			}
			outcome = OutcomePaymentRecorded
		}
		if !changes {
			return nil
		}

		outcome, credited, err = u.applyTransition(ctx, tx, inv, target, &log)
		return err
	})
	if err != nil {
		log.Error().Err(err).Msg("webhook processing failed; leaving it for redelivery")
		return OutcomeFailed, err
	}

	u.report(&log, outcome, target, sourceWebhook, credited)
	return outcome, nil
}

func (u *reconciliationUC) ApplyPolledInvoice(ctx context.Context, remote *model.Invoice) (Outcome, error) {
	if remote == nil || remote.ID == "" {
		return OutcomeIgnored, domain.ErrInvalidArgument
	}
	if !remote.Status.Valid() {
		return OutcomeIgnored, nil
	}

	ctx = logging.WithInvoiceID(ctx, remote.ID)
	log := logging.With(ctx, u.log).With().Str("source", sourcePoll).Logger()

	unlock, err := u.lock(ctx, InvoiceLockKey(remote.ID))
	if err != nil {
		return OutcomeFailed, err
	}
	defer unlock()

	outcome := OutcomeIgnored
	var credited int64
	err = u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		inv, err := u.invoices.FindByID(ctx, tx, remote.ID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: load invoice: %w", domain.ErrSideEffectFailure, err)
		}
		outcome, credited, err = u.applyTransition(ctx, tx, inv, remote.Status, &log)
		return err
	})
	if err != nil {
		log.Error().Err(err).Msg("polled status not reconciled")
		return OutcomeFailed, err
	}

	u.report(&log, outcome, remote.Status, sourcePoll, credited)
	return outcome, nil
}

// applyTransition moves inv to target and performs the side effects that go
// with it. It must run inside the transaction that locked inv; every error it
// returns rolls the whole step back.
func (u *reconciliationUC) applyTransition(ctx context.Context, tx repository.Tx, inv *model.Invoice, target model.InvoiceStatus, log *zerolog.Logger) (Outcome, int64, error) {
	if inv.Status.IsTerminal() {
		if inv.Status == target {
			return OutcomeNoop, 0, nil
		}
		log.Info().
			Err(domain.ErrInvalidStateTransition).
			Str("current", string(inv.Status)).
			Str("target", string(target)).
			Msg("invoice already terminal; event not applied")
		return OutcomeInvalidTransition, 0, nil
	}
	if !model.CanTransition(inv.Status, target) {
		return OutcomeNoop, 0, nil
	}

	var settledAt *time.Time
	if target == model.InvoiceStatusSettled {
		now := u.now().UTC()
		settledAt = &now
	}
	ok, err := u.invoices.TransitionStatus(ctx, tx, inv.ID, target, settledAt)
	if err != nil {
		return "", 0, fmt.Errorf("%w: update status: %w", domain.ErrSideEffectFailure, err)
	}
	if !ok {
		return OutcomeNoop, 0, nil
	}

	var credited int64
	if target == model.InvoiceStatusSettled {
		// Only the metadata stored at creation is trusted for the amount.
		meta := inv.Metadata
		if meta.UserID == "" || meta.CoinsToCredit <= 0 {
			return "", 0, fmt.Errorf("%w: invoice %s carries no credit metadata", domain.ErrSideEffectFailure, inv.ID)
		}
		applied, err := u.balances.Credit(ctx, tx, meta.UserID, inv.ID, meta.CoinsToCredit)
		if err != nil {
			return "", 0, fmt.Errorf("%w: credit balance: %w", domain.ErrSideEffectFailure, err)
		}
		if applied {
			credited = meta.CoinsToCredit
		}
	}

	if next, ok := model.IntentStatusFor(target); ok && inv.Metadata.PurchaseIntentID != "" {
		err := u.intents.UpdateStatus(ctx, tx, inv.Metadata.PurchaseIntentID, next)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			log.Warn().Str("purchase_intent_id", inv.Metadata.PurchaseIntentID).Msg("linked purchase intent missing")
		case err != nil:
			return "", 0, fmt.Errorf("%w: update purchase intent: %w", domain.ErrSideEffectFailure, err)
		}
	}

	inv.Status = target
	inv.SettledAt = settledAt
	return OutcomeApplied, credited, nil
}

func (u *reconciliationUC) report(log *zerolog.Logger, outcome Outcome, target model.InvoiceStatus, source string, credited int64) {
	switch outcome {
	case OutcomeApplied:
		metrics.IncTransition(string(target), source)
		if credited > 0 {
			metrics.AddCoinsCredited(credited)
		}
		log.Info().Str("status", string(target)).Int64("coins_credited", credited).Msg("invoice status applied")
	case OutcomePaymentRecorded:
		log.Info().Msg("invoice payment recorded")
	case OutcomeDuplicate:
		log.Info().Err(domain.ErrDuplicateEvent).Msg("webhook redelivery acknowledged")
	case OutcomeNoop:
		log.Debug().Str("status", string(target)).Msg("status already reflected")
	}
}

// lock takes the per-invoice lock and returns its release func.
func (u *reconciliationUC) lock(ctx context.Context, key string) (func(), error) {
	token, err := u.locker.TryLock(ctx, key, invoiceLockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrInvoiceBusy) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrInvoiceBusy, err)
	}
	return func() {
		// The caller's ctx may already be cancelled; the lock must still go.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := u.locker.Unlock(ctx, key, token); err != nil {
			u.log.Warn().Err(err).Str("key", key).Msg("unlock failed; lock will expire")
		}
	}, nil
}

func (u *reconciliationUC) auditUnverified(ctx context.Context, rawBody []byte) {
	_, err := u.events.Append(ctx, nil, &model.WebhookEvent{
		Payload:    rawBody,
		ReceivedAt: u.now().UTC(),
		Verified:   false,
	})
	if err != nil {
		logging.With(ctx, u.log).Error().Err(err).Msg("failed to record unverified webhook")
	}
}

func (u *reconciliationUC) observe(eventType string, outcome Outcome, start time.Time) {
	metrics.IncWebhook(eventType, string(outcome))
	metrics.ObserveWebhook(string(outcome), time.Since(start).Seconds())
}

func eventLabel(t model.WebhookEventType) string {
	if _, _, known := t.TargetStatus(); known {
		return string(t)
	}
	return "unknown"
}
