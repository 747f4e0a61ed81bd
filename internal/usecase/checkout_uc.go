// File: internal/usecase/checkout_uc.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"coinshop-payments/internal/domain"
	"coinshop-payments/internal/domain/model"
	"coinshop-payments/internal/domain/ports/adapter"
	"coinshop-payments/internal/domain/ports/repository"
	"coinshop-payments/internal/infra/logging"
	"coinshop-payments/internal/infra/metrics"
)

// Compile-time check
var _ CheckoutUseCase = (*checkoutUC)(nil)

// CheckoutUseCase is the surface offered to local collaborators that sell packages.
type CheckoutUseCase interface {
	// CreateInvoiceForPackage opens (or reuses) a purchase intent and returns a
	// payable invoice for it. Reusing a PurchaseIntentID returns its live invoice.
	CreateInvoiceForPackage(ctx context.Context, pkg model.CoinPackage, ids model.CorrelationIDs) (*model.Invoice, error)
	// SubscribeToInvoiceStatus calls onChange for every observed status change
	// until the invoice is terminal or the returned func is called.
	SubscribeToInvoiceStatus(ctx context.Context, invoiceID string, onChange func(model.StatusChange)) (unsubscribe func(), err error)
	GetInvoice(ctx context.Context, invoiceID string) (*model.Invoice, error)
	GetPaymentMethods(ctx context.Context, invoiceID string) ([]model.PaymentMethod, error)
	// RefundInvoice refunds a settled invoice through the processor.
	RefundInvoice(ctx context.Context, req model.RefundRequest) (*model.Refund, error)
	// CancelInvoice makes an open invoice unpayable at the processor. The local
	// record follows through the InvoiceInvalid webhook or the next poll.
	CancelInvoice(ctx context.Context, invoiceID string) (*model.Invoice, error)
}

type checkoutUC struct {
	gateway  adapter.PaymentGateway
	watcher  adapter.StatusWatcher
	invoices repository.InvoiceRepository
	intents  repository.PurchaseIntentRepository
	tm       repository.TransactionManager
	log      *zerolog.Logger
	now      func() time.Time
}

func NewCheckoutUseCase(
	gateway adapter.PaymentGateway,
	watcher adapter.StatusWatcher,
	invoices repository.InvoiceRepository,
	intents repository.PurchaseIntentRepository,
	tm repository.TransactionManager,
	logger *zerolog.Logger,
) *checkoutUC {
	if logger == nil {
		logger = logging.Nop()
	}
	l := logger.With().Str("component", "checkout").Logger()
	return &checkoutUC{
		gateway:  gateway,
		watcher:  watcher,
		invoices: invoices,
		intents:  intents,
		tm:       tm,
		log:      &l,
		now:      time.Now,
	}
}

func (u *checkoutUC) CreateInvoiceForPackage(ctx context.Context, pkg model.CoinPackage, ids model.CorrelationIDs) (*model.Invoice, error) {
	if err := pkg.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(ids.UserID) == "" {
		return nil, domain.ErrInvalidArgument
	}
	pkg.Currency = strings.ToUpper(pkg.Currency)

	intent, live, err := u.resolveIntent(ctx, pkg, ids)
	if err != nil {
		return nil, err
	}
	if live != nil {
		return live, nil
	}

	meta := model.InvoiceMetadata{
		UserID:           ids.UserID,
		PackageID:        pkg.ID,
		CoinsToCredit:    pkg.Coins,
		PurchaseIntentID: intent.ID,
		OrderID:          ids.OrderID,
	}
	inv, err := u.gateway.CreateInvoice(ctx, pkg.Price, pkg.Currency, meta, model.CheckoutOptions{})
	if err != nil {
		metrics.IncInvoiceCreated(pkg.Currency, metrics.ResultFail)
		return nil, err
	}
	// The local copy keeps what was sent, whatever the processor echoes back.
	inv.Metadata = meta

	err = u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		if err := u.invoices.Save(ctx, tx, inv); err != nil {
			return err
		}
		return u.intents.AttachInvoice(ctx, tx, intent.ID, inv.ID)
	})
	if err != nil {
		metrics.IncInvoiceCreated(pkg.Currency, metrics.ResultFail)
		return nil, fmt.Errorf("store invoice %s: %w", inv.ID, err)
	}

	metrics.IncInvoiceCreated(pkg.Currency, metrics.ResultOK)
	logging.With(logging.WithInvoiceID(ctx, inv.ID), u.log).Info().
		Str("user_id", ids.UserID).
		Str("package_id", pkg.ID).
		Str("purchase_intent_id", intent.ID).
		Msg("invoice created for package")
	return inv, nil
}

// resolveIntent returns the purchase intent to invoice against, or the live
// invoice already attached to a reused intent.
func (u *checkoutUC) resolveIntent(ctx context.Context, pkg model.CoinPackage, ids model.CorrelationIDs) (*model.PurchaseIntent, *model.Invoice, error) {
	if ids.PurchaseIntentID != "" {
		existing, err := u.intents.FindByID(ctx, nil, ids.PurchaseIntentID)
		switch {
		case err == nil:
			if existing.UserID != ids.UserID || existing.PackageID != pkg.ID {
				return nil, nil, fmt.Errorf("%w: purchase intent belongs to another purchase", domain.ErrInvalidArgument)
			}
			switch existing.Status {
			case model.PurchaseIntentCompleted:
				return nil, nil, fmt.Errorf("%w: purchase intent already completed", domain.ErrAlreadyExists)
			case model.PurchaseIntentExpired, model.PurchaseIntentFailed:
				return nil, nil, fmt.Errorf("%w: purchase intent is %s", domain.ErrInvalidArgument, existing.Status)
			}
			if existing.InvoiceID != nil {
				inv, err := u.invoices.FindByID(ctx, nil, *existing.InvoiceID)
				if err == nil && u.live(inv) {
					return existing, inv, nil
				}
			}
			return existing, nil, nil
		case errors.Is(err, domain.ErrNotFound):
		default:
			return nil, nil, err
		}
	}

	id := ids.PurchaseIntentID
	if id == "" {
		id = uuid.NewString()
	}
	intent, err := model.NewPurchaseIntent(id, ids.UserID, pkg)
	if err != nil {
		return nil, nil, err
	}
	if err := u.intents.Save(ctx, nil, intent); err != nil {
		return nil, nil, err
	}
	return intent, nil, nil
}

func (u *checkoutUC) live(inv *model.Invoice) bool {
	if inv.Status.IsTerminal() {
		return false
	}
	return inv.ExpiresAt.IsZero() || u.now().Before(inv.ExpiresAt)
}

func (u *checkoutUC) SubscribeToInvoiceStatus(ctx context.Context, invoiceID string, onChange func(model.StatusChange)) (func(), error) {
	if invoiceID == "" || onChange == nil {
		return nil, domain.ErrInvalidArgument
	}
	// Changes are reported relative to what this service already stored.
	inv, err := u.invoices.FindByID(ctx, nil, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status.IsTerminal() {
		return func() {}, nil
	}
	return u.watcher.Subscribe(invoiceID, inv.Status, onChange)
}

func (u *checkoutUC) GetInvoice(ctx context.Context, invoiceID string) (*model.Invoice, error) {
	return u.invoices.FindByID(ctx, nil, invoiceID)
}

func (u *checkoutUC) GetPaymentMethods(ctx context.Context, invoiceID string) ([]model.PaymentMethod, error) {
	if _, err := u.invoices.FindByID(ctx, nil, invoiceID); err != nil {
		return nil, err
	}
	return u.gateway.GetPaymentMethods(ctx, invoiceID)
}

func (u *checkoutUC) RefundInvoice(ctx context.Context, req model.RefundRequest) (*model.Refund, error) {
	inv, err := u.invoices.FindByID(ctx, nil, req.InvoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status != model.InvoiceStatusSettled {
		return nil, fmt.Errorf("%w: only settled invoices can be refunded", domain.ErrInvalidArgument)
	}
	if req.Amount != nil && !req.Amount.IsPositive() {
		return nil, domain.ErrInvalidArgument
	}
	if req.Currency == "" {
		req.Currency = inv.Currency
	}

	refund, err := u.gateway.CreateRefund(ctx, req)
	if err != nil {
		return nil, err
	}
	logging.With(logging.WithInvoiceID(ctx, inv.ID), u.log).Info().
		Str("refund_id", refund.ID).
		Str("reason", req.Reason).
		Msg("refund created")
	return refund, nil
}

func (u *checkoutUC) CancelInvoice(ctx context.Context, invoiceID string) (*model.Invoice, error) {
	inv, err := u.invoices.FindByID(ctx, nil, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: invoice is already %s", domain.ErrInvalidStateTransition, inv.Status)
	}
	if err := u.gateway.CancelInvoice(ctx, invoiceID); err != nil {
		return nil, err
	}
	logging.With(logging.WithInvoiceID(ctx, inv.ID), u.log).Info().
		Str("status", string(inv.Status)).
		Msg("invoice cancellation requested")
	return inv, nil
}
