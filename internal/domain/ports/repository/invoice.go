package repository

import (
	"context"
	"time"

	"coinshop-payments/internal/domain/model"
)

// -----------------------------
// Invoices
// -----------------------------

type InvoiceRepository interface {
	// Save inserts the invoice; an existing row with the same id is left untouched.
	Save(ctx context.Context, tx Tx, inv *model.Invoice) error
	// FindByID locks the row (FOR UPDATE) when called inside a transaction.
	FindByID(ctx context.Context, tx Tx, id string) (*model.Invoice, error)
	// TransitionStatus sets status only while the current status is not terminal.
	// It reports whether a row was updated.
	TransitionStatus(ctx context.Context, tx Tx, id string, status model.InvoiceStatus, settledAt *time.Time) (bool, error)
	ListNonTerminalOlderThan(ctx context.Context, tx Tx, olderThan time.Time, limit int) ([]*model.Invoice, error)
	ListArchivable(ctx context.Context, tx Tx, terminalBefore time.Time, limit int) ([]*model.Invoice, error)
	MarkArchived(ctx context.Context, tx Tx, id string) error
}

// -----------------------------
// Purchase intents
// -----------------------------

type PurchaseIntentRepository interface {
	Save(ctx context.Context, tx Tx, pi *model.PurchaseIntent) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.PurchaseIntent, error)
	AttachInvoice(ctx context.Context, tx Tx, id, invoiceID string) error
	UpdateStatus(ctx context.Context, tx Tx, id string, status model.PurchaseIntentStatus) error
}

// -----------------------------
// Webhook events (append-only)
// -----------------------------

type WebhookEventRepository interface {
	// Append inserts the event. For verified events it reports false without
	// error when the same EventID was already recorded.
	Append(ctx context.Context, tx Tx, ev *model.WebhookEvent) (inserted bool, err error)
	ExistsByEventID(ctx context.Context, tx Tx, eventID string) (bool, error)
}

// -----------------------------
// Balances
// -----------------------------

type BalanceRepository interface {
	// Credit adds coins for an invoice at most once. applied is false when the
	// invoice was already credited.
	Credit(ctx context.Context, tx Tx, userID, invoiceID string, coins int64) (applied bool, err error)
	GetBalance(ctx context.Context, tx Tx, userID string) (*model.UserBalance, error)
}

// -----------------------------
// Invoice payments
// -----------------------------

type InvoicePaymentRepository interface {
	// Upsert stores the payment keyed by its id, overwriting status and amounts.
	Upsert(ctx context.Context, tx Tx, p *model.InvoicePayment) error
	ListByInvoice(ctx context.Context, tx Tx, invoiceID string) ([]*model.InvoicePayment, error)
}
