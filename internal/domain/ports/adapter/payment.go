package adapter

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"coinshop-payments/internal/domain/model"
)

// PaymentGateway is the hex port for the crypto payment processor.
// Every method either succeeds or returns a *domain.GatewayError that unwraps
// to one of the gateway sentinels (rate limited, exceeded, transient, rejected).
type PaymentGateway interface {
	Name() string

	// CreateInvoice returns a cached live invoice for an identical request seen
	// within the cache TTL instead of creating a second payable invoice.
	CreateInvoice(ctx context.Context, amount decimal.Decimal, currency string, meta model.InvoiceMetadata, opts model.CheckoutOptions) (*model.Invoice, error)
	GetInvoice(ctx context.Context, invoiceID string) (*model.Invoice, error)
	GetPaymentMethods(ctx context.Context, invoiceID string) ([]model.PaymentMethod, error)
	CreateRefund(ctx context.Context, req model.RefundRequest) (*model.Refund, error)

	ArchiveInvoice(ctx context.Context, invoiceID string) error
	CancelInvoice(ctx context.Context, invoiceID string) error
	// MarkInvoiceStatus forces Settled or Invalid on the processor side.
	MarkInvoiceStatus(ctx context.Context, invoiceID string, status model.InvoiceStatus) (*model.Invoice, error)

	// EnsureWebhookRegistered reconciles the processor's webhook registrations
	// with the configured callback once at startup.
	EnsureWebhookRegistered(ctx context.Context) (*model.WebhookRegistration, error)
}

// WebhookVerifier authenticates a raw inbound payload against its signature header.
type WebhookVerifier interface {
	Verify(rawPayload []byte, signatureHeader string) error
}

// StatusWatcher polls an invoice on behalf of local subscribers. from is the
// status the caller already knows; only departures from it are reported.
type StatusWatcher interface {
	Subscribe(invoiceID string, from model.InvoiceStatus, onChange func(model.StatusChange)) (unsubscribe func(), err error)
}

// Locker guards one invoice at a time across the webhook and polling paths.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, err error)
	Unlock(ctx context.Context, key, token string) error
}

// AbuseLimiter bounds inbound webhook deliveries per client.
type AbuseLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
