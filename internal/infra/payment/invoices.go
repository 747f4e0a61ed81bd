package payment

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"coinshop-payments/internal/domain"
	"coinshop-payments/internal/domain/model"
	"coinshop-payments/internal/infra/metrics"
)

// CreateInvoice creates a payable invoice. An identical request (amount,
// currency, metadata) answered within the cache TTL returns the cached invoice
// as long as it is still live.
func (c *Client) CreateInvoice(ctx context.Context, amount decimal.Decimal, currency string, meta model.InvoiceMetadata, opts model.CheckoutOptions) (*model.Invoice, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if !amount.IsPositive() || currency == "" {
		return nil, fmt.Errorf("%w: amount must be positive and currency set", domain.ErrInvalidArgument)
	}

	key := InvoiceCacheKey(amount, currency, meta)
	cached, ok := c.cache.Get(ctx, key)
	switch {
	case ok && c.reusable(cached):
		metrics.IncInvoiceCacheLookup(metrics.ResultHit)
		c.log.Debug().Str("invoice_id", cached.ID).Msg("reusing cached invoice")
		return cached, nil
	case ok:
		metrics.IncInvoiceCacheLookup(metrics.ResultStale)
	default:
		metrics.IncInvoiceCacheLookup(metrics.ResultMiss)
	}

	body := createInvoiceRequest{
		Amount:   amount,
		Currency: currency,
		Metadata: meta,
		Checkout: c.checkout(opts),
	}
	var resp invoiceResponse
	if err := c.do(ctx, opCreateInvoice, call{method: http.MethodPost, path: c.storePath("/invoices"), body: body}, &resp); err != nil {
		return nil, err
	}
	inv := resp.toModel()
	if inv.Status == "" {
		inv.Status = model.InvoiceStatusNew
	}
	c.cache.Put(ctx, key, inv, c.opts.CacheTTL)

	c.log.Info().
		Str("invoice_id", inv.ID).
		Str("amount", inv.Amount.String()).
		Str("currency", inv.Currency).
		Str("purchase_intent_id", meta.PurchaseIntentID).
		Msg("invoice created")
	return inv, nil
}

func (c *Client) reusable(inv *model.Invoice) bool {
	if inv == nil || inv.Status.IsTerminal() {
		return false
	}
	return inv.ExpiresAt.IsZero() || c.clock.Now().Before(inv.ExpiresAt)
}

// checkout overlays per-call options on the configured defaults.
func (c *Client) checkout(opts model.CheckoutOptions) *checkoutOptions {
	def := c.opts.Checkout
	out := &checkoutOptions{
		SpeedPolicy:       firstNonEmpty(opts.SpeedPolicy, def.SpeedPolicy),
		PaymentMethods:    opts.PaymentMethods,
		ExpirationMinutes: opts.ExpirationMinutes,
		RedirectURL:       firstNonEmpty(opts.RedirectURL, def.RedirectURL),
	}
	if len(out.PaymentMethods) == 0 {
		out.PaymentMethods = def.PaymentMethods
	}
	if out.ExpirationMinutes <= 0 {
		out.ExpirationMinutes = def.ExpirationMinutes
	}
	if out.SpeedPolicy == "" && len(out.PaymentMethods) == 0 && out.ExpirationMinutes == 0 && out.RedirectURL == "" {
		return nil
	}
	return out
}

func (c *Client) GetInvoice(ctx context.Context, invoiceID string) (*model.Invoice, error) {
	if invoiceID == "" {
		return nil, domain.ErrInvalidArgument
	}
	var resp invoiceResponse
	path := c.storePath("/invoices/%s", url.PathEscape(invoiceID))
	if err := c.do(ctx, opGetInvoice, call{method: http.MethodGet, path: path, scope: invoiceID}, &resp); err != nil {
		return nil, err
	}
	return resp.toModel(), nil
}

func (c *Client) GetPaymentMethods(ctx context.Context, invoiceID string) ([]model.PaymentMethod, error) {
	if invoiceID == "" {
		return nil, domain.ErrInvalidArgument
	}
	var resp []paymentMethodResponse
	path := c.storePath("/invoices/%s/payment-methods", url.PathEscape(invoiceID))
	if err := c.do(ctx, opPaymentMethods, call{method: http.MethodGet, path: path, scope: invoiceID}, &resp); err != nil {
		return nil, err
	}
	out := make([]model.PaymentMethod, 0, len(resp))
	for _, pm := range resp {
		out = append(out, pm.toModel())
	}
	return out, nil
}

// ArchiveInvoice hides the invoice from the processor's listings. The invoice
// itself and its payments are kept.
func (c *Client) ArchiveInvoice(ctx context.Context, invoiceID string) error {
	if invoiceID == "" {
		return domain.ErrInvalidArgument
	}
	path := c.storePath("/invoices/%s", url.PathEscape(invoiceID))
	return c.do(ctx, opArchiveInvoice, call{method: http.MethodDelete, path: path, scope: invoiceID}, nil)
}

// CancelInvoice marks the invoice Invalid so it can no longer be paid.
func (c *Client) CancelInvoice(ctx context.Context, invoiceID string) error {
	_, err := c.MarkInvoiceStatus(ctx, invoiceID, model.InvoiceStatusInvalid)
	return err
}

// MarkInvoiceStatus forces Settled or Invalid; the processor refuses any other target.
func (c *Client) MarkInvoiceStatus(ctx context.Context, invoiceID string, status model.InvoiceStatus) (*model.Invoice, error) {
	if invoiceID == "" {
		return nil, domain.ErrInvalidArgument
	}
	if status != model.InvoiceStatusSettled && status != model.InvoiceStatusInvalid {
		return nil, fmt.Errorf("%w: can only mark Settled or Invalid, got %q", domain.ErrInvalidArgument, status)
	}
	var resp invoiceResponse
	path := c.storePath("/invoices/%s/status", url.PathEscape(invoiceID))
	if err := c.do(ctx, opMarkInvoiceStatus, call{method: http.MethodPost, path: path, body: markStatusRequest{Status: status}, scope: invoiceID}, &resp); err != nil {
		return nil, err
	}
	c.log.Info().Str("invoice_id", invoiceID).Str("status", string(status)).Msg("invoice status marked")
	return resp.toModel(), nil
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}
