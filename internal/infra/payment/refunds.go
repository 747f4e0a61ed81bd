package payment

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"coinshop-payments/internal/domain"
	"coinshop-payments/internal/domain/model"
)

const defaultRefundMethod = "BTC"

// CreateRefund issues a refund as a pull payment. Without an amount the whole
// invoice is refunded at the current rate; with one, a custom amount in
// req.Currency (the invoice currency when empty) is refunded.
func (c *Client) CreateRefund(ctx context.Context, req model.RefundRequest) (*model.Refund, error) {
	if req.InvoiceID == "" {
		return nil, domain.ErrInvalidArgument
	}
	if req.Amount != nil && !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: refund amount must be positive", domain.ErrInvalidArgument)
	}

	body := refundRequest{
		Name:          "Refund " + req.InvoiceID,
		Description:   strings.TrimSpace(req.Reason),
		PaymentMethod: firstNonEmpty(req.PaymentMethod, firstMethod(c.opts.Checkout.PaymentMethods), defaultRefundMethod),
		RefundVariant: "CurrentRate",
	}
	if req.Amount != nil {
		body.RefundVariant = "Custom"
		body.CustomAmount = req.Amount
		body.CustomCurrency = strings.ToUpper(req.Currency)
	}

	var resp pullPaymentResponse
	path := c.storePath("/invoices/%s/refund", url.PathEscape(req.InvoiceID))
	if err := c.do(ctx, opCreateRefund, call{method: http.MethodPost, path: path, body: body, scope: req.InvoiceID}, &resp); err != nil {
		return nil, err
	}

	refund := &model.Refund{
		ID:          resp.ID,
		InvoiceID:   req.InvoiceID,
		Name:        resp.Name,
		Description: resp.Description,
		Amount:      resp.Amount,
		Currency:    resp.Currency,
		ViewLink:    resp.ViewLink,
		CreatedAt:   c.clock.Now().UTC(),
	}
	if resp.StartsAt > 0 {
		refund.CreatedAt = time.Unix(resp.StartsAt, 0).UTC()
	}
	c.log.Info().Str("invoice_id", req.InvoiceID).Str("refund_id", refund.ID).Str("variant", body.RefundVariant).Msg("refund created")
	return refund, nil
}

func firstMethod(methods []string) string {
	if len(methods) == 0 {
		return ""
	}
	return methods[0]
}
