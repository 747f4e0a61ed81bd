package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// RefundRequest asks the processor to create a pull-payment refund for an invoice.
// A nil Amount refunds the full invoice at the rate it was paid.
type RefundRequest struct {
	InvoiceID     string
	Amount        *decimal.Decimal
	Currency      string
	Reason        string
	PaymentMethod string
}

type Refund struct {
	ID          string
	InvoiceID   string
	Name        string
	Description string
	Amount      decimal.Decimal
	Currency    string
	ViewLink    string
	CreatedAt   time.Time
}

// WebhookRegistration mirrors a webhook subscription held by the processor.
type WebhookRegistration struct {
	ID                  string
	URL                 string
	Enabled             bool
	AutomaticRedelivery bool
	Everything          bool
	SpecificEvents      []WebhookEventType
	Secret              string
}

// Covers reports whether the registration delivers every event in want.
func (w WebhookRegistration) Covers(want []WebhookEventType) bool {
	if w.Everything {
		return true
	}
	have := make(map[WebhookEventType]struct{}, len(w.SpecificEvents))
	for _, e := range w.SpecificEvents {
		have[e] = struct{}{}
	}
	for _, e := range want {
		if _, ok := have[e]; !ok {
			return false
		}
	}
	return true
}
