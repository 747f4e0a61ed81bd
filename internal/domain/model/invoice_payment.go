package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// InvoicePayment is the latest known state of one on-chain or lightning
// payment toward an invoice. An invoice may collect several.
type InvoicePayment struct {
	ID          string
	InvoiceID   string
	Value       decimal.Decimal
	Fee         decimal.Decimal
	Status      string // Processing|Settled|Invalid, as reported by the processor
	Destination string
	ReceivedAt  time.Time
	UpdatedAt   time.Time
}

// ToRecord converts the payment object of a webhook into the stored form.
// Unparsable amounts are kept as zero rather than failing the delivery.
func (p EventPayment) ToRecord(invoiceID string) *InvoicePayment {
	rec := &InvoicePayment{
		ID:          p.ID,
		InvoiceID:   invoiceID,
		Value:       parseAmount(p.Value),
		Fee:         parseAmount(p.Fee),
		Status:      p.Status,
		Destination: p.Destination,
	}
	if p.ReceivedDate > 0 {
		rec.ReceivedAt = time.Unix(p.ReceivedDate, 0).UTC()
	}
	return rec
}

func parseAmount(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return d
}
