package model

import "time"

// UserBalance is the coin balance the settled invoices credit.
type UserBalance struct {
	UserID    string
	Coins     int64
	UpdatedAt time.Time
}

// CoinCredit is the ledger row proving an invoice was credited; one per invoice.
type CoinCredit struct {
	InvoiceID string
	UserID    string
	Coins     int64
	CreatedAt time.Time
}
