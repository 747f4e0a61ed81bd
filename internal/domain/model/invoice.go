package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type InvoiceStatus string

const (
	InvoiceStatusNew        InvoiceStatus = "New"
	InvoiceStatusProcessing InvoiceStatus = "Processing"
	InvoiceStatusSettled    InvoiceStatus = "Settled"
	InvoiceStatusInvalid    InvoiceStatus = "Invalid"
	InvoiceStatusExpired    InvoiceStatus = "Expired"
)

// rank orders statuses along the lifecycle. All terminal statuses share the top rank.
func (s InvoiceStatus) rank() int {
	switch s {
	case InvoiceStatusNew:
		return 0
	case InvoiceStatusProcessing:
		return 1
	case InvoiceStatusSettled, InvoiceStatusInvalid, InvoiceStatusExpired:
		return 2
	default:
		return -1
	}
}

func (s InvoiceStatus) Valid() bool { return s.rank() >= 0 }

// IsTerminal reports whether no further transition is permitted from s.
func (s InvoiceStatus) IsTerminal() bool { return s.rank() == 2 }

// CanTransition reports whether an invoice in status from may move to status to.
// Only forward moves are allowed; skipping Processing (observed by polling) is tolerated.
func CanTransition(from, to InvoiceStatus) bool {
	if !from.Valid() || !to.Valid() || from.IsTerminal() {
		return false
	}
	return to.rank() > from.rank()
}

// InvoiceMetadata is the correlation bag attached at creation. The copy stored
// locally is the only trusted source for what a settled invoice credits.
type InvoiceMetadata struct {
	UserID           string `json:"userId"`
	PackageID        string `json:"packageId"`
	CoinsToCredit    int64  `json:"coinsToCredit"`
	PurchaseIntentID string `json:"purchaseIntentId"`
	OrderID          string `json:"orderId,omitempty"`
}

type Invoice struct {
	ID           string
	StoreID      string
	Status       InvoiceStatus
	Amount       decimal.Decimal
	Currency     string
	Metadata     InvoiceMetadata
	CheckoutLink string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	SettledAt    *time.Time
	Archived     bool
	UpdatedAt    time.Time
}

// CheckoutOptions are forwarded to the processor's checkout configuration.
type CheckoutOptions struct {
	SpeedPolicy       string   // HighSpeed | MediumSpeed | LowMediumSpeed | LowSpeed
	PaymentMethods    []string // e.g. BTC, BTC-LightningNetwork
	ExpirationMinutes int
	RedirectURL       string
}

type PaymentMethod struct {
	PaymentMethod string
	Destination   string
	PaymentLink   string
	Rate          decimal.Decimal
	Amount        decimal.Decimal
	Due           decimal.Decimal
	TotalPaid     decimal.Decimal
	NetworkFee    decimal.Decimal
	Activated     bool
	PaymentCount  int
}

// StatusChange is what subscribers are told when a watched invoice moves.
type StatusChange struct {
	InvoiceID  string
	Previous   InvoiceStatus
	Current    InvoiceStatus
	ObservedAt time.Time
}
