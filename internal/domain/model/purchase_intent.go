package model

import (
	"time"

	"github.com/shopspring/decimal"

	"coinshop-payments/internal/domain"
)

type PurchaseIntentStatus string

const (
	PurchaseIntentPending    PurchaseIntentStatus = "pending"
	PurchaseIntentProcessing PurchaseIntentStatus = "processing"
	PurchaseIntentCompleted  PurchaseIntentStatus = "completed"
	PurchaseIntentExpired    PurchaseIntentStatus = "expired"
	PurchaseIntentFailed     PurchaseIntentStatus = "failed"
)

// PurchaseIntent is the caller-side record linking a user, a package and an
// amount. It exists before the invoice and follows the invoice's status.
type PurchaseIntent struct {
	ID        string
	UserID    string
	PackageID string
	Amount    decimal.Decimal
	Currency  string
	Coins     int64
	InvoiceID *string
	Status    PurchaseIntentStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

func NewPurchaseIntent(id, userID string, pkg CoinPackage) (*PurchaseIntent, error) {
	if id == "" || userID == "" {
		return nil, domain.ErrInvalidArgument
	}
	if err := pkg.Validate(); err != nil {
		return nil, err
	}
	now := time.Now()
	return &PurchaseIntent{
		ID:        id,
		UserID:    userID,
		PackageID: pkg.ID,
		Amount:    pkg.Price,
		Currency:  pkg.Currency,
		Coins:     pkg.Coins,
		Status:    PurchaseIntentPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// IntentStatusFor maps an invoice status to the purchase intent status it
// implies. ok is false for New, which leaves the intent untouched.
func IntentStatusFor(s InvoiceStatus) (PurchaseIntentStatus, bool) {
	switch s {
	case InvoiceStatusProcessing:
		return PurchaseIntentProcessing, true
	case InvoiceStatusSettled:
		return PurchaseIntentCompleted, true
	case InvoiceStatusExpired:
		return PurchaseIntentExpired, true
	case InvoiceStatusInvalid:
		return PurchaseIntentFailed, true
	default:
		return "", false
	}
}

// CoinPackage describes what is being sold. The catalog itself lives with the caller.
type CoinPackage struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Currency string          `json:"currency"`
	Coins    int64           `json:"coins"`
}

func (p CoinPackage) Validate() error {
	if p.ID == "" || p.Currency == "" || p.Coins <= 0 || !p.Price.IsPositive() {
		return domain.ErrInvalidArgument
	}
	return nil
}

// CorrelationIDs are supplied by the caller when requesting an invoice.
// PurchaseIntentID is optional; re-using it makes creation retries idempotent.
type CorrelationIDs struct {
	UserID           string `json:"userId"`
	PurchaseIntentID string `json:"purchaseIntentId,omitempty"`
	OrderID          string `json:"orderId,omitempty"`
}
