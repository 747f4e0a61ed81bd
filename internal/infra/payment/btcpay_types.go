package payment

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"coinshop-payments/internal/domain/model"
)

// Wire types for the Greenfield API. Amounts travel as decimal strings and
// timestamps as unix seconds.

type createInvoiceRequest struct {
	Amount   decimal.Decimal       `json:"amount"`
	Currency string                `json:"currency"`
	Metadata model.InvoiceMetadata `json:"metadata"`
	Checkout *checkoutOptions      `json:"checkout,omitempty"`
}

type checkoutOptions struct {
	SpeedPolicy       string   `json:"speedPolicy,omitempty"`
	PaymentMethods    []string `json:"paymentMethods,omitempty"`
	ExpirationMinutes int      `json:"expirationMinutes,omitempty"`
	RedirectURL       string   `json:"redirectURL,omitempty"`
}

type invoiceResponse struct {
	ID             string          `json:"id"`
	StoreID        string          `json:"storeId"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Status         string          `json:"status"`
	CheckoutLink   string          `json:"checkoutLink"`
	CreatedTime    int64           `json:"createdTime"`
	ExpirationTime int64           `json:"expirationTime"`
	Archived       bool            `json:"archived"`
	Metadata       json.RawMessage `json:"metadata"`
}

func (r invoiceResponse) toModel() *model.Invoice {
	inv := &model.Invoice{
		ID:           r.ID,
		StoreID:      r.StoreID,
		Status:       model.InvoiceStatus(r.Status),
		Amount:       r.Amount,
		Currency:     r.Currency,
		CheckoutLink: r.CheckoutLink,
		Archived:     r.Archived,
	}
	if r.CreatedTime > 0 {
		inv.CreatedAt = time.Unix(r.CreatedTime, 0).UTC()
	}
	if r.ExpirationTime > 0 {
		inv.ExpiresAt = time.Unix(r.ExpirationTime, 0).UTC()
	}
	inv.UpdatedAt = inv.CreatedAt
	// Remote metadata is informational only; unknown or malformed fields are ignored.
	if len(r.Metadata) > 0 {
		_ = json.Unmarshal(r.Metadata, &inv.Metadata)
	}
	return inv
}

type paymentMethodResponse struct {
	PaymentMethod   string            `json:"paymentMethod"`
	PaymentMethodID string            `json:"paymentMethodId"`
	Destination     string            `json:"destination"`
	PaymentLink     string            `json:"paymentLink"`
	Rate            decimal.Decimal   `json:"rate"`
	Amount          decimal.Decimal   `json:"amount"`
	Due             decimal.Decimal   `json:"due"`
	TotalPaid       decimal.Decimal   `json:"totalPaid"`
	NetworkFee      decimal.Decimal   `json:"networkFee"`
	Activated       bool              `json:"activated"`
	Payments        []json.RawMessage `json:"payments"`
}

func (r paymentMethodResponse) toModel() model.PaymentMethod {
	id := r.PaymentMethodID
	if id == "" {
		id = r.PaymentMethod
	}
	return model.PaymentMethod{
		PaymentMethod: id,
		Destination:   r.Destination,
		PaymentLink:   r.PaymentLink,
		Rate:          r.Rate,
		Amount:        r.Amount,
		Due:           r.Due,
		TotalPaid:     r.TotalPaid,
		NetworkFee:    r.NetworkFee,
		Activated:     r.Activated,
		PaymentCount:  len(r.Payments),
	}
}

type markStatusRequest struct {
	Status model.InvoiceStatus `json:"status"`
}

// refundRequest creates a pull payment the buyer claims to get their funds back.
// RefundVariant is CurrentRate, RateThen, Fiat or Custom.
type refundRequest struct {
	Name           string           `json:"name,omitempty"`
	Description    string           `json:"description,omitempty"`
	PaymentMethod  string           `json:"paymentMethod"`
	RefundVariant  string           `json:"refundVariant"`
	CustomAmount   *decimal.Decimal `json:"customAmount,omitempty"`
	CustomCurrency string           `json:"customCurrency,omitempty"`
}

type pullPaymentResponse struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Currency    string          `json:"currency"`
	Amount      decimal.Decimal `json:"amount"`
	ViewLink    string          `json:"viewLink"`
	StartsAt    int64           `json:"startsAt"`
}

type webhookAuthorizedEvents struct {
	Everything     bool     `json:"everything"`
	SpecificEvents []string `json:"specificEvents"`
}

type webhookData struct {
	ID                  string                  `json:"id,omitempty"`
	URL                 string                  `json:"url"`
	Enabled             bool                    `json:"enabled"`
	AutomaticRedelivery bool                    `json:"automaticRedelivery"`
	AuthorizedEvents    webhookAuthorizedEvents `json:"authorizedEvents"`
	Secret              string                  `json:"secret,omitempty"`
}

func (w webhookData) toModel() *model.WebhookRegistration {
	reg := &model.WebhookRegistration{
		ID:                  w.ID,
		URL:                 w.URL,
		Enabled:             w.Enabled,
		AutomaticRedelivery: w.AutomaticRedelivery,
		Everything:          w.AuthorizedEvents.Everything,
		Secret:              w.Secret,
	}
	for _, e := range w.AuthorizedEvents.SpecificEvents {
		reg.SpecificEvents = append(reg.SpecificEvents, model.WebhookEventType(e))
	}
	return reg
}
