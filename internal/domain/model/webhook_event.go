package model

import (
	"encoding/json"
	"time"
)

type WebhookEventType string

const (
	EventInvoiceCreated         WebhookEventType = "InvoiceCreated"
	EventInvoiceReceivedPayment WebhookEventType = "InvoiceReceivedPayment"
	EventInvoiceProcessing      WebhookEventType = "InvoiceProcessing"
	EventInvoiceSettled         WebhookEventType = "InvoiceSettled"
	EventInvoiceExpired         WebhookEventType = "InvoiceExpired"
	EventInvoiceInvalid         WebhookEventType = "InvoiceInvalid"
	EventInvoicePaymentSettled  WebhookEventType = "InvoicePaymentSettled"
)

// AllInvoiceEvents is the event set the webhook registration subscribes to.
var AllInvoiceEvents = []WebhookEventType{
	EventInvoiceCreated,
	EventInvoiceReceivedPayment,
	EventInvoiceProcessing,
	EventInvoiceSettled,
	EventInvoiceExpired,
	EventInvoiceInvalid,
	EventInvoicePaymentSettled,
}

// TargetStatus returns the invoice status an event type drives toward.
// changes is false for event types that never move the status
// (InvoicePaymentSettled). known is false for unrecognized types.
func (t WebhookEventType) TargetStatus() (status InvoiceStatus, changes bool, known bool) {
	switch t {
	case EventInvoiceCreated:
		return InvoiceStatusNew, true, true
	case EventInvoiceReceivedPayment, EventInvoiceProcessing:
		return InvoiceStatusProcessing, true, true
	case EventInvoiceSettled:
		return InvoiceStatusSettled, true, true
	case EventInvoiceExpired:
		return InvoiceStatusExpired, true, true
	case EventInvoiceInvalid:
		return InvoiceStatusInvalid, true, true
	case EventInvoicePaymentSettled:
		return "", false, true
	default:
		return "", false, false
	}
}

// WebhookEvent is one append-only audit row per inbound delivery.
type WebhookEvent struct {
	ID         string // ulid, time ordered
	EventID    string // idempotency key; empty for unverified deliveries
	InvoiceID  string
	Type       WebhookEventType
	Payload    []byte
	ReceivedAt time.Time
	Verified   bool
}

// InboundEvent is the decoded body of an authenticated webhook delivery.
// Metadata is transport content and is never used to decide side effects.
type InboundEvent struct {
	ID                 string           `json:"id"`
	DeliveryID         string           `json:"deliveryId"`
	OriginalDeliveryID string           `json:"originalDeliveryId"`
	IsRedelivery       bool             `json:"isRedelivery"`
	Type               WebhookEventType `json:"type"`
	Timestamp          int64            `json:"timestamp"`
	StoreID            string           `json:"storeId"`
	InvoiceID          string           `json:"invoiceId"`
	Metadata           json.RawMessage  `json:"metadata,omitempty"`
	Payment            *EventPayment    `json:"payment,omitempty"`
}

type EventPayment struct {
	ID           string `json:"id"`
	ReceivedDate int64  `json:"receivedDate"`
	Value        string `json:"value"`
	Fee          string `json:"fee"`
	Status       string `json:"status"`
	Destination  string `json:"destination"`
}

// DedupeKey is the id used to detect repeated deliveries of the same event.
func (e InboundEvent) DedupeKey() string {
	switch {
	case e.ID != "":
		return e.ID
	case e.OriginalDeliveryID != "":
		return e.OriginalDeliveryID
	default:
		return e.DeliveryID
	}
}
