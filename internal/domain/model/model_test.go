//go:build !integration

package model

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"coinshop-payments/internal/domain"
)

func TestCanTransition(t *testing.T) {
	all := []InvoiceStatus{InvoiceStatusNew, InvoiceStatusProcessing, InvoiceStatusSettled, InvoiceStatusInvalid, InvoiceStatusExpired}
	allowed := map[[2]InvoiceStatus]bool{
		{InvoiceStatusNew, InvoiceStatusProcessing}:     true,
		{InvoiceStatusNew, InvoiceStatusSettled}:        true,
		{InvoiceStatusNew, InvoiceStatusInvalid}:        true,
		{InvoiceStatusNew, InvoiceStatusExpired}:        true,
		{InvoiceStatusProcessing, InvoiceStatusSettled}: true,
		{InvoiceStatusProcessing, InvoiceStatusInvalid}: true,
		{InvoiceStatusProcessing, InvoiceStatusExpired}: true,
	}

	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]InvoiceStatus{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}

	if CanTransition("Paid", InvoiceStatusSettled) || CanTransition(InvoiceStatusNew, "Paid") {
		t.Error("unknown statuses must never transition")
	}
}

func TestInvoiceStatus_IsTerminal(t *testing.T) {
	tests := map[InvoiceStatus]bool{
		InvoiceStatusNew:        false,
		InvoiceStatusProcessing: false,
		InvoiceStatusSettled:    true,
		InvoiceStatusInvalid:    true,
		InvoiceStatusExpired:    true,
		"":                      false,
	}
	for s, want := range tests {
		if got := s.IsTerminal(); got != want {
			t.Errorf("%q.IsTerminal() = %v, want %v", s, got, want)
		}
	}
}

func TestWebhookEventType_TargetStatus(t *testing.T) {
	tests := []struct {
		typ     WebhookEventType
		status  InvoiceStatus
		changes bool
		known   bool
	}{
		{EventInvoiceCreated, InvoiceStatusNew, true, true},
		{EventInvoiceReceivedPayment, InvoiceStatusProcessing, true, true},
		{EventInvoiceProcessing, InvoiceStatusProcessing, true, true},
		{EventInvoiceSettled, InvoiceStatusSettled, true, true},
		{EventInvoiceExpired, InvoiceStatusExpired, true, true},
		{EventInvoiceInvalid, InvoiceStatusInvalid, true, true},
		{EventInvoicePaymentSettled, "", false, true},
		{"InvoiceRefunded", "", false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			status, changes, known := tt.typ.TargetStatus()
			if status != tt.status || changes != tt.changes || known != tt.known {
				t.Errorf("got (%q, %v, %v), want (%q, %v, %v)", status, changes, known, tt.status, tt.changes, tt.known)
			}
		})
	}
}

func TestIntentStatusFor(t *testing.T) {
	if _, ok := IntentStatusFor(InvoiceStatusNew); ok {
		t.Error("New must leave the intent untouched")
	}
	want := map[InvoiceStatus]PurchaseIntentStatus{
		InvoiceStatusProcessing: PurchaseIntentProcessing,
		InvoiceStatusSettled:    PurchaseIntentCompleted,
		InvoiceStatusExpired:    PurchaseIntentExpired,
		InvoiceStatusInvalid:    PurchaseIntentFailed,
	}
	for inv, intent := range want {
		got, ok := IntentStatusFor(inv)
		if !ok || got != intent {
			t.Errorf("IntentStatusFor(%s) = %q, %v; want %q", inv, got, ok, intent)
		}
	}
}

func TestInboundEvent_DedupeKey(t *testing.T) {
	tests := []struct {
		name string
		ev   InboundEvent
		want string
	}{
		{"event id wins", InboundEvent{ID: "ev", DeliveryID: "d2", OriginalDeliveryID: "d1"}, "ev"},
		{"redelivery uses original delivery", InboundEvent{DeliveryID: "d2", OriginalDeliveryID: "d1", IsRedelivery: true}, "d1"},
		{"first delivery", InboundEvent{DeliveryID: "d1"}, "d1"},
		{"nothing", InboundEvent{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ev.DedupeKey(); got != tt.want {
				t.Errorf("DedupeKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWebhookRegistration_Covers(t *testing.T) {
	if !(WebhookRegistration{Everything: true}).Covers(AllInvoiceEvents) {
		t.Error("an everything registration covers all events")
	}
	partial := WebhookRegistration{SpecificEvents: []WebhookEventType{EventInvoiceSettled, EventInvoiceExpired}}
	if partial.Covers(AllInvoiceEvents) {
		t.Error("a partial registration must not cover all events")
	}
	if !partial.Covers([]WebhookEventType{EventInvoiceSettled}) {
		t.Error("expected the subset to be covered")
	}
}

func TestNewPurchaseIntent(t *testing.T) {
	pkg := CoinPackage{ID: "gold", Price: decimal.RequireFromString("9.99"), Currency: "USD", Coins: 1000}

	t.Run("should create a pending intent", func(t *testing.T) {
		in, err := NewPurchaseIntent("pi-1", "user-1", pkg)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if in.Status != PurchaseIntentPending || in.Coins != 1000 || !in.Amount.Equal(pkg.Price) {
			t.Errorf("unexpected intent %+v", in)
		}
	})

	t.Run("should reject a bad package", func(t *testing.T) {
		bad := pkg
		bad.Coins = 0
		if _, err := NewPurchaseIntent("pi-1", "user-1", bad); !errors.Is(err, domain.ErrInvalidArgument) {
			t.Errorf("expected ErrInvalidArgument, got %v", err)
		}
		bad = pkg
		bad.Price = decimal.Zero
		if _, err := NewPurchaseIntent("pi-1", "user-1", bad); !errors.Is(err, domain.ErrInvalidArgument) {
			t.Errorf("expected ErrInvalidArgument, got %v", err)
		}
	})

	t.Run("should require ids", func(t *testing.T) {
		if _, err := NewPurchaseIntent("", "user-1", pkg); !errors.Is(err, domain.ErrInvalidArgument) {
			t.Errorf("expected ErrInvalidArgument, got %v", err)
		}
		if _, err := NewPurchaseIntent("pi-1", "", pkg); !errors.Is(err, domain.ErrInvalidArgument) {
			t.Errorf("expected ErrInvalidArgument, got %v", err)
		}
	})
}

func TestEventPayment_ToRecord(t *testing.T) {
	rec := EventPayment{ID: "pay-1", ReceivedDate: 1700000000, Value: " 0.005 ", Fee: "n/a", Status: "Settled"}.ToRecord("inv-1")
	if rec.InvoiceID != "inv-1" || rec.Status != "Settled" {
		t.Errorf("unexpected record %+v", rec)
	}
	if rec.Value.String() != "0.005" || !rec.Fee.IsZero() {
		t.Errorf("value %s fee %s", rec.Value, rec.Fee)
	}
	if rec.ReceivedAt.Unix() != 1700000000 {
		t.Errorf("received at %s", rec.ReceivedAt)
	}
	if !(EventPayment{ID: "pay-2"}).ToRecord("inv-1").ReceivedAt.IsZero() {
		t.Error("missing receivedDate should stay zero")
	}
}
