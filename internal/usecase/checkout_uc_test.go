//go:build !integration

package usecase_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"coinshop-payments/internal/domain"
	"coinshop-payments/internal/domain/model"
	"coinshop-payments/internal/usecase"
)

var testPackage = model.CoinPackage{ID: "pkg-1000", Name: "1000 coins", Price: decimal.RequireFromString("0.005"), Currency: "btc", Coins: 1000}

func TestCheckoutUseCase_CreateInvoiceForPackage(t *testing.T) {
	ctx := context.Background()

	t.Run("should open an intent and store the trusted metadata", func(t *testing.T) {
		f := newFixture(t)
		// The processor echo must not replace what was sent.
		f.gateway.CreateInvoiceFunc = func(ctx context.Context, amount decimal.Decimal, currency string, meta model.InvoiceMetadata, opts model.CheckoutOptions) (*model.Invoice, error) {
			if currency != "BTC" || !amount.Equal(testPackage.Price) {
				t.Errorf("unexpected request %s %s", amount, currency)
			}
			echoed := meta
			echoed.CoinsToCredit = 1
			return &model.Invoice{ID: "inv-1", Status: model.InvoiceStatusNew, Amount: amount, Currency: currency, Metadata: echoed}, nil
		}
		uc := usecase.NewCheckoutUseCase(f.gateway, &MockWatcher{}, f.invoices, f.intents, f.tm, newTestLogger())

		inv, err := uc.CreateInvoiceForPackage(ctx, testPackage, model.CorrelationIDs{UserID: "u1", OrderID: "order-9"})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		stored, err := f.invoices.FindByID(ctx, nil, inv.ID)
		if err != nil {
			t.Fatal(err)
		}
		if stored.Metadata.CoinsToCredit != 1000 || stored.Metadata.UserID != "u1" || stored.Metadata.OrderID != "order-9" {
			t.Errorf("unexpected stored metadata %+v", stored.Metadata)
		}
		pi, err := f.intents.FindByID(ctx, nil, stored.Metadata.PurchaseIntentID)
		if err != nil {
			t.Fatalf("intent not stored: %v", err)
		}
		if pi.InvoiceID == nil || *pi.InvoiceID != inv.ID || pi.Status != model.PurchaseIntentPending {
			t.Errorf("unexpected intent %+v", pi)
		}
	})

	t.Run("should reuse the live invoice of a known intent", func(t *testing.T) {
		f := newFixture(t)
		ids := model.CorrelationIDs{UserID: "u1", PurchaseIntentID: "pi-42"}
		first, err := f.checkout.CreateInvoiceForPackage(ctx, testPackage, ids)
		if err != nil {
			t.Fatal(err)
		}
		second, err := f.checkout.CreateInvoiceForPackage(ctx, testPackage, ids)
		if err != nil {
			t.Fatal(err)
		}
		if first.ID != second.ID {
			t.Errorf("expected the same invoice, got %s and %s", first.ID, second.ID)
		}
		if f.gateway.createdCount() != 1 {
			t.Errorf("expected one gateway call, got %d", f.gateway.createdCount())
		}
	})

	t.Run("should invoice again when the intent's invoice expired at the processor", func(t *testing.T) {
		f := newFixture(t)
		ids := model.CorrelationIDs{UserID: "u1", PurchaseIntentID: "pi-7"}
		first, _ := f.checkout.CreateInvoiceForPackage(ctx, testPackage, ids)

		// Processor-side expiry observed before the intent follows it.
		_, _ = f.invoices.TransitionStatus(ctx, nil, first.ID, model.InvoiceStatusExpired, nil)

		second, err := f.checkout.CreateInvoiceForPackage(ctx, testPackage, ids)
		if err != nil {
			t.Fatal(err)
		}
		if second.ID == first.ID {
			t.Error("expected a fresh invoice")
		}
	})

	t.Run("should refuse reused intents that are finished or foreign", func(t *testing.T) {
		f := newFixture(t)
		ids := model.CorrelationIDs{UserID: "u1", PurchaseIntentID: "pi-done"}
		if _, err := f.checkout.CreateInvoiceForPackage(ctx, testPackage, ids); err != nil {
			t.Fatal(err)
		}
		if _, err := f.checkout.CreateInvoiceForPackage(ctx, testPackage, model.CorrelationIDs{UserID: "u2", PurchaseIntentID: "pi-done"}); !errors.Is(err, domain.ErrInvalidArgument) {
			t.Errorf("expected ErrInvalidArgument for another user, got %v", err)
		}
		_ = f.intents.UpdateStatus(ctx, nil, "pi-done", model.PurchaseIntentCompleted)
		if _, err := f.checkout.CreateInvoiceForPackage(ctx, testPackage, ids); !errors.Is(err, domain.ErrAlreadyExists) {
			t.Errorf("expected ErrAlreadyExists, got %v", err)
		}
	})

	t.Run("should reject bad input before calling the gateway", func(t *testing.T) {
		f := newFixture(t)
		bad := testPackage
		bad.Coins = 0
		if _, err := f.checkout.CreateInvoiceForPackage(ctx, bad, model.CorrelationIDs{UserID: "u1"}); !errors.Is(err, domain.ErrInvalidArgument) {
			t.Errorf("expected ErrInvalidArgument, got %v", err)
		}
		if _, err := f.checkout.CreateInvoiceForPackage(ctx, testPackage, model.CorrelationIDs{}); !errors.Is(err, domain.ErrInvalidArgument) {
			t.Errorf("expected ErrInvalidArgument without user, got %v", err)
		}
		if f.gateway.createdCount() != 0 {
			t.Error("gateway must not be called")
		}
	})

	t.Run("should surface gateway errors and store nothing", func(t *testing.T) {
		f := newFixture(t)
		f.gateway.CreateInvoiceFunc = func(ctx context.Context, amount decimal.Decimal, currency string, meta model.InvoiceMetadata, opts model.CheckoutOptions) (*model.Invoice, error) {
			return nil, &domain.GatewayError{Op: "create_invoice", Err: domain.ErrRateLimitExceeded}
		}
		_, err := f.checkout.CreateInvoiceForPackage(ctx, testPackage, model.CorrelationIDs{UserID: "u1"})
		if !domain.IsRateLimit(err) {
			t.Errorf("expected a rate limit error, got %v", err)
		}
		if len(f.db.invoices) != 0 {
			t.Error("no invoice should be stored")
		}
	})
}

func TestCheckoutUseCase_Refund(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inv := f.buyPackage(t)

	if _, err := f.checkout.RefundInvoice(ctx, model.RefundRequest{InvoiceID: inv.ID}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("expected unsettled refund to fail, got %v", err)
	}
	if _, err := f.checkout.RefundInvoice(ctx, model.RefundRequest{InvoiceID: "missing"}); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if _, err := f.deliver(t, event("evt-1", model.EventInvoiceSettled, inv.ID)); err != nil {
		t.Fatal(err)
	}
	var got model.RefundRequest
	f.gateway.CreateRefundFunc = func(ctx context.Context, req model.RefundRequest) (*model.Refund, error) {
		got = req
		return &model.Refund{ID: "r-1", InvoiceID: req.InvoiceID}, nil
	}
	refund, err := f.checkout.RefundInvoice(ctx, model.RefundRequest{InvoiceID: inv.ID, Reason: "duplicate purchase"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if refund.ID != "r-1" || got.Currency != "BTC" {
		t.Errorf("unexpected refund %+v for request %+v", refund, got)
	}
}

func TestCheckoutUseCase_Cancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inv := f.buyPackage(t)

	var cancelled string
	f.gateway.CancelInvoiceFunc = func(ctx context.Context, id string) error {
		cancelled = id
		return nil
	}
	if _, err := f.checkout.CancelInvoice(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	got, err := f.checkout.CancelInvoice(ctx, inv.ID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cancelled != inv.ID || got.ID != inv.ID {
		t.Errorf("expected %s to be cancelled at the processor, got %q", inv.ID, cancelled)
	}

	if _, err := f.deliver(t, event("evt-1", model.EventInvoiceSettled, inv.ID)); err != nil {
		t.Fatal(err)
	}
	cancelled = ""
	if _, err := f.checkout.CancelInvoice(ctx, inv.ID); !errors.Is(err, domain.ErrInvalidStateTransition) {
		t.Errorf("expected settled invoice to refuse cancellation, got %v", err)
	}
	if cancelled != "" {
		t.Error("the processor must not be called for a terminal invoice")
	}
}

func TestCheckoutUseCase_Subscribe(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	var (
		subscribed string
		from       model.InvoiceStatus
		calls      int
	)
	watcher := &MockWatcher{SubscribeFunc: func(id string, status model.InvoiceStatus, onChange func(model.StatusChange)) (func(), error) {
		subscribed, from = id, status
		calls++
		return func() {}, nil
	}}
	uc := usecase.NewCheckoutUseCase(f.gateway, watcher, f.invoices, f.intents, f.tm, newTestLogger())
	inv := f.buyPackage(t)

	if _, err := uc.SubscribeToInvoiceStatus(ctx, "", func(model.StatusChange) {}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
	if _, err := uc.SubscribeToInvoiceStatus(ctx, "inv-unknown", func(model.StatusChange) {}); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	t.Run("watches from the stored status", func(t *testing.T) {
		if _, err := f.deliver(t, event("evt-paid", model.EventInvoiceReceivedPayment, inv.ID)); err != nil {
			t.Fatal(err)
		}
		unsubscribe, err := uc.SubscribeToInvoiceStatus(ctx, inv.ID, func(model.StatusChange) {})
		if err != nil || unsubscribe == nil {
			t.Fatalf("expected subscription, got %v", err)
		}
		if subscribed != inv.ID || from != model.InvoiceStatusProcessing {
			t.Errorf("expected %s watched from Processing, got %q from %q", inv.ID, subscribed, from)
		}
	})

	t.Run("terminal invoices are not watched", func(t *testing.T) {
		before := calls
		if _, err := f.deliver(t, event("evt-settled", model.EventInvoiceSettled, inv.ID)); err != nil {
			t.Fatal(err)
		}
		unsubscribe, err := uc.SubscribeToInvoiceStatus(ctx, inv.ID, func(model.StatusChange) {})
		if err != nil || unsubscribe == nil {
			t.Fatalf("expected a no-op subscription, got %v", err)
		}
		unsubscribe()
		if calls != before {
			t.Error("a settled invoice must not start polling")
		}
	})
}
