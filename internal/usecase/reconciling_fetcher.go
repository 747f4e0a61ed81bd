package usecase

import (
	"context"

	"coinshop-payments/internal/domain/model"
)

// InvoiceGetter is the slice of the payment gateway the fetcher needs.
type InvoiceGetter interface {
	GetInvoice(ctx context.Context, invoiceID string) (*model.Invoice, error)
}

// ReconcilingFetcher feeds the status poller. Every fetched invoice goes
// through the reconciliation pipeline before subscribers hear about it, so
// the polling path and the webhook path share one state machine.
type ReconcilingFetcher struct {
	gateway InvoiceGetter
	recon   ReconciliationUseCase
}

func NewReconcilingFetcher(gateway InvoiceGetter, recon ReconciliationUseCase) *ReconcilingFetcher {
	return &ReconcilingFetcher{gateway: gateway, recon: recon}
}

// GetInvoice fails when the observed status could not be stored; the poller
// then retries on its next tick instead of announcing an unrecorded change.
func (f *ReconcilingFetcher) GetInvoice(ctx context.Context, invoiceID string) (*model.Invoice, error) {
	inv, err := f.gateway.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if _, err := f.recon.ApplyPolledInvoice(ctx, inv); err != nil {
		return nil, err
	}
	return inv, nil
}
