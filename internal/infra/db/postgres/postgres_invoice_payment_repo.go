package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"

	"coinshop-payments/internal/domain"
	"coinshop-payments/internal/domain/model"
	"coinshop-payments/internal/domain/ports/repository"
)

var _ repository.InvoicePaymentRepository = (*invoicePaymentRepo)(nil)

type invoicePaymentRepo struct{ pool *pgxpool.Pool }

func NewInvoicePaymentRepo(pool *pgxpool.Pool) *invoicePaymentRepo {
	return &invoicePaymentRepo{pool: pool}
}

func (r *invoicePaymentRepo) Upsert(ctx context.Context, tx repository.Tx, p *model.InvoicePayment) error {
	if p == nil || p.ID == "" || p.InvoiceID == "" {
		return domain.ErrInvalidArgument
	}
	var received *time.Time
	if !p.ReceivedAt.IsZero() {
		received = &p.ReceivedAt
	}
	const q = `
INSERT INTO invoice_payments (id, invoice_id, value, fee, status, destination, received_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())
ON CONFLICT (id) DO UPDATE SET
  value = EXCLUDED.value,
  fee = EXCLUDED.fee,
  status = EXCLUDED.status,
  destination = EXCLUDED.destination,
  received_at = COALESCE(EXCLUDED.received_at, invoice_payments.received_at),
  updated_at = NOW()
WHERE invoice_payments.invoice_id = EXCLUDED.invoice_id;`
	if _, err := execSQL(ctx, r.pool, tx, q, p.ID, p.InvoiceID, p.Value, p.Fee, p.Status, p.Destination, received); err != nil {
		return storageErr(err)
	}
	return nil
}

func (r *invoicePaymentRepo) ListByInvoice(ctx context.Context, tx repository.Tx, invoiceID string) ([]*model.InvoicePayment, error) {
	const q = `
SELECT id, invoice_id, value, fee, status, destination, received_at, updated_at
FROM invoice_payments WHERE invoice_id=$1 ORDER BY received_at NULLS LAST, id;`
	rows, err := queryRows(ctx, r.pool, tx, q, invoiceID)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()

	var out []*model.InvoicePayment
	for rows.Next() {
		p := &model.InvoicePayment{}
		var received *time.Time
		if err := rows.Scan(&p.ID, &p.InvoiceID, &p.Value, &p.Fee, &p.Status, &p.Destination, &received, &p.UpdatedAt); err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		if received != nil {
			p.ReceivedAt = *received
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err)
	}
	return out, nil
}
