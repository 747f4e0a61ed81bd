package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"coinshop-payments/internal/domain"
	"coinshop-payments/internal/domain/model"
	"coinshop-payments/internal/domain/ports/repository"
)

var _ repository.PurchaseIntentRepository = (*purchaseIntentRepo)(nil)

type purchaseIntentRepo struct{ pool *pgxpool.Pool }

func NewPurchaseIntentRepo(pool *pgxpool.Pool) *purchaseIntentRepo {
	return &purchaseIntentRepo{pool: pool}
}

func (r *purchaseIntentRepo) Save(ctx context.Context, tx repository.Tx, pi *model.PurchaseIntent) error {
	const q = `
INSERT INTO purchase_intents (
  id, user_id, package_id, amount, currency, coins, invoice_id, status, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
) ON CONFLICT (id) DO UPDATE SET
  invoice_id=COALESCE(EXCLUDED.invoice_id, purchase_intents.invoice_id), status=EXCLUDED.status, updated_at=EXCLUDED.updated_at;`

	_, err := execSQL(ctx, r.pool, tx, q, pi.ID, pi.UserID, pi.PackageID, pi.Amount, pi.Currency, pi.Coins, pi.InvoiceID, string(pi.Status), pi.CreatedAt, pi.UpdatedAt)
	if err != nil {
		return storageErr(err)
	}
	return nil
}

func (r *purchaseIntentRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.PurchaseIntent, error) {
	q := `SELECT id, user_id, package_id, amount, currency, coins, invoice_id, status, created_at, updated_at FROM purchase_intents WHERE id=$1` + lockClause(tx) + `;`
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}

	pi := &model.PurchaseIntent{}
	var status string
	if err := row.Scan(&pi.ID, &pi.UserID, &pi.PackageID, &pi.Amount, &pi.Currency, &pi.Coins, &pi.InvoiceID, &status, &pi.CreatedAt, &pi.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	pi.Status = model.PurchaseIntentStatus(status)
	return pi, nil
}

func (r *purchaseIntentRepo) AttachInvoice(ctx context.Context, tx repository.Tx, id, invoiceID string) error {
	const q = `UPDATE purchase_intents SET invoice_id=$2, updated_at=NOW() WHERE id=$1;`
	cmd, err := execSQL(ctx, r.pool, tx, q, id, invoiceID)
	if err != nil {
		return storageErr(err)
	}
	if cmd.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *purchaseIntentRepo) UpdateStatus(ctx context.Context, tx repository.Tx, id string, status model.PurchaseIntentStatus) error {
	const q = `UPDATE purchase_intents SET status=$2, updated_at=NOW() WHERE id=$1;`
	cmd, err := execSQL(ctx, r.pool, tx, q, id, string(status))
	if err != nil {
		return storageErr(err)
	}
	if cmd.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
