package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"coinshop-payments/internal/domain"
	"coinshop-payments/internal/domain/model"
	"coinshop-payments/internal/domain/ports/repository"
)

var _ repository.InvoiceRepository = (*invoiceRepo)(nil)

type invoiceRepo struct{ pool *pgxpool.Pool }

func NewInvoiceRepo(pool *pgxpool.Pool) *invoiceRepo {
	return &invoiceRepo{pool: pool}
}

const invoiceColumns = `id, store_id, status, amount, currency, metadata, checkout_link, created_at, expires_at, settled_at, archived, updated_at`

// Save inserts the invoice. The metadata stored here is what a settlement
// later credits, so an existing row is never overwritten.
func (r *invoiceRepo) Save(ctx context.Context, tx repository.Tx, inv *model.Invoice) error {
	const q = `
INSERT INTO invoices (` + invoiceColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (id) DO NOTHING;`

	meta, err := json.Marshal(inv.Metadata)
	if err != nil {
		return domain.ErrInvalidArgument
	}
	now := time.Now()
	created := inv.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err = execSQL(ctx, r.pool, tx, q,
		inv.ID, inv.StoreID, string(inv.Status), inv.Amount, inv.Currency, meta, inv.CheckoutLink,
		created, nullTime(inv.ExpiresAt), inv.SettledAt, inv.Archived, now)
	if err != nil {
		return storageErr(err)
	}
	return nil
}

func (r *invoiceRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Invoice, error) {
	q := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id=$1` + lockClause(tx) + `;`
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}
	inv, err := scanInvoice(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	return inv, nil
}

// TransitionStatus is the conditional write that keeps terminal invoices terminal.
func (r *invoiceRepo) TransitionStatus(ctx context.Context, tx repository.Tx, id string, status model.InvoiceStatus, settledAt *time.Time) (bool, error) {
	const q = `
UPDATE invoices
   SET status = $2,
       settled_at = COALESCE($3, settled_at),
       updated_at = NOW()
 WHERE id = $1
   AND status NOT IN ('Settled','Invalid','Expired');`

	cmd, err := execSQL(ctx, r.pool, tx, q, id, string(status), settledAt)
	if err != nil {
		return false, storageErr(err)
	}
	return cmd.RowsAffected() >= 1, nil
}

func (r *invoiceRepo) ListNonTerminalOlderThan(ctx context.Context, tx repository.Tx, olderThan time.Time, limit int) ([]*model.Invoice, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `SELECT ` + invoiceColumns + ` FROM invoices WHERE status IN ('New','Processing') AND created_at < $1 ORDER BY created_at ASC LIMIT $2;`
	return r.list(ctx, tx, q, olderThan, limit)
}

func (r *invoiceRepo) ListArchivable(ctx context.Context, tx repository.Tx, terminalBefore time.Time, limit int) ([]*model.Invoice, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `SELECT ` + invoiceColumns + ` FROM invoices WHERE archived = FALSE AND status IN ('Settled','Invalid','Expired') AND updated_at < $1 ORDER BY updated_at ASC LIMIT $2;`
	return r.list(ctx, tx, q, terminalBefore, limit)
}

func (r *invoiceRepo) MarkArchived(ctx context.Context, tx repository.Tx, id string) error {
	const q = `UPDATE invoices SET archived = TRUE, updated_at = NOW() WHERE id = $1;`
	cmd, err := execSQL(ctx, r.pool, tx, q, id)
	if err != nil {
		return storageErr(err)
	}
	if cmd.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *invoiceRepo) list(ctx context.Context, tx repository.Tx, q string, args ...interface{}) ([]*model.Invoice, error) {
	rows, err := queryRows(ctx, r.pool, tx, q, args...)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()

	var out []*model.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		out = append(out, inv)
	}
	if rows.Err() != nil {
		return nil, domain.ErrOperationFailed
	}
	return out, nil
}

func scanInvoice(row pgx.Row) (*model.Invoice, error) {
	var (
		inv       model.Invoice
		status    string
		meta      []byte
		expiresAt *time.Time
	)
	if err := row.Scan(&inv.ID, &inv.StoreID, &status, &inv.Amount, &inv.Currency, &meta, &inv.CheckoutLink,
		&inv.CreatedAt, &expiresAt, &inv.SettledAt, &inv.Archived, &inv.UpdatedAt); err != nil {
		return nil, err
	}
	inv.Status = model.InvoiceStatus(status)
	if expiresAt != nil {
		inv.ExpiresAt = *expiresAt
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &inv.Metadata); err != nil {
			return nil, err
		}
	}
	return &inv, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
