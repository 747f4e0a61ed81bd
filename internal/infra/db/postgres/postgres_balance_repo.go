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

var _ repository.BalanceRepository = (*balanceRepo)(nil)

type balanceRepo struct{ pool *pgxpool.Pool }

func NewBalanceRepo(pool *pgxpool.Pool) *balanceRepo {
	return &balanceRepo{pool: pool}
}

// Credit records the invoice in coin_credits and bumps the balance only when
// that insert succeeded. Both statements must share tx to be atomic.
func (r *balanceRepo) Credit(ctx context.Context, tx repository.Tx, userID, invoiceID string, coins int64) (bool, error) {
	if userID == "" || invoiceID == "" || coins <= 0 {
		return false, domain.ErrInvalidArgument
	}

	const ledger = `INSERT INTO coin_credits (invoice_id, user_id, coins, created_at) VALUES ($1,$2,$3,NOW()) ON CONFLICT (invoice_id) DO NOTHING;`
	cmd, err := execSQL(ctx, r.pool, tx, ledger, invoiceID, userID, coins)
	if err != nil {
		return false, storageErr(err)
	}
	if cmd.RowsAffected() == 0 {
		return false, nil
	}

	const bump = `
INSERT INTO user_balances (user_id, coins, updated_at) VALUES ($1,$2,NOW())
ON CONFLICT (user_id) DO UPDATE SET coins = user_balances.coins + EXCLUDED.coins, updated_at = NOW();`
	if _, err := execSQL(ctx, r.pool, tx, bump, userID, coins); err != nil {
		return false, storageErr(err)
	}
	return true, nil
}

func (r *balanceRepo) GetBalance(ctx context.Context, tx repository.Tx, userID string) (*model.UserBalance, error) {
	const q = `SELECT user_id, coins, updated_at FROM user_balances WHERE user_id=$1;`
	row, err := pickRow(ctx, r.pool, tx, q, userID)
	if err != nil {
		return nil, err
	}
	b := &model.UserBalance{}
	if err := row.Scan(&b.UserID, &b.Coins, &b.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	return b, nil
}
