package repository

import (
	"context"

	"github.com/jackc/pgx/v4"
)

// Tx is the storage handle a TransactionManager hands to repositories.
type Tx interface{}

// TransactionManager executes fn inside a database transaction, passing the
// underlying handle as tx. Repositories accept a nil tx for the
// non-transactional path and lock rows when they receive a real one.
//
// USAGE
//
//	tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
//		inv, err := invoices.FindByID(ctx, tx, id)
//		...
//		return err
//	})
//
// If fn returns an error every write made through tx is rolled back.
// Implementations may run fn again after a serialization failure.
type TransactionManager interface {
	WithTx(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx Tx) error) error
}
