//go:build !integration

package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgconn"

	"coinshop-payments/internal/domain"
)

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"wrapped by the repo layer", storageErr(&pgconn.PgError{Code: "40001"}), true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"plain error", errors.New("boom"), false},
		{"domain error", fmt.Errorf("wrap: %w", domain.ErrNotFound), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryable(tt.err); got != tt.want {
				t.Errorf("retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestStorageErr(t *testing.T) {
	if err := storageErr(domain.ErrInvalidExecContext); err != domain.ErrInvalidExecContext {
		t.Errorf("executor errors must pass through, got %v", err)
	}
	driver := &pgconn.PgError{Code: "08006", Message: "connection failure"}
	err := storageErr(driver)
	if !errors.Is(err, domain.ErrOperationFailed) {
		t.Errorf("driver errors must be tagged ErrOperationFailed, got %v", err)
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "08006" {
		t.Errorf("driver error lost from the chain: %v", err)
	}
}
