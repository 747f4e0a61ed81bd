package domain

import (
	"errors"
	"fmt"
)

var (
	// Storage errors
	ErrNotFound           = errors.New("entity not found")
	ErrAlreadyExists      = errors.New("entity already exists")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrInvalidExecContext = errors.New("invalid execution context")
	ErrOperationFailed    = errors.New("operation failed")
	ErrReadDatabaseRow    = errors.New("failed to read database row")

	// ErrConfiguration is fatal at startup, never returned per request.
	ErrConfiguration = errors.New("configuration error")

	// Inbound transport
	ErrSignatureInvalid = errors.New("webhook signature invalid")
	ErrAbuseLimited     = errors.New("too many webhook deliveries")

	// Gateway client
	ErrRateLimited       = errors.New("local gateway rate limit reached")
	ErrRateLimitExceeded = errors.New("remote gateway rate limit exceeded")
	ErrTransientGateway  = errors.New("transient gateway error")
	ErrGatewayRejected   = errors.New("gateway rejected request")

	// Reconciliation pipeline. The first two are outcomes, not failures.
	ErrDuplicateEvent         = errors.New("duplicate webhook event")
	ErrInvalidStateTransition = errors.New("invalid invoice state transition")
	ErrSideEffectFailure      = errors.New("invoice side effect failed")
	ErrInvoiceBusy            = errors.New("invoice is being processed")
)

// GatewayError tags an error returned by the payment processor client with
// the logical operation and, when one was received, the HTTP status.
type GatewayError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *GatewayError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("gateway %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// IsRateLimit reports whether err is either the local or the remote rate limit.
func IsRateLimit(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrRateLimitExceeded)
}
