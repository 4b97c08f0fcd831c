// services/errors.go
package services

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ValidationError is malformed input to a mutation: non-positive amount,
// self-transfer, confirming an already-terminal transaction. The caller
// fixes its input; nothing retries these.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string { return e.Detail }

func validationErrorf(format string, args ...any) *ValidationError {
	return &ValidationError{Detail: fmt.Sprintf(format, args...)}
}

// NotFoundError means the referenced wallet, user or transaction does not
// exist.
type NotFoundError struct {
	Detail string
}

func (e *NotFoundError) Error() string { return e.Detail }

// InsufficientFundsError carries available vs. required so callers can show
// an actionable message. Not retryable without user action.
type InsufficientFundsError struct {
	Available decimal.Decimal
	Required  decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: available %s, required %s",
		e.Available.StringFixed(2), e.Required.StringFixed(2))
}

// LockAcquisitionError means the per-user lock could not be taken within the
// wait window. Indicates contention, not a logical error; retryable with
// backoff.
type LockAcquisitionError struct {
	Key string
	Err error
}

func (e *LockAcquisitionError) Error() string {
	return fmt.Sprintf("could not acquire lock %s: %v", e.Key, e.Err)
}

func (e *LockAcquisitionError) Unwrap() error { return e.Err }
