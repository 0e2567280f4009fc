package kv

import "errors"

var (
	// ErrKeyNotFound is returned by Get and GetKey when no key matches.
	ErrKeyNotFound = errors.New("kv: key not found")

	// ErrConflict means the transaction read keys that were modified by a
	// concurrent commit. Retryable.
	ErrConflict = errors.New("kv: transaction conflict")

	// ErrNotCommitted means the commit definitely did not apply. Retryable.
	ErrNotCommitted = errors.New("kv: transaction not committed")

	// ErrMaybeCommitted means the commit outcome is unknown. The closure is
	// re-run with the MaybeCommitted hint set so it can perform idempotency
	// checks before mutating again.
	ErrMaybeCommitted = errors.New("kv: transaction may have committed")

	// ErrTxClosed is returned when operating on a committed or cancelled
	// transaction.
	ErrTxClosed = errors.New("kv: transaction closed")

	// ErrValueTooLarge is returned when an append_if_fits operand would
	// exceed the maximum value size.
	ErrValueTooLarge = errors.New("kv: value too large")
)

// IsRetryable reports whether the error justifies re-running the
// transaction closure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrNotCommitted) ||
		errors.Is(err, ErrMaybeCommitted)
}
