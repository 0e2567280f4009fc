package kv

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	retryBaseDelay   = 10 * time.Millisecond
	retryMaxExponent = 10
	retryMaxJitter   = 100 * time.Millisecond
)

type maybeCommittedKey struct{}

// MaybeCommitted reports whether the current closure attempt follows a
// commit with an unknown outcome. Closures performing non-idempotent writes
// should check their precondition when this is set.
func MaybeCommitted(ctx context.Context) bool {
	v, _ := ctx.Value(maybeCommittedKey{}).(bool)
	return v
}

// Run executes fn inside a transaction, committing on success and retrying
// the whole closure on retryable commit errors with exponential backoff
// (base 10ms, doubling capped at 2^10, plus up to 100ms of jitter).
//
// If fn returns an error the transaction is cancelled and the error is
// returned as-is, unless it is itself retryable (e.g. a serializable read
// hit ErrConflict mid-transaction).
func Run(ctx context.Context, db Driver, fn func(ctx context.Context, tx Tx) error) error {
	attempt := 0
	maybeCommitted := false

	backoff := retry.BackoffFunc(func() (time.Duration, bool) {
		exp := attempt
		if exp > retryMaxExponent {
			exp = retryMaxExponent
		}
		attempt++
		delay := retryBaseDelay * (1 << exp)
		delay += time.Duration(rand.Int63n(int64(retryMaxJitter)))
		return delay, false
	})

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attemptCtx := ctx
		if maybeCommitted {
			attemptCtx = context.WithValue(ctx, maybeCommittedKey{}, true)
		}

		tx, err := db.Begin(attemptCtx)
		if err != nil {
			return err
		}

		if err := fn(attemptCtx, tx); err != nil {
			tx.Cancel()
			if IsRetryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}

		if _, err := tx.Commit(attemptCtx); err != nil {
			tx.Cancel()
			if IsRetryable(err) {
				if errors.Is(err, ErrMaybeCommitted) {
					maybeCommitted = true
				}
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
}

// RunResult is Run for closures that produce a value.
func RunResult[T any](ctx context.Context, db Driver, fn func(ctx context.Context, tx Tx) (T, error)) (T, error) {
	var out T
	err := Run(ctx, db, func(ctx context.Context, tx Tx) error {
		var err error
		out, err = fn(ctx, tx)
		return err
	})
	return out, err
}
