package store

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const readAttempts = 3

// Retry runs an idempotent read, retrying it a bounded number of times while
// it fails with a store failure. Domain outcomes such as ErrNotFound are
// returned immediately. Writes must not go through Retry.
func Retry[T any](ctx context.Context, read func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 25 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond

	return backoff.Retry(ctx, func() (T, error) {
		v, err := read()
		if err != nil && !IsFailure(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(readAttempts),
	)
}
