package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	// defaultMaxAttempts is the number of tries before Retry gives up.
	defaultMaxAttempts = 3

	// baseDelay is the starting backoff interval (before jitter).
	baseDelay = 500 * time.Millisecond

	// maxDelay caps the backoff interval.
	maxDelay = 5 * time.Second
)

// newBackOff builds the retry schedule. Tests swap it for a zero backoff.
var newBackOff = func() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseDelay
	b.MaxInterval = maxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	return b
}

// Retry runs fn up to maxAttempts times with exponential backoff and jitter.
// Only transient failures (see [IsTransient]) are retried; any other error is
// returned immediately, unwrapped, so callers can still match conflicts and
// rejections.
func Retry[T any](ctx context.Context, maxAttempts uint, fn func() (T, error)) (T, error) {
	attempts := uint(0)
	res, err := backoff.Retry(ctx, func() (T, error) {
		attempts++
		v, err := fn()
		if err != nil && !IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(newBackOff()),
		backoff.WithMaxTries(maxAttempts),
	)
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return res, fmt.Errorf("retry cancelled: %w", err)
	}
	if IsTransient(err) && attempts > 1 {
		return res, fmt.Errorf("all %d attempts failed: %w", attempts, err)
	}
	return res, err
}
