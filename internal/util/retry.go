package util

import (
	"context"
	"math/rand/v2"
	"time"
)

// BackoffOptions configures RetryBackoff. Zero values pick sane defaults.
type BackoffOptions struct {
	MaxTries  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Retryable decides whether an error is worth another attempt. A nil
	// predicate retries everything except context errors.
	Retryable func(error) bool
}

// RetryBackoff calls fn with exponential backoff and jitter between attempts.
// The delay doubles per attempt, capped at MaxDelay, with up to 25% jitter.
// Non-retryable errors and context errors are returned immediately.
func RetryBackoff[T any](ctx context.Context, opts BackoffOptions, fn func(context.Context) (T, error)) (T, error) {
	if opts.MaxTries <= 0 {
		opts.MaxTries = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 500 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Second
	}

	var lastErr error
	var zero T
	delay := opts.BaseDelay
	for i := 0; i < opts.MaxTries; i++ {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		// A per-call timeout inside fn is retryable; only the caller's
		// context ending stops the loop.
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if opts.Retryable != nil && !opts.Retryable(err) {
			return zero, err
		}
		lastErr = err

		if i == opts.MaxTries-1 {
			break
		}
		jitter := time.Duration(rand.Int64N(int64(delay)/4 + 1))
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
		if delay > opts.MaxDelay {
			delay = opts.MaxDelay
		}
	}
	return zero, lastErr
}
