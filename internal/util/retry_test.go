package util

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryBackoffSucceedsAfterFailures(t *testing.T) {
	ctx := context.Background()
	attempts := 0
	got, err := RetryBackoff(ctx, BackoffOptions{MaxTries: 3, BaseDelay: time.Millisecond},
		func(ctx context.Context) (int, error) {
			attempts++
			if attempts < 3 {
				return 0, errors.New("transient")
			}
			return 42, nil
		})
	if err != nil {
		t.Fatal(err)
	}
	if got != 42 || attempts != 3 {
		t.Errorf("got %d after %d attempts", got, attempts)
	}
}

func TestRetryBackoffExhaustsTries(t *testing.T) {
	ctx := context.Background()
	attempts := 0
	wantErr := errors.New("still broken")
	_, err := RetryBackoff(ctx, BackoffOptions{MaxTries: 2, BaseDelay: time.Millisecond},
		func(ctx context.Context) (struct{}, error) {
			attempts++
			return struct{}{}, wantErr
		})
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestRetryBackoffNonRetryable(t *testing.T) {
	ctx := context.Background()
	permanent := errors.New("bad request")
	attempts := 0
	_, err := RetryBackoff(ctx, BackoffOptions{
		MaxTries:  5,
		BaseDelay: time.Millisecond,
		Retryable: func(err error) bool { return !errors.Is(err, permanent) },
	}, func(ctx context.Context) (struct{}, error) {
		attempts++
		return struct{}{}, permanent
	})
	if !errors.Is(err, permanent) {
		t.Errorf("err = %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestRetryBackoffStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	_, err := RetryBackoff(ctx, BackoffOptions{MaxTries: 10, BaseDelay: time.Millisecond},
		func(ctx context.Context) (struct{}, error) {
			attempts++
			cancel()
			return struct{}{}, errors.New("transient")
		})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}
