package storage

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/livetable/livetable/internal/protoerr"
)

// WithRetry runs fn, retrying with bounded exponential backoff while
// fn returns an error wrapping protoerr.ErrBackendTransient or whose
// protoerr.KindOf is KindBackendTransient, up to policy.Deadline
// wall-clock or policy.MaxRetries retries after the first attempt
// (0 means no retry-count limit), whichever comes first. Any other
// error (or success) returns immediately.
func WithRetry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	deadline := time.Now().Add(policy.Deadline)
	var lastErr error
	for attempt := 0; policy.MaxRetries == 0 || attempt <= policy.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) {
			return lastErr
		}
		if time.Now().After(deadline) {
			return lastErr
		}
		delay := backoffDelay(policy, attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

// WithRetryResult is WithRetry for a function that also produces a
// value, used by call sites (Insert) where the caller needs the
// result of the final successful attempt.
func WithRetryResult[T any](ctx context.Context, policy RetryPolicy, fn func() (T, error)) (T, error) {
	var result T
	err := WithRetry(ctx, policy, func() error {
		v, err := fn()
		if err == nil {
			result = v
		}
		return err
	})
	return result, err
}

func isTransient(err error) bool {
	return errors.Is(err, protoerr.ErrBackendTransient) || protoerr.KindOf(err) == protoerr.KindBackendTransient
}

func backoffDelay(policy RetryPolicy, attempt int) time.Duration {
	base := float64(policy.InitialDelay) * math.Pow(2, float64(attempt))
	if base > float64(policy.MaxDelay) {
		base = float64(policy.MaxDelay)
	}
	jitter := base * policy.Jitter * rand.Float64()
	return time.Duration(base + jitter)
}
