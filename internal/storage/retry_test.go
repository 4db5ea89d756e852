package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livetable/livetable/internal/protoerr"
)

func fastPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Jitter:       0,
		Deadline:     time.Second,
	}
}

func TestWithRetry_SucceedsOnFirstTry(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), fastPolicy(), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_RetriesOnlyTransientErrors(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), fastPolicy(), func() error {
		calls++
		if calls < 3 {
			return protoerr.ErrBackendTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetry_NonTransientErrorReturnsImmediately(t *testing.T) {
	calls := 0
	sentinel := errors.New("boom")
	err := WithRetry(context.Background(), fastPolicy(), func() error {
		calls++
		return sentinel
	})
	assert.Equal(t, sentinel, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_GivesUpAfterMaxRetries(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), fastPolicy(), func() error {
		calls++
		return protoerr.ErrBackendTransient
	})
	assert.ErrorIs(t, err, protoerr.ErrBackendTransient)
	assert.Equal(t, 4, calls) // attempt 0..MaxRetries inclusive
}

func TestWithRetry_ContextCancelStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	policy := fastPolicy()
	policy.InitialDelay = 50 * time.Millisecond
	policy.MaxRetries = 100

	err := WithRetry(ctx, policy, func() error {
		calls++
		if calls == 1 {
			cancel()
		}
		return protoerr.ErrBackendTransient
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWithRetryResult_ReturnsValueFromSuccessfulAttempt(t *testing.T) {
	calls := 0
	result, err := WithRetryResult(context.Background(), fastPolicy(), func() (string, error) {
		calls++
		if calls < 2 {
			return "", protoerr.ErrBackendTransient
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 2, calls)
}
