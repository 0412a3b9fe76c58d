package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPaystream_Retry_Do(t *testing.T) {
	t.Parallel()

	fastCfg := Config{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}

	t.Run("succeeds on first attempt", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := Do(t.Context(), fastCfg, func() error {
			calls++
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 1, calls)
	})

	t.Run("retries transient errors", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := Do(t.Context(), fastCfg, func() error {
			calls++
			if calls < 3 {
				return errors.New("connection refused")
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 3, calls)
	})

	t.Run("stops on non-retryable errors", func(t *testing.T) {
		t.Parallel()
		calls := 0
		definitive := errors.New("payment rejected")
		err := Do(t.Context(), fastCfg, func() error {
			calls++
			return definitive
		})
		require.ErrorIs(t, err, definitive)
		require.Equal(t, 1, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := Do(t.Context(), fastCfg, func() error {
			calls++
			return errors.New("connection reset")
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "failed after 3 attempts")
		require.Equal(t, 3, calls)
	})

	t.Run("honors context cancellation between attempts", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(t.Context())
		calls := 0
		err := Do(ctx, Config{MaxAttempts: 5, BaseBackoff: time.Minute, MaxBackoff: time.Minute}, func() error {
			calls++
			cancel()
			return errors.New("connection refused")
		})
		require.ErrorIs(t, err, context.Canceled)
		require.Equal(t, 1, calls)
	})
}

func TestPaystream_Retry_IsRetryable(t *testing.T) {
	t.Parallel()

	require.False(t, IsRetryable(nil))
	require.False(t, IsRetryable(context.Canceled))
	require.False(t, IsRetryable(context.DeadlineExceeded))
	require.False(t, IsRetryable(errors.New("invalid recipient")))
	require.True(t, IsRetryable(errors.New("dial tcp: connection refused")))
	require.True(t, IsRetryable(errors.New("read: connection reset by peer")))
	require.True(t, IsRetryable(errors.New("unexpected EOF")))
	require.True(t, IsRetryable(errors.New("resource temporarily unavailable")))
}

func TestPaystream_Retry_Backoff(t *testing.T) {
	t.Parallel()

	base := 100 * time.Millisecond
	max := time.Second
	for attempt := 1; attempt <= 6; attempt++ {
		b := calculateBackoff(base, max, attempt)
		require.GreaterOrEqual(t, b, base)
		// Cap plus at most 25% jitter.
		require.LessOrEqual(t, b, max+max/4)
	}
}
