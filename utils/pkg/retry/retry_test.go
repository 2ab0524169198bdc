package retry

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func fast(attempts int) Config {
	return Config{MaxAttempts: attempts, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
}

func TestLake_Retry_Do(t *testing.T) {
	t.Parallel()

	t.Run("succeeds after transient failures", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		err := Do(context.Background(), fast(3), func() error {
			attempts++
			if attempts < 3 {
				return errors.New("connection reset by peer")
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 3, attempts)
	})

	t.Run("exhaustion wraps the last error", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		err := Do(context.Background(), fast(2), func() error {
			attempts++
			return errors.New("service unavailable")
		})
		require.ErrorContains(t, err, "failed after 2 attempts")
		require.ErrorContains(t, err, "service unavailable")
		require.Equal(t, 2, attempts)
	})

	t.Run("permanent error stops immediately", func(t *testing.T) {
		t.Parallel()
		permanent := errors.New("invalid api key")
		attempts := 0
		err := Do(context.Background(), fast(5), func() error {
			attempts++
			return permanent
		})
		require.Same(t, permanent, err)
		require.Equal(t, 1, attempts)
	})

	t.Run("zero attempts still calls once", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		_ = Do(context.Background(), fast(0), func() error {
			attempts++
			return errTransient
		})
		require.Equal(t, 1, attempts)
	})
}

func TestLake_Retry_Do_CancelledDuringBackoff(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 5, BaseBackoff: time.Hour, MaxBackoff: time.Hour}
	cfg.OnRetry = func(int, error, time.Duration) { cancel() }

	attempts := 0
	err := Do(ctx, cfg, func() error {
		attempts++
		return errors.New("timeout")
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, attempts)
}

func TestLake_Retry_Do_CustomClassifierAndHook(t *testing.T) {
	t.Parallel()
	cfg := fast(3)
	cfg.Retryable = func(err error) bool { return errors.Is(err, errTransient) }
	var seen []int
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		require.ErrorIs(t, err, errTransient)
		require.LessOrEqual(t, wait, time.Millisecond)
		seen = append(seen, attempt)
	}

	err := Do(context.Background(), cfg, func() error { return errTransient })
	require.ErrorIs(t, err, errTransient)
	require.Equal(t, []int{1, 2}, seen)

	// The default classifier would retry a timeout; this one does not.
	seen = nil
	err = Do(context.Background(), cfg, func() error { return errors.New("request timeout") })
	require.Error(t, err)
	require.Empty(t, seen)
}

func TestLake_Retry_DoValue(t *testing.T) {
	t.Parallel()
	attempts := 0
	v, err := DoValue(context.Background(), fast(2), func() (string, error) {
		attempts++
		if attempts == 1 {
			return "partial", errors.New("connection reset")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", v)

	v, err = DoValue(context.Background(), fast(2), func() (string, error) {
		return "ignored", errors.New("bad request")
	})
	require.Error(t, err)
	require.Empty(t, v)
}

type statusError int

func (e statusError) Error() string   { return "http status" }
func (e statusError) StatusCode() int { return int(e) }

func TestLake_Retry_IsRetryable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
		{"net timeout", &net.DNSError{Err: "lookup", IsTimeout: true}, true},
		{"429", statusError(429), true},
		{"503", statusError(503), true},
		{"400", statusError(400), false},
		{"overloaded", errors.New("API overloaded"), true},
		{"eof", errors.New("unexpected EOF"), true},
		{"other", errors.New("invalid request"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestLake_Retry_Backoff(t *testing.T) {
	t.Parallel()
	base, limit := 100*time.Millisecond, time.Second
	for attempt, ceiling := range map[int]time.Duration{1: 100 * time.Millisecond, 2: 200 * time.Millisecond, 5: time.Second, 70: time.Second} {
		for range 20 {
			d := backoff(base, limit, attempt)
			require.GreaterOrEqual(t, d, ceiling/2)
			require.Less(t, d, ceiling)
		}
	}
}
