package retry

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts: attempts,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
	}
}

func TestWOUDC_Retry_DefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.BaseBackoff)
	assert.Equal(t, 10*time.Second, cfg.MaxBackoff)
}

func TestWOUDC_Retry_Do_SuccessOnFirstAttempt(t *testing.T) {
	t.Parallel()
	attempts := 0
	err := Do(context.Background(), fastConfig(3), func(context.Context) error {
		attempts++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestWOUDC_Retry_Do_SuccessAfterRetries(t *testing.T) {
	t.Parallel()
	attempts := 0
	var retried []int
	cfg := fastConfig(3)
	cfg.OnRetry = func(attempt int, _ time.Duration, err error) {
		retried = append(retried, attempt)
		assert.Error(t, err)
	}
	err := Do(context.Background(), cfg, func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("dial tcp 127.0.0.1:9200: connection refused")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []int{2, 3}, retried)
}

func TestWOUDC_Retry_Do_ExhaustsAllAttempts(t *testing.T) {
	t.Parallel()
	original := errors.New("connection reset by peer")
	attempts := 0
	err := Do(context.Background(), fastConfig(3), func(context.Context) error {
		attempts++
		return original
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.ErrorIs(t, err, original)
}

func TestWOUDC_Retry_Do_NonRetryableError(t *testing.T) {
	t.Parallel()
	original := errors.New("elasticsearch version 7.10.2 is not supported")
	attempts := 0
	err := Do(context.Background(), fastConfig(3), func(context.Context) error {
		attempts++
		return original
	})
	assert.Equal(t, original, err)
	assert.Equal(t, 1, attempts)
}

func TestWOUDC_Retry_Do_CustomRetryable(t *testing.T) {
	t.Parallel()
	sentinel := errors.New("store not ready")
	cfg := fastConfig(4)
	cfg.Retryable = func(err error) bool { return errors.Is(err, sentinel) }

	attempts := 0
	err := Do(context.Background(), cfg, func(context.Context) error {
		attempts++
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, 4, attempts)
}

func TestWOUDC_Retry_Do_ContextCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 5, BaseBackoff: 50 * time.Millisecond, MaxBackoff: time.Second}

	attempts := 0
	err := Do(ctx, cfg, func(context.Context) error {
		attempts++
		if attempts == 2 {
			cancel()
		}
		return errors.New("connection reset")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, attempts)
}

func TestWOUDC_Retry_IsRetryable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "net error", err: &net.OpError{Op: "dial", Err: errors.New("refused")}, want: true},
		{name: "connection refused", err: errors.New("dial tcp: connection refused"), want: true},
		{name: "eof", err: errors.New("unexpected EOF"), want: true},
		{name: "timeout", err: errors.New("i/o timeout"), want: true},
		{name: "unavailable", err: errors.New("503 Service Unavailable"), want: true},
		{name: "canceled", err: context.Canceled, want: false},
		{name: "deadline", err: context.DeadlineExceeded, want: false},
		{name: "bad request", err: errors.New("parsing_exception"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestWOUDC_Retry_CalculateBackoff(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		base    time.Duration
		max     time.Duration
		attempt int
		minExp  time.Duration
		maxExp  time.Duration
	}{
		{name: "first retry", base: 500 * time.Millisecond, max: 10 * time.Second, attempt: 1, minExp: 500 * time.Millisecond, maxExp: time.Second},
		{name: "third retry", base: 500 * time.Millisecond, max: 10 * time.Second, attempt: 3, minExp: 2 * time.Second, maxExp: 4 * time.Second},
		{name: "capped", base: 500 * time.Millisecond, max: 3 * time.Second, attempt: 6, minExp: 1500 * time.Millisecond, maxExp: 3 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			for range 20 {
				got := calculateBackoff(tt.base, tt.max, tt.attempt)
				assert.GreaterOrEqual(t, got, tt.minExp)
				assert.LessOrEqual(t, got, tt.maxExp)
			}
		})
	}
}
