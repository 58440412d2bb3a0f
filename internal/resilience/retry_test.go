package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// fastRetry keeps backoff sleeps out of test time.
func fastRetry(attempts int) RetryConfig {
	return RetryConfig{MaxAttempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
}

func observeLogs(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	t.Cleanup(zap.ReplaceGlobals(zap.New(core)))
	return logs
}

func TestDo_BoundsEachAttemptWithTimeout(t *testing.T) {
	var attempts atomic.Int32
	cfg := fastRetry(3)

	err := Do(context.Background(), cfg, func(ctx context.Context) error {
		first := attempts.Add(1) == 1
		return WithTimeoutErr(ctx, 5*time.Millisecond, "knowledge search", func(ctx context.Context) error {
			if first {
				<-ctx.Done()
				return ctx.Err()
			}
			return nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), attempts.Load(), "a timed-out attempt is retried, the next one succeeds")
}

func TestDo_ReturnsLastTimeoutWithItsBudget(t *testing.T) {
	err := Do(context.Background(), fastRetry(2), func(ctx context.Context) error {
		return WithTimeoutErr(ctx, 2*time.Millisecond, "model call", func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})
	})

	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 2*time.Millisecond, te.Duration)
	assert.Equal(t, "model call", te.Label)
}

func TestDo_PermanentErrorIsNotRetried(t *testing.T) {
	var attempts atomic.Int32
	permanent := errors.New("knowledge: 400 bad request")

	err := Do(context.Background(), fastRetry(5), func(context.Context) error {
		attempts.Add(1)
		return permanent
	})
	require.ErrorIs(t, err, permanent)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestDo_TransientRetriedUntilExhausted(t *testing.T) {
	var attempts atomic.Int32
	err := Do(context.Background(), fastRetry(3), func(context.Context) error {
		attempts.Add(1)
		return NewTransientError(errors.New("503 from knowledge"), 503)
	})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, int32(3), attempts.Load())
}

func TestDo_RetryAlwaysStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var attempts atomic.Int32
	cfg := fastRetry(10)
	cfg.ShouldRetry = RetryAlways

	err := Do(ctx, cfg, func(context.Context) error {
		if attempts.Add(1) == 2 {
			cancel()
		}
		return errors.New("unparseable model output")
	})
	require.Error(t, err)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestDo_RetryAlwaysStopsDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	cfg := RetryConfig{MaxAttempts: 10, InitialBackoff: time.Hour, MaxBackoff: time.Hour, ShouldRetry: RetryAlways}

	start := time.Now()
	var attempts atomic.Int32
	err := Do(ctx, cfg, func(context.Context) error {
		attempts.Add(1)
		return errors.New("empty response")
	})
	require.Error(t, err)
	assert.Equal(t, int32(1), attempts.Load())
	assert.Less(t, time.Since(start), time.Second)
}

func TestDoVal_KeepsFirstSuccess(t *testing.T) {
	var attempts atomic.Int32
	cfg := fastRetry(4)
	cfg.ShouldRetry = RetryAlways

	v, err := DoVal(context.Background(), cfg, func(context.Context) ([]string, error) {
		if attempts.Add(1) < 3 {
			return nil, fmt.Errorf("attempt %d truncated", attempts.Load())
		}
		return []string{"grounding", "bonding"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"grounding", "bonding"}, v)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestComputeBackoff_DoublesFromBase(t *testing.T) {
	cfg := RetryConfig{InitialBackoff: time.Second, MaxBackoff: 5 * time.Second, Multiplier: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, computeBackoff(tt.attempt, cfg), "attempt %d", tt.attempt)
	}
}

func TestComputeBackoff_JitterStaysInBand(t *testing.T) {
	cfg := RetryConfig{InitialBackoff: time.Second, MaxBackoff: time.Minute, Multiplier: 2, JitterFraction: 0.25}
	for i := 0; i < 50; i++ {
		d := computeBackoff(1, cfg)
		assert.GreaterOrEqual(t, d, 1500*time.Millisecond)
		assert.LessOrEqual(t, d, 2500*time.Millisecond)
	}
}

func TestFromRetryConfig(t *testing.T) {
	// Worker settings: three attempts, 1s..10s, default multiplier and jitter.
	cfg := FromRetryConfig(3, 1000, 10000, 0, -1)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, time.Second, cfg.InitialBackoff)
	assert.Equal(t, 10*time.Second, cfg.MaxBackoff)
	assert.InDelta(t, 2.0, cfg.Multiplier, 0.001)
	assert.InDelta(t, 0.25, cfg.JitterFraction, 0.001)

	cfg = FromRetryConfig(0, 0, 0, 3, 0)
	assert.Equal(t, DefaultRetryConfig().MaxAttempts, cfg.MaxAttempts)
	assert.InDelta(t, 3.0, cfg.Multiplier, 0.001)
	assert.Zero(t, cfg.JitterFraction)
}

func TestRetryLogger_FlagsTimeouts(t *testing.T) {
	logs := observeLogs(t)
	cfg := fastRetry(2)
	cfg.OnRetry = RetryLogger("knowledge", "search")

	_ = Do(context.Background(), cfg, func(context.Context) error {
		return &TimeoutError{Duration: time.Second, Label: "knowledge search"}
	})

	entries := logs.FilterMessage("retrying operation").All()
	require.Len(t, entries, 1, "no log after the final attempt")
	fields := entries[0].ContextMap()
	assert.Equal(t, "knowledge", fields["service"])
	assert.Equal(t, "search", fields["operation"])
	assert.Equal(t, int64(1), fields["attempt"])
	assert.Equal(t, true, fields["timeout"])
}
