package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Named latency budgets for WithTimeout.
const (
	TimeoutQuick    = 5 * time.Second
	TimeoutStandard = 30 * time.Second
	TimeoutLong     = 60 * time.Second
	TimeoutExtended = 90 * time.Second
	TimeoutCritical = 120 * time.Second
)

// TimeoutError is returned by WithTimeout when the operation outlives its
// budget.
type TimeoutError struct {
	Duration time.Duration
	Label    string
}

func (e *TimeoutError) Error() string {
	if e.Label == "" {
		return fmt.Sprintf("operation timed out after %s", e.Duration)
	}
	return fmt.Sprintf("%s timed out after %s", e.Label, e.Duration)
}

// Timeout marks the error as a timeout for net.Error-style checks.
func (e *TimeoutError) Timeout() bool { return true }

// IsTimeout reports whether err (or any error in its chain) is a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

type timeoutResult[T any] struct {
	val T
	err error
}

// WithTimeout runs fn with a context bounded by d and races it against a
// timer. When the timer wins, fn's context is cancelled, its eventual result
// is discarded, and a *TimeoutError carrying d and label is returned.
// Cancellation of the parent context is returned as-is.
func WithTimeout[T any](ctx context.Context, d time.Duration, label string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if d <= 0 {
		return fn(ctx)
	}

	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan timeoutResult[T], 1)
	go func() {
		v, err := fn(opCtx)
		done <- timeoutResult[T]{val: v, err: err}
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.val, r.err
	case <-timer.C:
		return zero, &TimeoutError{Duration: d, Label: label}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// WithTimeoutErr is WithTimeout for operations that return only an error.
func WithTimeoutErr(ctx context.Context, d time.Duration, label string, fn func(ctx context.Context) error) error {
	_, err := WithTimeout(ctx, d, label, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
