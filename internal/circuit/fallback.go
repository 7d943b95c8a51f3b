package circuit

import (
	"context"
	"time"
)

// Result carries the outcome of a timeout-raced call. Degraded is set
// when the fallback value was used instead of a live result.
type Result[T any] struct {
	Value    T
	Degraded bool
	Err      error
}

// WithTimeout races op against a deadline and substitutes a fallback
// value on timeout or failure, so slow upstream calls degrade instead
// of blocking. It composes with a Breaker: the breaker guards repeated
// failures, this guards per-call latency.
func WithTimeout[T any](ctx context.Context, timeout time.Duration, op func(ctx context.Context) (T, error), fallback func(err error) T) Result[T] {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		value, err := op(callCtx)
		done <- outcome{value: value, err: err}
	}()

	select {
	case <-callCtx.Done():
		err := callCtx.Err()
		return Result[T]{Value: fallback(err), Degraded: true, Err: err}
	case out := <-done:
		if out.err != nil {
			return Result[T]{Value: fallback(out.err), Degraded: true, Err: out.err}
		}
		return Result[T]{Value: out.value}
	}
}
