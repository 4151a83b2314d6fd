package hb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
)

// DefaultTimeout bounds every directory call and every fetch that stops making progress.
const DefaultTimeout = 15 * time.Second

// RetryPolicy is applied uniformly to directory listings and content fetches.
// Permanent errors (see IsPermanent) are never retried.
type RetryPolicy struct {
	Attempts int           // total attempts, at least 1
	Delay    time.Duration // delay before the second attempt, doubled after each failure
	MaxDelay time.Duration // upper bound for the delay, 0 for none
	Clock    clock.Clock   // defaults to the wall clock
}

// DefaultRetryPolicy makes three attempts one second apart, doubling up to ten seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Delay: time.Second, MaxDelay: 10 * time.Second}
}

// NoRetry makes a single attempt.
func NoRetry() RetryPolicy {
	return RetryPolicy{Attempts: 1, Delay: time.Millisecond}
}

// Do calls fn until it succeeds, returns a permanent error, the attempts are
// used up or ctx is done. notify, if not nil, is called after every failure.
// The error returned is the last error fn returned.
func (p RetryPolicy) Do(ctx context.Context, fn func(context.Context) error, notify func(err error, attempt int)) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.Delay
	if delay <= 0 {
		delay = time.Millisecond
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.WallClock
	}

	err := retry.Call(retry.CallArgs{
		Func: func() error {
			return fn(ctx)
		},
		IsFatalError: func(err error) bool {
			return IsPermanent(err) || ctx.Err() != nil
		},
		NotifyFunc:  notify,
		Attempts:    attempts,
		Delay:       delay,
		MaxDelay:    p.MaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       clk,
		Stop:        ctx.Done(),
	})
	if err == nil {
		return nil
	}
	if retry.IsAttemptsExceeded(err) || retry.IsRetryStopped(err) {
		if last := retry.LastError(err); last != nil {
			err = last
		} else if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
	}
	return err
}

// ErrTimeout is returned by withTimeout when the timer fires first.
var ErrTimeout = errors.New("operation timed out")

// withTimeout races fn against a timer of length d. fn receives a context that
// is cancelled when the timer fires, so a well-behaved fn also stops its I/O.
// If the timer wins, the result of fn is discarded.
func withTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if d <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{v: v, err: err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("%w after %s", ErrTimeout, d)
		}
		return zero, ctx.Err()
	}
}
