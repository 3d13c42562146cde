// Package retry runs fallible operations with bounded exponential backoff.
//
// The executor never looks at error kinds: every failure is retried until the
// attempt budget is spent. Callers that need to stop early check the error
// inside their operation and cancel the context.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/suPer8Hu/rental-chat/internal/common"
)

type Policy struct {
	// MaxAttempts counts the first attempt. Values below 1 mean 1.
	MaxAttempts int
	// BaseDelay is the wait after the first failure; it doubles after each one.
	BaseDelay time.Duration
	// MaxDelay caps a single wait. Zero means no cap.
	MaxDelay time.Duration
	// AttemptTimeout bounds each attempt. Zero leaves attempts unbounded.
	AttemptTimeout time.Duration
	// OnRetry, when set, is called before every backoff wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Delay returns the wait that follows a failed attempt (0-based), never more
// than MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	limit := p.maxDelay()
	d := min(max(p.BaseDelay, 0), limit)
	for i := 0; i < attempt && d > 0 && d < limit; i++ {
		if d > limit/2 {
			return limit
		}
		d *= 2
	}
	return d
}

func (p Policy) maxDelay() time.Duration {
	if p.MaxDelay <= 0 {
		return time.Duration(math.MaxInt64)
	}
	return p.MaxDelay
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	eb := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         p.maxDelay(),
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	eb.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.attempts()-1)), ctx)
}

// Operation is one attempt. attempt starts at 0.
type Operation[T any] func(ctx context.Context, attempt int) (T, error)

// Do runs op until it succeeds or the policy's attempts are exhausted, and
// returns the first success or the last failure. Cancelling ctx, during an
// attempt or a backoff wait, returns promptly with an error wrapping
// common.ErrCancelled.
func Do[T any](ctx context.Context, p Policy, op Operation[T]) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, cancelled(err)
	}

	attempt := 0
	run := func() (T, error) {
		actx, cancel := attemptContext(ctx, p.AttemptTimeout)
		defer cancel()

		res, err := op(actx, attempt)
		if err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("attempt %d timed out after %s: %w", attempt, p.AttemptTimeout, errors.Join(err, common.ErrTransient))
		}
		attempt++
		return res, err
	}

	var notify backoff.Notify
	if p.OnRetry != nil {
		notify = func(err error, wait time.Duration) {
			p.OnRetry(attempt-1, err, wait)
		}
	}

	res, err := backoff.RetryNotifyWithData(run, p.backOff(ctx), notify)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, cancelled(ctxErr)
		}
		return zero, err
	}
	return res, nil
}

// Run is Do for operations without a result.
func Run(ctx context.Context, p Policy, op func(ctx context.Context, attempt int) error) error {
	_, err := Do(ctx, p, func(ctx context.Context, attempt int) (struct{}, error) {
		return struct{}{}, op(ctx, attempt)
	})
	return err
}

func attemptContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func cancelled(cause error) error {
	return fmt.Errorf("%w: %w", common.ErrCancelled, cause)
}
