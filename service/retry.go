/*
retry.go - Bounded retry with exponential backoff

PURPOSE:
  Wraps storage procedure calls. Only transient failures (storage
  busy/locked, timeouts, connectivity) are retried; validation and
  business errors abort on the first attempt because retrying them
  cannot change the outcome.

BOUNDS:
  Attempts are capped and the whole sequence respects the caller's
  context deadline. When the context expires mid-backoff the result is
  ledger.ErrTimeout, so the caller gets one classification for "took
  too long" regardless of where the clock ran out.
*/
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/plani/ledger-engine/ledger"
)

// RetryPolicy bounds how storage calls are retried.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy matches interactive use: a short burst of retries,
// giving up fast enough that the caller can fall back to the offline
// queue.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    500 * time.Millisecond,
	}
}

// Do runs fn, retrying transient failures with exponential backoff.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	delay := p.BaseDelay
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil || !ledger.IsTransient(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		if serr := sleep(ctx, delay); serr != nil {
			return serr
		}
		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", attempts, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%w: %v", ledger.ErrTimeout, ctx.Err())
		}
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
