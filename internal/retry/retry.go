// Package retry provides the retry policy shared by all transport
// backends: bounded attempts, exponential backoff with jitter, and a
// caller-supplied predicate deciding which errors are worth retrying.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Policy describes a bounded exponential backoff schedule.
type Policy struct {
	MaxAttempts int           // total attempts including the first
	BaseBackoff time.Duration // backoff before the second attempt
	MaxBackoff  time.Duration // backoff ceiling
	Factor      float64       // multiplier per attempt
	Jitter      float64       // fraction of backoff randomized (±), 0 disables

	// sleepFunc waits between attempts. Defaults to a context-aware
	// timer sleep. Tests override it to avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy matches the transport defaults: 5 attempts, 1s base,
// 60s cap, doubling, ±25% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseBackoff: 1 * time.Second,
		MaxBackoff:  60 * time.Second,
		Factor:      2.0,
		Jitter:      0.25,
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, or the
// attempt budget is exhausted. retryable decides which errors are
// transient; a nil predicate retries everything. Context cancellation
// aborts immediately and is never retried.
func (p Policy) Do(ctx context.Context, retryable func(error) bool, fn func() error) error {
	sleep := p.sleepFunc
	if sleep == nil {
		sleep = timerSleep
	}

	var err error

	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			if sleepErr := sleep(ctx, p.backoff(attempt-1)); sleepErr != nil {
				return fmt.Errorf("retry: canceled: %w", sleepErr)
			}
		}

		err = fn()
		if err == nil {
			return nil
		}

		if ctx.Err() != nil {
			return fmt.Errorf("retry: canceled: %w", ctx.Err())
		}

		if retryable != nil && !retryable(err) {
			return err
		}
	}

	return fmt.Errorf("retry: %d attempts exhausted: %w", p.MaxAttempts, err)
}

// backoff computes the wait before attempt n+2 (0-based retry index).
func (p Policy) backoff(retryIdx int) time.Duration {
	d := float64(p.BaseBackoff) * math.Pow(p.Factor, float64(retryIdx))
	if d > float64(p.MaxBackoff) {
		d = float64(p.MaxBackoff)
	}

	if p.Jitter > 0 {
		d += d * p.Jitter * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	}

	return time.Duration(d)
}

// timerSleep waits for d or until the context is canceled.
func timerSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
