package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

// noSleep replaces the timer sleep in tests, recording requested waits.
func noSleep(waits *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return nil
	}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()

	var waits []time.Duration
	p.sleepFunc = noSleep(&waits)

	calls := 0

	err := p.Do(context.Background(), nil, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}

	if len(waits) != 0 {
		t.Errorf("slept %d times on immediate success", len(waits))
	}
}

func TestDoRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	transient := errors.New("rate limited")

	p := Policy{MaxAttempts: 4, BaseBackoff: 100 * time.Millisecond, MaxBackoff: time.Minute, Factor: 2.0}

	var waits []time.Duration
	p.sleepFunc = noSleep(&waits)

	calls := 0

	err := p.Do(context.Background(), func(error) bool { return true }, func() error {
		calls++
		if calls < 3 {
			return transient
		}

		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}

	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}

	// Doubling schedule: 100ms then 200ms.
	if len(waits) != 2 || waits[0] != 100*time.Millisecond || waits[1] != 200*time.Millisecond {
		t.Errorf("waits = %v, want [100ms 200ms]", waits)
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	t.Parallel()

	permanent := errors.New("unauthorized")

	p := DefaultPolicy()

	var waits []time.Duration
	p.sleepFunc = noSleep(&waits)

	calls := 0

	err := p.Do(context.Background(), func(err error) bool { return !errors.Is(err, permanent) }, func() error {
		calls++
		return permanent
	})

	if !errors.Is(err, permanent) {
		t.Errorf("err = %v, want permanent error", err)
	}

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	t.Parallel()

	transient := errors.New("server error")

	p := Policy{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: time.Second, Factor: 2.0}

	var waits []time.Duration
	p.sleepFunc = noSleep(&waits)

	calls := 0

	err := p.Do(context.Background(), nil, func() error {
		calls++
		return transient
	})

	if !errors.Is(err, transient) {
		t.Errorf("err = %v, want wrapped transient error", err)
	}

	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoRespectsContextCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())

	p := Policy{MaxAttempts: 5, BaseBackoff: time.Millisecond, MaxBackoff: time.Second, Factor: 2.0}

	calls := 0

	err := p.Do(ctx, nil, func() error {
		calls++
		cancel()
		return errors.New("flaky")
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestBackoffCappedAtMax(t *testing.T) {
	t.Parallel()

	p := Policy{MaxAttempts: 10, BaseBackoff: time.Second, MaxBackoff: 4 * time.Second, Factor: 2.0}

	if got := p.backoff(6); got != 4*time.Second {
		t.Errorf("backoff(6) = %v, want cap %v", got, 4*time.Second)
	}
}
