// Package retry holds the bounded backoff policy wrapped around provider calls.
package retry

import (
	"context"
	"time"
)

var DefaultSchedule = []time.Duration{
	4 * time.Second,
	8 * time.Second,
	10 * time.Second,
}

// Policy bounds how many times a call is attempted and how long to wait
// between attempts. The zero value makes exactly one attempt.
type Policy struct {
	MaxAttempts int
	Schedule    []time.Duration

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewPolicy(maxAttempts int, schedule []time.Duration) Policy {
	if len(schedule) == 0 {
		schedule = DefaultSchedule
	}
	return Policy{MaxAttempts: maxAttempts, Schedule: schedule}
}

// Delay returns the wait before the attempt that follows attempt (1-indexed).
// Past the end of the schedule the last entry repeats.
func (p Policy) Delay(attempt int) time.Duration {
	if len(p.Schedule) == 0 {
		return 0
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.Schedule) {
		idx = len(p.Schedule) - 1
	}
	return p.Schedule[idx]
}

// Do calls fn until it succeeds, returns an error retryable rejects, the
// attempts run out, or ctx is done. The last error is returned.
func (p Policy) Do(ctx context.Context, retryable func(error) bool, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		if serr := sleep(ctx, p.Delay(attempt)); serr != nil {
			return err
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
