package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errFlaky = errors.New("flaky")

func noSleep(p Policy, slept *[]time.Duration) Policy {
	p.sleep = func(_ context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}
	return p
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	var slept []time.Duration
	p := noSleep(NewPolicy(3, nil), &slept)

	calls := 0
	err := p.Do(context.Background(), nil, func(_ context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errFlaky
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(slept) != 2 || slept[0] != 4*time.Second || slept[1] != 8*time.Second {
		t.Errorf("slept = %v", slept)
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	var slept []time.Duration
	p := noSleep(NewPolicy(5, nil), &slept)
	fatal := errors.New("fatal")

	calls := 0
	err := p.Do(context.Background(), func(err error) bool { return errors.Is(err, errFlaky) }, func(context.Context, int) error {
		calls++
		return fatal
	})
	if !errors.Is(err, fatal) {
		t.Fatalf("err = %v, want fatal", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	var slept []time.Duration
	p := noSleep(NewPolicy(2, []time.Duration{time.Second}), &slept)

	calls := 0
	err := p.Do(context.Background(), nil, func(context.Context, int) error {
		calls++
		return errFlaky
	})
	if !errors.Is(err, errFlaky) {
		t.Fatalf("err = %v", err)
	}
	if calls != 2 || len(slept) != 1 {
		t.Errorf("calls = %d slept = %v", calls, slept)
	}
}

func TestDoHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := NewPolicy(3, []time.Duration{time.Hour})

	calls := 0
	err := p.Do(ctx, nil, func(context.Context, int) error {
		calls++
		return errFlaky
	})
	if !errors.Is(err, errFlaky) || calls != 1 {
		t.Errorf("err = %v calls = %d", err, calls)
	}
}

func TestDelayRepeatsLastEntry(t *testing.T) {
	p := Policy{Schedule: []time.Duration{time.Second, 2 * time.Second}}
	if d := p.Delay(5); d != 2*time.Second {
		t.Errorf("Delay(5) = %s", d)
	}
}
