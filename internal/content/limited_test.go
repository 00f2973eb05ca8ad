package content

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/driprelay/internal/retry"
)

type scriptedGenerator struct {
	errs  []error
	calls int
}

func (g *scriptedGenerator) Generate(context.Context, Request) ([]Item, error) {
	g.calls++
	if g.calls <= len(g.errs) {
		return nil, g.errs[g.calls-1]
	}
	return []Item{{Title: "ok"}}, nil
}

func TestLimitedRetriesTransientErrors(t *testing.T) {
	g := &scriptedGenerator{errs: []error{ErrRateLimited, ErrUnavailable}}
	l := NewLimited(g, NewLimiter(0), retry.NewPolicy(3, []time.Duration{time.Millisecond}), zerolog.Nop())

	items, err := l.Generate(context.Background(), Request{StartIndex: 1, Count: 1})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if g.calls != 3 || len(items) != 1 {
		t.Errorf("calls = %d items = %v", g.calls, items)
	}
}

func TestLimitedDoesNotRetryMalformed(t *testing.T) {
	g := &scriptedGenerator{errs: []error{ErrMalformed}}
	l := NewLimited(g, nil, retry.NewPolicy(3, []time.Duration{time.Millisecond}), zerolog.Nop())

	_, err := l.Generate(context.Background(), Request{StartIndex: 1, Count: 1})
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("err = %v", err)
	}
	if g.calls != 1 {
		t.Errorf("calls = %d, want 1", g.calls)
	}
}

func TestLimitedWaitsOnLimiter(t *testing.T) {
	g := &scriptedGenerator{}
	lim := NewLimiter(60)
	lim.Allow() // drain the single burst token
	l := NewLimited(g, lim, retry.NewPolicy(1, nil), zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := l.Generate(ctx, Request{}); err == nil {
		t.Fatal("expected the limiter to block past the deadline")
	}
	if g.calls != 0 {
		t.Errorf("provider called %d times while rate limited", g.calls)
	}
}
