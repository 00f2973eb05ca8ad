package content

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/shohag/driprelay/internal/retry"
)

// Limited gates every provider call on a shared token bucket and retries
// transient failures under policy. One Limited is shared by all runs so the
// calls-per-minute budget is global.
type Limited struct {
	next    Generator
	limiter *rate.Limiter
	policy  retry.Policy
	log     zerolog.Logger
}

func NewLimited(next Generator, limiter *rate.Limiter, policy retry.Policy, log zerolog.Logger) *Limited {
	return &Limited{next: next, limiter: limiter, policy: policy, log: log}
}

func (l *Limited) Generate(ctx context.Context, req Request) ([]Item, error) {
	var items []Item
	err := l.policy.Do(ctx, Retryable, func(ctx context.Context, attempt int) error {
		if l.limiter != nil {
			if err := l.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		out, err := l.next.Generate(ctx, req)
		if err != nil {
			l.log.Warn().Err(err).
				Int("attempt", attempt).
				Int("start_index", req.StartIndex).
				Int("count", req.Count).
				Msg("content generation attempt failed")
			return err
		}
		items = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// NewLimiter returns a token bucket releasing callsPerMinute tokens evenly
// across each minute. Zero or less means unlimited.
func NewLimiter(callsPerMinute int) *rate.Limiter {
	if callsPerMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(callsPerMinute)), 1)
}
