package mailer

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/shohag/driprelay/internal/retry"
)

// Retrying retries transient send failures under policy. Rejections return
// immediately.
type Retrying struct {
	next   Sender
	policy retry.Policy
	log    zerolog.Logger
}

func NewRetrying(next Sender, policy retry.Policy, log zerolog.Logger) *Retrying {
	return &Retrying{next: next, policy: policy, log: log}
}

func (r *Retrying) Deferred() bool { return CanDefer(r.next) }

func (r *Retrying) Send(ctx context.Context, msg Message) (string, error) {
	var id string
	err := r.policy.Do(ctx, func(err error) bool { return errors.Is(err, ErrTransient) }, func(ctx context.Context, attempt int) error {
		out, err := r.next.Send(ctx, msg)
		if err != nil {
			r.log.Warn().Err(err).Str("item_id", msg.ItemID).Int("attempt", attempt).Msg("send attempt failed")
			return err
		}
		id = out
		return nil
	})
	return id, err
}
