// Package delivery hands due items to the delivery provider exactly once.
package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"github.com/shohag/driprelay/internal/lock"
	"github.com/shohag/driprelay/internal/mailer"
	"github.com/shohag/driprelay/internal/models"
	"github.com/shohag/driprelay/internal/render"
	"github.com/shohag/driprelay/internal/schedule"
	"github.com/shohag/driprelay/internal/storage"
)

// ErrCannotDefer is returned by Horizon when the sender would deliver
// immediately instead of at the scheduled time.
var ErrCannotDefer = errors.New("sender cannot defer delivery")

const recordTimeout = 10 * time.Second

type Options struct {
	BatchLimit       int
	ScanLimit        int
	GateTolerance    time.Duration
	MinLead          time.Duration
	MaxAhead         time.Duration
	LockTimeout      time.Duration
	HorizonLookahead time.Duration
	RefreshWorkers   int
}

func (o *Options) setDefaults() {
	if o.BatchLimit <= 0 {
		o.BatchLimit = 100
	}
	if o.ScanLimit < o.BatchLimit {
		o.ScanLimit = 100 * o.BatchLimit
	}
	if o.GateTolerance <= 0 {
		o.GateTolerance = 15 * time.Minute
	}
	if o.MinLead <= 0 {
		o.MinLead = 2 * time.Minute
	}
	if o.MaxAhead <= 0 {
		o.MaxAhead = 72 * time.Hour
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = 5 * time.Second
	}
	if o.HorizonLookahead <= 0 {
		o.HorizonLookahead = 48 * time.Hour
	}
	if o.RefreshWorkers <= 0 {
		o.RefreshWorkers = 4
	}
}

// Result summarizes one pass.
type Result struct {
	LockSkipped bool `json:"lock_skipped"`
	Considered  int  `json:"considered"`
	Sent        int  `json:"sent"`
	Gated       int  `json:"gated"`
	Failed      int  `json:"failed"`
	Sequences   int  `json:"sequences"`
}

type Sweeper struct {
	store  storage.Storage
	sender mailer.Sender
	locker lock.Locker
	opts   Options
	now    func() time.Time
	log    zerolog.Logger
}

func NewSweeper(store storage.Storage, sender mailer.Sender, locker lock.Locker, opts Options, log zerolog.Logger) *Sweeper {
	opts.setDefaults()
	return &Sweeper{
		store:  store,
		sender: sender,
		locker: locker,
		opts:   opts,
		now:    func() time.Time { return time.Now().UTC() },
		log:    log,
	}
}

// Sweep dispatches items whose time has come, but only while the
// subscriber's local clock is near their preferred time. If another sweep
// holds the lock the pass is skipped.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	var res Result
	held, release, err := s.locker.TryLock(ctx, s.opts.LockTimeout)
	if errors.Is(err, lock.ErrNotAcquired) {
		s.log.Debug().Msg("sweep lock busy, skipping")
		return Result{LockSkipped: true}, nil
	}
	if err != nil {
		return res, err
	}
	defer release()

	now := s.now()
	due, err := s.inWindow(held, now, &res)
	if err != nil {
		return res, err
	}

	touched := map[string]bool{}
	for i, d := range due {
		if held.Err() != nil {
			s.log.Warn().Int("remaining", len(due)-i).Msg("sweep lock lost, stopping pass")
			break
		}
		log := s.log.With().Str("sequence_id", d.SequenceID).Str("item_id", d.ID).Logger()
		sendAt := schedule.ClampSendTime(d.ScheduledFor, now, s.opts.MinLead, s.opts.MaxAhead)
		if s.dispatch(held, log, d.Item, d.Recipient, d.Inputs, sendAt, now) {
			res.Sent++
			touched[d.SequenceID] = true
		} else {
			res.Failed++
		}
	}

	res.Sequences = len(touched)
	s.refresh(context.WithoutCancel(held), touched)
	s.logResult("sweep finished", res)
	return res, nil
}

// inWindow pages through due items oldest first and keeps those whose
// subscriber is inside the delivery window, until BatchLimit are found.
// Gated rows do not count against the batch; ScanLimit bounds the rows read
// in one pass.
func (s *Sweeper) inWindow(ctx context.Context, now time.Time, res *Result) ([]models.DueItem, error) {
	var (
		out   []models.DueItem
		after *storage.DueCursor
	)
	for {
		page, err := s.store.DueItems(ctx, now, after, s.opts.BatchLimit)
		if err != nil {
			return nil, err
		}
		for _, d := range page {
			res.Considered++
			loc, err := loadLocation(d.Timezone)
			if err != nil {
				s.log.Error().Err(err).Str("sequence_id", d.SequenceID).Str("item_id", d.ID).
					Msg("invalid timezone, item left pending")
				res.Failed++
				continue
			}
			if !schedule.WithinWindow(now, loc, d.PreferredTime, s.opts.GateTolerance) {
				res.Gated++
				continue
			}
			out = append(out, d)
			if len(out) == s.opts.BatchLimit {
				return out, nil
			}
		}
		if len(page) < s.opts.BatchLimit {
			return out, nil
		}
		if res.Considered >= s.opts.ScanLimit {
			s.log.Warn().Int("scanned", res.Considered).Int("gated", res.Gated).
				Msg("scan limit reached, remaining due items wait for the next pass")
			return out, nil
		}
		last := page[len(page)-1]
		after = &storage.DueCursor{ScheduledFor: last.ScheduledFor, ID: last.ID}
	}
}

// CanDefer reports whether the configured sender holds messages until their
// send time, which Horizon depends on.
func (s *Sweeper) CanDefer() bool {
	return mailer.CanDefer(s.sender)
}

// Horizon hands items due within the lookahead window to the provider ahead
// of time with their scheduled send time. The provider holds them, so the
// local-time gate does not apply. Senders that cannot defer get
// ErrCannotDefer and nothing is sent.
func (s *Sweeper) Horizon(ctx context.Context) (Result, error) {
	var res Result
	if !s.CanDefer() {
		return res, ErrCannotDefer
	}
	held, release, err := s.locker.TryLock(ctx, s.opts.LockTimeout)
	if errors.Is(err, lock.ErrNotAcquired) {
		s.log.Debug().Msg("sweep lock busy, skipping horizon check")
		return Result{LockSkipped: true}, nil
	}
	if err != nil {
		return res, err
	}
	defer release()

	now := s.now()
	horizon := now.Add(s.opts.HorizonLookahead)
	seqs, err := s.store.SequencesDueWithin(held, horizon, s.opts.BatchLimit)
	if err != nil {
		return res, err
	}

	touched := map[string]bool{}
	for _, seq := range seqs {
		if held.Err() != nil {
			s.log.Warn().Msg("sweep lock lost, stopping horizon check")
			break
		}
		items, err := s.store.PendingItems(held, seq.ID, horizon)
		if err != nil {
			s.log.Error().Err(err).Str("sequence_id", seq.ID).Msg("failed to load pending items")
			continue
		}
		for _, it := range items {
			if res.Considered >= s.opts.BatchLimit || held.Err() != nil {
				break
			}
			res.Considered++
			log := s.log.With().Str("sequence_id", seq.ID).Str("item_id", it.ID).Logger()
			sendAt := schedule.ClampSendTime(it.ScheduledFor, now, s.opts.MinLead, s.opts.MaxAhead)
			if s.dispatch(held, log, it, seq.Recipient, seq.Inputs, sendAt, now) {
				res.Sent++
			} else {
				res.Failed++
			}
		}
		touched[seq.ID] = true
	}

	res.Sequences = len(touched)
	s.refresh(context.WithoutCancel(held), touched)
	s.logResult("horizon check finished", res)
	return res, nil
}

// dispatch renders and sends one item and records it as delivered in its
// own write. Failures are logged and leave the item pending for a later pass.
// Once the provider accepts a message the record is written even if ctx ends.
func (s *Sweeper) dispatch(ctx context.Context, log zerolog.Logger, item models.Item, recipient string, inputs map[string]string, sendAt, now time.Time) bool {
	rendered, err := render.Render(item, inputs)
	if err != nil {
		log.Error().Err(err).Msg("render failed")
		return false
	}

	msgID, err := s.sender.Send(ctx, mailer.Message{
		ItemID:    item.ID,
		Recipient: recipient,
		Subject:   rendered.Subject,
		HTML:      rendered.HTML,
		Params:    rendered.Params,
		SendAt:    sendAt,
	})
	if err != nil {
		ev := log.Warn()
		if errors.Is(err, mailer.ErrRejected) {
			ev = log.Error()
		}
		ev.Err(err).Msg("delivery failed, item left pending")
		return false
	}

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	marked, err := s.store.MarkDelivered(recordCtx, item.ID, msgID, now)
	if err != nil {
		log.Error().Err(err).Str("provider_message_id", msgID).Msg("sent but failed to record delivery")
		return false
	}
	if !marked {
		log.Warn().Str("provider_message_id", msgID).Msg("item was already delivered")
		return false
	}
	log.Info().Str("provider_message_id", msgID).Time("send_at", sendAt).Msg("item dispatched")
	return true
}

func (s *Sweeper) refresh(ctx context.Context, touched map[string]bool) {
	if len(touched) == 0 {
		return
	}
	p := pool.New().WithMaxGoroutines(s.opts.RefreshWorkers)
	for id := range touched {
		id := id
		p.Go(func() {
			if _, err := s.store.RefreshNextDelivery(ctx, id); err != nil {
				s.log.Error().Err(err).Str("sequence_id", id).Msg("failed to refresh next delivery")
			}
		})
	}
	p.Wait()
}

func (s *Sweeper) logResult(msg string, res Result) {
	ev := s.log.Debug()
	if res.Sent > 0 || res.Failed > 0 {
		ev = s.log.Info()
	}
	ev.Int("considered", res.Considered).
		Int("sent", res.Sent).
		Int("gated", res.Gated).
		Int("failed", res.Failed).
		Int("sequences", res.Sequences).
		Msg(msg)
}

func loadLocation(tz string) (*time.Location, error) {
	seq := models.Sequence{Timezone: tz}
	return seq.Location()
}
