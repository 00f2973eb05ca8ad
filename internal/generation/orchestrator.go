// Package generation drives the content provider across batches until a
// sequence holds exactly its target number of items.
package generation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/driprelay/internal/content"
	"github.com/shohag/driprelay/internal/models"
	"github.com/shohag/driprelay/internal/schedule"
	"github.com/shohag/driprelay/internal/storage"
)

const placeholderFormat = "Content for %s was not generated."

type Options struct {
	BatchSize         int
	RequestTimeout    time.Duration
	StaleAfter        time.Duration
	DefaultTopicDepth int
}

// Reporter receives run failures; report.Sentry satisfies it.
type Reporter interface {
	Capture(err error, tags map[string]string)
}

type Orchestrator struct {
	store    storage.Storage
	gen      content.Generator
	opts     Options
	reporter Reporter
	now      func() time.Time
	log      zerolog.Logger
}

func NewOrchestrator(store storage.Storage, gen content.Generator, opts Options, reporter Reporter, log zerolog.Logger) *Orchestrator {
	if opts.BatchSize < 1 {
		opts.BatchSize = 10
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Minute
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 30 * time.Minute
	}
	if opts.DefaultTopicDepth < 1 {
		opts.DefaultTopicDepth = 5
	}
	return &Orchestrator{
		store:    store,
		gen:      gen,
		opts:     opts,
		reporter: reporter,
		now:      func() time.Time { return time.Now().UTC() },
		log:      log,
	}
}

// run holds the state of one invocation.
type run struct {
	seq       *models.Sequence
	loc       *time.Location
	tracker   *Tracker
	anchor    time.Time // scheduled time of anchorPos, in loc
	anchorPos int
	log       zerolog.Logger
}

// Run generates the missing items of a sequence. It claims the sequence
// first, so a second concurrent Run for the same id returns ErrAlreadyRunning.
func (o *Orchestrator) Run(ctx context.Context, sequenceID string) error {
	seq, err := o.store.GetSequence(ctx, sequenceID)
	if err != nil {
		return fmt.Errorf("load sequence %s: %w", sequenceID, err)
	}
	if seq.Status == models.SequenceCompleted {
		return ErrAlreadyCompleted
	}

	claimed, err := o.store.ClaimSequence(ctx, seq.ID, o.now().Add(-o.opts.StaleAfter))
	if err != nil {
		return fmt.Errorf("claim sequence %s: %w", seq.ID, err)
	}
	if !claimed {
		if cur, err := o.store.GetSequence(ctx, seq.ID); err == nil && cur.Status == models.SequenceCompleted {
			return ErrAlreadyCompleted
		}
		return ErrAlreadyRunning
	}

	r := &run{seq: seq, log: o.log.With().Str("sequence_id", seq.ID).Logger()}
	if err := o.execute(ctx, r); err != nil {
		return o.fail(ctx, r, err)
	}
	return nil
}

func (o *Orchestrator) execute(ctx context.Context, r *run) error {
	seq := r.seq
	loc, err := seq.Location()
	if err != nil {
		return &RunError{Kind: KindUnexpected, Err: err}
	}
	r.loc = loc

	depth := seq.TopicDepth
	if depth < 1 {
		depth = o.opts.DefaultTopicDepth
	}
	r.tracker = NewTracker(depth)

	b := o.opts.BatchSize
	target := seq.TargetCount
	totalBatches := (target + b - 1) / b

	count, err := o.store.CountItems(ctx, seq.ID)
	if err != nil {
		return &RunError{Kind: KindUnexpected, Err: fmt.Errorf("count items: %w", err)}
	}
	offset := resumeOffset(count, b, target)
	if fromProgress := seq.Progress * totalBatches / 100 * b; fromProgress != offset {
		r.log.Warn().
			Int("progress", seq.Progress).
			Int("stored_items", count).
			Int("progress_offset", fromProgress).
			Int("count_offset", offset).
			Msg("progress disagrees with stored items, resuming from stored count")
	}

	if err := o.seedCursor(ctx, r, count); err != nil {
		return &RunError{Kind: KindUnexpected, Err: err}
	}

	r.log.Info().
		Int("target", target).
		Int("batch_size", b).
		Int("total_batches", totalBatches).
		Int("start_offset", offset).
		Msg("starting sequence generation")

	for start := offset; start < target; start += b {
		batch := start/b + 1
		size := min(b, target-start)

		items, err := o.generate(ctx, r, start+1, size)
		if err != nil {
			return &RunError{Kind: classify(err, ctx), Batch: batch, Err: err}
		}
		positions := make([]int, len(items))
		for i := range items {
			positions[i] = start + 1 + i
		}
		if err := o.persist(ctx, r, items, positions); err != nil {
			return &RunError{Kind: KindUnexpected, Batch: batch, Err: err}
		}

		progress := batchProgress(batch, b, target)
		if err := o.store.UpdateProgress(ctx, seq.ID, progress); err != nil {
			return &RunError{Kind: KindUnexpected, Batch: batch, Err: fmt.Errorf("update progress: %w", err)}
		}
		r.log.Info().
			Int("batch", batch).
			Int("requested", size).
			Int("received", len(items)).
			Int("progress", progress).
			Msg("batch persisted")
	}

	if err := o.reconcile(ctx, r); err != nil {
		return err
	}
	return o.finalize(ctx, r)
}

// resumeOffset is the first position (0-based) of the batch that holds the
// first missing item.
func resumeOffset(count, batchSize, target int) int {
	if count >= target {
		return target
	}
	return count / batchSize * batchSize
}

// batchProgress is the share of the target covered once batch (1-based) is done.
func batchProgress(batch, batchSize, target int) int {
	done := min(target, batch*batchSize)
	return int(math.Round(float64(done) / float64(target) * 100))
}

// seedCursor anchors scheduling. A fresh run starts at the next preferred
// time; a resumed run continues one cadence after its last stored item unless
// that moment has already passed.
func (o *Orchestrator) seedCursor(ctx context.Context, r *run, count int) error {
	now := o.now()
	fresh := func(pos int) {
		r.anchor = schedule.NextOccurrence(now, r.loc, r.seq.PreferredTime)
		r.anchorPos = pos
	}
	if count == 0 {
		fresh(1)
		return nil
	}
	last, err := o.store.LastItem(ctx, r.seq.ID)
	if errors.Is(err, storage.ErrNotFound) {
		fresh(1)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load last item: %w", err)
	}
	r.anchor = last.ScheduledFor.In(r.loc)
	r.anchorPos = last.Position
	if !o.scheduledFor(r, last.Position+1).After(now) {
		fresh(last.Position + 1)
	}
	return nil
}

func (o *Orchestrator) scheduledFor(r *run, position int) time.Time {
	return schedule.At(r.anchor, position-r.anchorPos, r.seq.CadenceDays)
}

func (o *Orchestrator) generate(ctx context.Context, r *run, startIndex, count int) ([]content.Item, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.opts.RequestTimeout)
	defer cancel()

	items, err := o.gen.Generate(callCtx, content.Request{
		Topic:      r.seq.Topic,
		Inputs:     r.seq.Inputs,
		Sections:   r.seq.Sections,
		StartIndex: startIndex,
		Count:      count,
		Diversity:  r.tracker.Hint(),
	})
	if err != nil {
		if callCtx.Err() != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("request timed out after %s: %w", o.opts.RequestTimeout, context.DeadlineExceeded)
		}
		return nil, err
	}
	if len(items) > count {
		items = items[:count]
	}
	return items, nil
}

// persist turns generated items into rows at the given positions and inserts
// them. Existing positions are left untouched.
func (o *Orchestrator) persist(ctx context.Context, r *run, generated []content.Item, positions []int) error {
	if len(generated) == 0 {
		return nil
	}
	now := o.now()
	rows := make([]models.Item, len(generated))
	for i, g := range generated {
		pos := positions[i]
		rows[i] = models.Item{
			ID:           models.NewID("itm"),
			SequenceID:   r.seq.ID,
			Position:     pos,
			Subject:      subjectFor(g, pos),
			Sections:     fillSections(r.seq.Sections, g.Sections, pos, r.log),
			ScheduledFor: o.scheduledFor(r, pos),
			CreatedAt:    now,
		}
	}

	inserted, err := o.store.InsertItems(ctx, rows)
	if err != nil {
		return fmt.Errorf("insert items: %w", err)
	}
	if inserted < len(rows) {
		r.log.Debug().Int("skipped", len(rows)-inserted).Msg("items already stored, skipped")
	}

	for i, g := range generated {
		r.tracker.Record(rows[i].Subject)
		if g.TopicLabel != "" && !strings.EqualFold(g.TopicLabel, rows[i].Subject) {
			r.tracker.Record(g.TopicLabel)
		}
	}
	return nil
}

func subjectFor(g content.Item, position int) string {
	if s := strings.TrimSpace(g.Title); s != "" {
		return s
	}
	return fmt.Sprintf("Email %d", position)
}

// fillSections orders generated sections by the template and substitutes a
// placeholder for any the provider left out.
func fillSections(template []models.Section, got map[string]string, position int, log zerolog.Logger) []models.SectionContent {
	out := make([]models.SectionContent, 0, len(template))
	for _, s := range template {
		text, ok := got[s.Name]
		if !ok || strings.TrimSpace(text) == "" {
			log.Warn().Int("position", position).Str("section", s.Name).Msg("section missing from provider response")
			text = fmt.Sprintf(placeholderFormat, s.Name)
		}
		out = append(out, models.SectionContent{Name: s.Name, Content: text})
	}
	return out
}

// reconcile makes one corrective call when short batches left positions
// empty. The run fails if the sequence is still short afterwards.
func (o *Orchestrator) reconcile(ctx context.Context, r *run) error {
	target := r.seq.TargetCount
	existing, err := o.store.ListItems(ctx, r.seq.ID)
	if err != nil {
		return &RunError{Kind: KindUnexpected, Err: fmt.Errorf("list items: %w", err)}
	}
	if len(existing) >= target {
		return nil
	}

	missing := missingPositions(existing, target)
	r.log.Warn().
		Int("stored", len(existing)).
		Int("target", target).
		Int("missing", len(missing)).
		Msg("sequence short after main loop, requesting the remainder")

	items, err := o.generate(ctx, r, missing[0], len(missing))
	if err != nil {
		return &RunError{Kind: KindIncomplete, Err: fmt.Errorf("corrective call for %d items: %w", len(missing), err)}
	}
	if len(items) > len(missing) {
		items = items[:len(missing)]
	}
	if err := o.persist(ctx, r, items, missing[:len(items)]); err != nil {
		return &RunError{Kind: KindUnexpected, Err: err}
	}

	count, err := o.store.CountItems(ctx, r.seq.ID)
	if err != nil {
		return &RunError{Kind: KindUnexpected, Err: fmt.Errorf("count items: %w", err)}
	}
	if count < target {
		return &RunError{Kind: KindIncomplete, Err: fmt.Errorf("stored %d of %d items", count, target)}
	}
	return nil
}

func missingPositions(items []models.Item, target int) []int {
	have := make(map[int]bool, len(items))
	for _, it := range items {
		have[it.Position] = true
	}
	var missing []int
	for p := 1; p <= target; p++ {
		if !have[p] {
			missing = append(missing, p)
		}
	}
	return missing
}

func (o *Orchestrator) finalize(ctx context.Context, r *run) error {
	next, err := o.store.RefreshNextDelivery(ctx, r.seq.ID)
	if err != nil {
		return &RunError{Kind: KindUnexpected, Err: fmt.Errorf("compute next delivery: %w", err)}
	}
	if err := o.store.CompleteSequence(ctx, r.seq.ID, next); err != nil {
		return &RunError{Kind: KindUnexpected, Err: fmt.Errorf("complete sequence: %w", err)}
	}
	ev := r.log.Info()
	if next != nil {
		ev = ev.Time("next_delivery", *next)
	}
	ev.Msg("sequence generation completed")
	return nil
}

// fail records err on the sequence. Persistence uses a context detached from
// cancellation so a shutdown still leaves the sequence resumable.
func (o *Orchestrator) fail(ctx context.Context, r *run, err error) error {
	var runErr *RunError
	if !errors.As(err, &runErr) {
		runErr = &RunError{Kind: KindUnexpected, Err: err}
	}

	r.log.Error().Err(runErr.Err).
		Str("kind", string(runErr.Kind)).
		Int("batch", runErr.Batch).
		Msg("sequence generation failed")

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if ferr := o.store.FailSequence(saveCtx, r.seq.ID, runErr.Error()); ferr != nil {
		r.log.Error().Err(ferr).Msg("failed to record sequence failure")
	}

	if o.reporter != nil {
		o.reporter.Capture(runErr, map[string]string{
			"sequence_id": r.seq.ID,
			"kind":        string(runErr.Kind),
		})
	}
	return runErr
}
