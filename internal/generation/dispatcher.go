package generation

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

// Runner is satisfied by *Orchestrator.
type Runner interface {
	Run(ctx context.Context, sequenceID string) error
}

// Dispatcher runs submitted sequences on a fixed set of background workers.
// Sequences generate sequentially per id; different ids run in parallel and
// share the provider's rate limiter.
type Dispatcher struct {
	runner  Runner
	workers int
	queue   chan string
	log     zerolog.Logger
	stop    chan struct{}
	wg      sync.WaitGroup
}

func NewDispatcher(runner Runner, workers, queueSize int, log zerolog.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 100
	}
	return &Dispatcher{
		runner:  runner,
		workers: workers,
		queue:   make(chan string, queueSize),
		log:     log,
		stop:    make(chan struct{}),
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	d.log.Info().Int("workers", d.workers).Msg("starting generation dispatcher")
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.loop(ctx)
		}()
	}
}

// Stop waits for in-flight runs to finish. Runs are never cut mid-batch.
func (d *Dispatcher) Stop() {
	d.log.Info().Msg("stopping generation dispatcher")
	close(d.stop)
	d.wg.Wait()
	d.log.Info().Msg("generation dispatcher stopped")
}

// Submit queues a sequence without blocking. It reports false when the
// queue is full; the sequence stays pending and can be resumed later.
func (d *Dispatcher) Submit(sequenceID string) bool {
	select {
	case d.queue <- sequenceID:
		return true
	default:
		d.log.Warn().Str("sequence_id", sequenceID).Msg("generation queue full")
		return false
	}
}

func (d *Dispatcher) loop(ctx context.Context) {
	for {
		select {
		case <-d.stop:
			return
		case <-ctx.Done():
			return
		case id := <-d.queue:
			d.runOne(ctx, id)
		}
	}
}

func (d *Dispatcher) runOne(ctx context.Context, id string) {
	err := d.runner.Run(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, ErrAlreadyRunning), errors.Is(err, ErrAlreadyCompleted):
		d.log.Info().Str("sequence_id", id).Err(err).Msg("skipping sequence")
	default:
		d.log.Error().Str("sequence_id", id).Err(err).Msg("sequence run failed")
	}
}

// Result pairs a sequence id with the outcome of its run.
type Result struct {
	SequenceID string
	Err        error
}

// RunMany runs ids with at most n concurrent runs and returns one result per
// id in input order.
func RunMany(ctx context.Context, runner Runner, ids []string, n int) []Result {
	if n < 1 {
		n = 1
	}
	p := pool.NewWithResults[Result]().WithMaxGoroutines(n)
	for _, id := range ids {
		id := id
		p.Go(func() Result {
			return Result{SequenceID: id, Err: runner.Run(ctx, id)}
		})
	}
	results := p.Wait()

	byID := make(map[string]Result, len(results))
	for _, r := range results {
		byID[r.SequenceID] = r
	}
	ordered := make([]Result, 0, len(ids))
	for _, id := range ids {
		ordered = append(ordered, byID[id])
	}
	return ordered
}
