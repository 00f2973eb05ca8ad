package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler runs the sweep and the horizon check on fixed intervals. A run
// that is still going when its next tick fires is skipped, not queued.
type Scheduler struct {
	sweeper *Sweeper
	c       *cron.Cron
	log     zerolog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewScheduler(sweeper *Sweeper, sweepEvery, horizonEvery time.Duration, log zerolog.Logger) (*Scheduler, error) {
	clog := cronLogger{log: log.With().Str("component", "cron").Logger()}
	s := &Scheduler{
		sweeper: sweeper,
		c: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(clog),
			cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
		),
		log: log,
		ctx: context.Background(),
	}
	if sweepEvery <= 0 {
		return nil, fmt.Errorf("sweep interval must be positive")
	}
	s.c.Schedule(cron.Every(sweepEvery), cron.FuncJob(func() { s.runSweep() }))
	switch {
	case horizonEvery <= 0:
	case !sweeper.CanDefer():
		log.Warn().Msg("delivery provider cannot defer sends, horizon check disabled")
	default:
		s.c.Schedule(cron.Every(horizonEvery), cron.FuncJob(func() { s.runHorizon() }))
	}
	return s, nil
}

func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.log.Info().Int("jobs", len(s.c.Entries())).Msg("starting delivery scheduler")
	s.c.Start()
}

// Stop waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.log.Info().Msg("stopping delivery scheduler")
	<-s.c.Stop().Done()
	if s.cancel != nil {
		s.cancel()
	}
	s.log.Info().Msg("delivery scheduler stopped")
}

func (s *Scheduler) runSweep() {
	if _, err := s.sweeper.Sweep(s.ctx); err != nil {
		s.log.Error().Err(err).Msg("sweep failed")
	}
}

func (s *Scheduler) runHorizon() {
	if _, err := s.sweeper.Horizon(s.ctx); err != nil {
		s.log.Error().Err(err).Msg("horizon check failed")
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
