// Package report forwards failures to Sentry when a DSN is configured.
package report

import (
	"time"

	"github.com/getsentry/sentry-go"
)

type Options struct {
	DSN         string
	Environment string
	Release     string
}

// Sentry captures errors with tags. A Sentry built without a DSN drops
// everything, so callers never need a nil check.
type Sentry struct {
	enabled bool
}

func New(opts Options) (*Sentry, error) {
	if opts.DSN == "" {
		return &Sentry{}, nil
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         opts.DSN,
		Environment: opts.Environment,
		Release:     opts.Release,
	}); err != nil {
		return nil, err
	}
	return &Sentry{enabled: true}, nil
}

func (s *Sentry) Enabled() bool {
	return s != nil && s.enabled
}

func (s *Sentry) Capture(err error, tags map[string]string) {
	if !s.Enabled() || err == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		sentry.CaptureException(err)
	})
}

// Flush waits for buffered events before shutdown.
func (s *Sentry) Flush(timeout time.Duration) {
	if s.Enabled() {
		sentry.Flush(timeout)
	}
}
