// Package lock provides the single-flight lock that keeps one sweeper
// active across processes.
package lock

import (
	"context"
	"errors"
	"time"
)

var ErrNotAcquired = errors.New("lock not acquired")

// Locker hands out one named lock. TryLock gives up after timeout with
// ErrNotAcquired. The returned context is canceled once the lock is released
// or lost; work done under the lock should run on it. release is safe to
// call more than once.
type Locker interface {
	TryLock(ctx context.Context, timeout time.Duration) (held context.Context, release func(), err error)
}

const pollInterval = 100 * time.Millisecond

// poll calls try until it reports success, the timeout passes, or ctx ends.
func poll(ctx context.Context, timeout time.Duration, try func(context.Context) (bool, error)) error {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := try(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		wait := time.Until(deadline)
		if wait <= 0 {
			return ErrNotAcquired
		}
		if wait > pollInterval {
			wait = pollInterval
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ErrNotAcquired
		case <-t.C:
		}
	}
}
