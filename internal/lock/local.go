package lock

import (
	"context"
	"sync"
	"time"
)

// Local is an in-process lock for single-instance deployments.
type Local struct {
	ch chan struct{}
}

func NewLocal() *Local {
	return &Local{ch: make(chan struct{}, 1)}
}

func (l *Local) TryLock(ctx context.Context, timeout time.Duration) (context.Context, func(), error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case l.ch <- struct{}{}:
		held, cancel := context.WithCancel(ctx)
		var once sync.Once
		return held, func() {
			once.Do(func() {
				cancel()
				<-l.ch
			})
		}, nil
	case <-t.C:
		return nil, nil, ErrNotAcquired
	case <-ctx.Done():
		return nil, nil, ErrNotAcquired
	}
}
