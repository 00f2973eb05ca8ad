package generation

import (
	"context"
	"errors"
	"fmt"

	"github.com/shohag/driprelay/internal/content"
)

var (
	ErrAlreadyRunning   = errors.New("sequence is already generating")
	ErrAlreadyCompleted = errors.New("sequence is already completed")
)

type ErrorKind string

const (
	KindTimeout    ErrorKind = "timeout"
	KindProvider   ErrorKind = "provider"
	KindUnexpected ErrorKind = "unexpected"
	KindIncomplete ErrorKind = "incomplete"
)

// RunError is the failure recorded on a sequence. Timeouts can be retried by
// running the sequence again; provider errors need attention first.
type RunError struct {
	Kind  ErrorKind
	Batch int
	Err   error
}

func (e *RunError) Error() string {
	if e.Batch > 0 {
		return fmt.Sprintf("%s error on batch %d: %v", e.Kind, e.Batch, e.Err)
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

func classify(err error, callCtx context.Context) ErrorKind {
	switch {
	case errors.Is(callCtx.Err(), context.DeadlineExceeded),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, content.ErrTimeout):
		return KindTimeout
	case errors.Is(err, content.ErrRateLimited),
		errors.Is(err, content.ErrUnavailable),
		errors.Is(err, content.ErrRejected),
		errors.Is(err, content.ErrMalformed):
		return KindProvider
	default:
		return KindUnexpected
	}
}
