// Package content wraps the external generation service that writes
// sequence items.
package content

import (
	"context"
	"errors"

	"github.com/shohag/driprelay/internal/models"
)

var (
	ErrTimeout     = errors.New("content provider timed out")
	ErrRateLimited = errors.New("content provider rate limited")
	ErrMalformed   = errors.New("content provider returned a malformed response")
	ErrUnavailable = errors.New("content provider unavailable")
	ErrRejected    = errors.New("content provider rejected the request")
)

// Retryable reports whether err is worth another attempt inside the adapter.
func Retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnavailable) || errors.Is(err, ErrTimeout)
}

// Request asks for Count items starting at the 1-based position StartIndex.
type Request struct {
	Topic      string
	Inputs     map[string]string
	Sections   []models.Section
	StartIndex int
	Count      int
	Diversity  string
}

// Item is one generated entry. Sections may be missing names the template
// asked for; callers fill placeholders.
type Item struct {
	Title      string
	Sections   map[string]string
	TopicLabel string
}

type Generator interface {
	Generate(ctx context.Context, req Request) ([]Item, error)
}
