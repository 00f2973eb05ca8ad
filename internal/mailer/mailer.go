// Package mailer wraps the transactional delivery service.
package mailer

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrRejected is terminal: the provider refused the message.
	ErrRejected = errors.New("delivery rejected")
	// ErrTransient may succeed on another attempt.
	ErrTransient = errors.New("delivery failed transiently")
)

type Message struct {
	ItemID    string
	Recipient string
	Subject   string
	HTML      string
	Params    map[string]string
	// SendAt asks the provider to hold the message until then. Zero sends now.
	SendAt time.Time
}

// Sender delivers one message and returns the provider's message id.
type Sender interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// Deferrer is implemented by senders that can hold a message until
// Message.SendAt.
type Deferrer interface {
	Deferred() bool
}

// CanDefer reports whether s honors SendAt. Senders that do not implement
// Deferrer send immediately.
func CanDefer(s Sender) bool {
	d, ok := s.(Deferrer)
	return ok && d.Deferred()
}

type From struct {
	Name  string
	Email string
}
