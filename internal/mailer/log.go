package mailer

import (
	"context"

	"github.com/rs/zerolog"
)

// Log records messages instead of sending them. Used for local runs.
type Log struct {
	log zerolog.Logger
}

func NewLog(log zerolog.Logger) *Log {
	return &Log{log: log}
}

// Deferred is true: the log sender records send_at as given.
func (l *Log) Deferred() bool { return true }

func (l *Log) Send(_ context.Context, msg Message) (string, error) {
	id := "log-" + msg.ItemID
	ev := l.log.Info().
		Str("item_id", msg.ItemID).
		Str("recipient", msg.Recipient).
		Str("subject", msg.Subject).
		Int("html_bytes", len(msg.HTML)).
		Str("provider_message_id", id)
	if !msg.SendAt.IsZero() {
		ev = ev.Time("send_at", msg.SendAt)
	}
	ev.Msg("message recorded")
	return id, nil
}
