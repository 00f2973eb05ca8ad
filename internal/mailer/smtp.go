package mailer

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"
	"regexp"

	"gopkg.in/gomail.v2"
)

// SMTP sends through a plain SMTP relay. SMTP has no deferred sending, so
// SendAt is ignored and messages go out immediately.
type SMTP struct {
	dialer *gomail.Dialer
	from   From
	domain string
}

type SMTPOptions struct {
	Host     string
	Port     int
	Username string
	Password string
	From     From
}

func NewSMTP(opts SMTPOptions) (*SMTP, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("delivery.smtp.host is required")
	}
	if opts.From.Email == "" {
		return nil, fmt.Errorf("delivery.from.email is required")
	}
	return &SMTP{
		dialer: gomail.NewDialer(opts.Host, opts.Port, opts.Username, opts.Password),
		from:   opts.From,
		domain: opts.Host,
	}, nil
}

func (s *SMTP) Deferred() bool { return false }

func (s *SMTP) Send(ctx context.Context, msg Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}
	id := fmt.Sprintf("<%s@%s>", msg.ItemID, s.domain)

	m := gomail.NewMessage()
	m.SetAddressHeader("From", s.from.Email, s.from.Name)
	m.SetHeader("To", msg.Recipient)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", id)
	m.SetBody("text/html", msg.HTML)

	if err := s.dialer.DialAndSend(m); err != nil {
		return "", classifySMTP(err)
	}
	return id, nil
}

// gomail flattens the server reply into its error text.
var permanentReply = regexp.MustCompile(`(^|: )5[0-5]\d[ -]`)

// classifySMTP treats permanent 5xx replies as rejections and everything
// else, including connection failures, as transient.
func classifySMTP(err error) error {
	var tpErr *textproto.Error
	if (errors.As(err, &tpErr) && tpErr.Code >= 500) || permanentReply.MatchString(err.Error()) {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}
