package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultBrevoURL = "https://api.brevo.com/v3/smtp/email"

// Brevo sends through the Brevo transactional email API. When a template id
// is configured the provider renders the template from Params; otherwise the
// rendered HTML is sent as is.
type Brevo struct {
	apiKey     string
	url        string
	from       From
	templateID int64
	httpClient *http.Client
}

type BrevoOptions struct {
	APIKey     string
	BaseURL    string
	From       From
	TemplateID int64
	Timeout    time.Duration
}

func NewBrevo(opts BrevoOptions) (*Brevo, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, fmt.Errorf("delivery.brevo.api_key is required")
	}
	if strings.TrimSpace(opts.From.Email) == "" {
		return nil, fmt.Errorf("delivery.from.email is required")
	}
	url := opts.BaseURL
	if url == "" {
		url = defaultBrevoURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Brevo{
		apiKey:     opts.APIKey,
		url:        url,
		from:       opts.From,
		templateID: opts.TemplateID,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type brevoAddress struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

type brevoRequest struct {
	Sender      brevoAddress      `json:"sender"`
	To          []brevoAddress    `json:"to"`
	Subject     string            `json:"subject,omitempty"`
	HTMLContent string            `json:"htmlContent,omitempty"`
	TemplateID  int64             `json:"templateId,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
	ScheduledAt string            `json:"scheduledAt,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

type brevoResponse struct {
	MessageID  string   `json:"messageId"`
	MessageIDs []string `json:"messageIds"`
	Code       string   `json:"code"`
	Message    string   `json:"message"`
}

// Deferred is true: Brevo holds messages until scheduledAt.
func (b *Brevo) Deferred() bool { return true }

func (b *Brevo) Send(ctx context.Context, msg Message) (string, error) {
	body := brevoRequest{
		Sender:  brevoAddress{Name: b.from.Name, Email: b.from.Email},
		To:      []brevoAddress{{Email: msg.Recipient}},
		Params:  msg.Params,
		Headers: map[string]string{"X-DripRelay-Item": msg.ItemID},
	}
	if b.templateID > 0 {
		body.TemplateID = b.templateID
	} else {
		body.Subject = msg.Subject
		body.HTMLContent = msg.HTML
	}
	if !msg.SendAt.IsZero() {
		body.ScheduledAt = msg.SendAt.UTC().Format(time.RFC3339)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("api-key", b.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var parsed brevoResponse
	_ = json.Unmarshal(raw, &parsed)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return "", fmt.Errorf("%w: status %d: %s", ErrTransient, resp.StatusCode, describe(parsed, raw))
	case resp.StatusCode >= 400:
		return "", fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, describe(parsed, raw))
	}

	id := parsed.MessageID
	if id == "" && len(parsed.MessageIDs) > 0 {
		id = parsed.MessageIDs[0]
	}
	if id == "" {
		return "", fmt.Errorf("%w: response without message id", ErrTransient)
	}
	return id, nil
}

func describe(r brevoResponse, raw []byte) string {
	if r.Code != "" || r.Message != "" {
		return r.Code + ": " + r.Message
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 256 {
		s = s[:256]
	}
	return s
}
