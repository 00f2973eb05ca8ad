package mailer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestBrevo(t *testing.T, templateID int64, h http.HandlerFunc) *Brevo {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	b, err := NewBrevo(BrevoOptions{
		APIKey:     "xkeysib-test",
		BaseURL:    srv.URL,
		From:       From{Name: "DripRelay", Email: "hello@example.com"},
		TemplateID: templateID,
	})
	if err != nil {
		t.Fatalf("NewBrevo: %v", err)
	}
	return b
}

func TestBrevoSendScheduled(t *testing.T) {
	var got brevoRequest
	b := newTestBrevo(t, 0, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("api-key") != "xkeysib-test" {
			t.Errorf("api-key header = %q", r.Header.Get("api-key"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"messageId":"<abc@smtp-relay.mailin.fr>"}`))
	})

	sendAt := time.Date(2024, 5, 2, 7, 30, 0, 0, time.UTC)
	id, err := b.Send(context.Background(), Message{
		ItemID:    "itm_1",
		Recipient: "ada@example.com",
		Subject:   "Day 1",
		HTML:      "<p>hi</p>",
		Params:    map[string]string{"subject": "Day 1"},
		SendAt:    sendAt,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id != "<abc@smtp-relay.mailin.fr>" {
		t.Errorf("id = %q", id)
	}
	if got.ScheduledAt != "2024-05-02T07:30:00Z" || got.HTMLContent != "<p>hi</p>" || got.TemplateID != 0 {
		t.Errorf("request = %+v", got)
	}
	if len(got.To) != 1 || got.To[0].Email != "ada@example.com" || got.Headers["X-DripRelay-Item"] != "itm_1" {
		t.Errorf("recipient/headers = %+v %+v", got.To, got.Headers)
	}
}

func TestBrevoSendWithTemplate(t *testing.T) {
	var got brevoRequest
	b := newTestBrevo(t, 7, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"messageIds":["<m1>"]}`))
	})

	id, err := b.Send(context.Background(), Message{ItemID: "itm_1", Recipient: "a@b.c", Subject: "s", HTML: "<p/>", Params: map[string]string{"body": "x"}})
	if err != nil || id != "<m1>" {
		t.Fatalf("Send: id=%q err=%v", id, err)
	}
	if got.TemplateID != 7 || got.HTMLContent != "" || got.Params["body"] != "x" || got.ScheduledAt != "" {
		t.Errorf("request = %+v", got)
	}
}

func TestBrevoErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusBadRequest, ErrRejected},
		{http.StatusUnauthorized, ErrRejected},
		{http.StatusTooManyRequests, ErrTransient},
		{http.StatusServiceUnavailable, ErrTransient},
	}
	for _, tt := range tests {
		b := newTestBrevo(t, 0, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			_, _ = w.Write([]byte(`{"code":"x","message":"nope"}`))
		})
		_, err := b.Send(context.Background(), Message{ItemID: "i", Recipient: "a@b.c"})
		if !errors.Is(err, tt.want) {
			t.Errorf("status %d: err = %v, want %v", tt.status, err, tt.want)
		}
	}
}
