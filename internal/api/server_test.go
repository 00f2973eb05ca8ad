package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/driprelay/internal/config"
	"github.com/shohag/driprelay/internal/models"
	"github.com/shohag/driprelay/internal/signing"
	"github.com/shohag/driprelay/internal/storage"
)

type fakeJobs struct {
	mu     sync.Mutex
	ids    []string
	reject bool
}

func (f *fakeJobs) Submit(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject {
		return false
	}
	f.ids = append(f.ids, id)
	return true
}

var testDefaults = config.SequenceConfig{
	PreferredTime: models.ClockTime{Hour: 7, Minute: 30},
	Timezone:      "UTC",
	CadenceDays:   1,
	TargetCount:   7,
}

func newTestServer(cfg config.ServerConfig) (*Server, *storage.Memory, *fakeJobs) {
	store := storage.NewMemory()
	jobs := &fakeJobs{}
	return NewServer(cfg, testDefaults, store, jobs, zerolog.Nop()), store, jobs
}

func do(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const validBody = `{
	"form_id": "bread-101",
	"recipient": "Ada@Example.com",
	"topic": "sourdough baking",
	"inputs": {"name": "Ada"},
	"target_count": 3,
	"sections": [{"name": "intro", "word_count": 80}, {"name": "tip"}],
	"preferred_time": "09:00",
	"timezone": "America/New_York"
}`

func TestCreateSequence(t *testing.T) {
	srv, store, jobs := newTestServer(config.ServerConfig{})

	rec := do(t, srv.Handler(), http.MethodPost, "/api/v1/sequences", validBody, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var resp createSequenceResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Queued || resp.Duplicate {
		t.Errorf("response flags = %+v", resp)
	}
	if len(jobs.ids) != 1 || jobs.ids[0] != resp.Sequence.ID {
		t.Errorf("submitted = %v", jobs.ids)
	}

	seq, err := store.GetSequence(context.Background(), resp.Sequence.ID)
	if err != nil {
		t.Fatal(err)
	}
	if seq.Status != models.SequencePending || !seq.Active {
		t.Errorf("status = %s active = %v", seq.Status, seq.Active)
	}
	if seq.TargetCount != 3 || seq.CadenceDays != 1 || len(seq.Sections) != 2 {
		t.Errorf("sequence = %+v", seq)
	}
	if seq.PreferredTime != (models.ClockTime{Hour: 9}) || seq.Timezone != "America/New_York" {
		t.Errorf("delivery prefs = %s %s", seq.PreferredTime, seq.Timezone)
	}

	rec = do(t, srv.Handler(), http.MethodPost, "/api/v1/sequences",
		strings.Replace(validBody, "Ada@Example.com", "ada@example.com", 1), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("duplicate status = %d", rec.Code)
	}
	var dup createSequenceResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &dup)
	if !dup.Duplicate || dup.Sequence.ID != resp.Sequence.ID {
		t.Errorf("duplicate response = %+v", dup)
	}
	if len(jobs.ids) != 1 {
		t.Errorf("duplicate was submitted again")
	}
}

func TestCreateSequenceValidation(t *testing.T) {
	srv, _, _ := newTestServer(config.ServerConfig{})

	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad json", `{`, "invalid request body"},
		{"missing recipient", `{"topic":"x","sections":[{"name":"a"}]}`, "recipient is required"},
		{"bad email", `{"recipient":"nope","topic":"x","sections":[{"name":"a"}]}`, "recipient must be a valid email"},
		{"no sections", `{"recipient":"a@b.co","topic":"x","sections":[]}`, "sections must be at least 1"},
		{"duplicate section", `{"recipient":"a@b.co","topic":"x","sections":[{"name":"a"},{"name":"a"}]}`, "sections must not repeat"},
		{"bad timezone", `{"recipient":"a@b.co","topic":"x","sections":[{"name":"a"}],"timezone":"Mars/Base"}`, "timezone"},
		{"bad clock", `{"recipient":"a@b.co","topic":"x","sections":[{"name":"a"}],"preferred_time":"25:99"}`, "preferred_time"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, srv.Handler(), http.MethodPost, "/api/v1/sequences", tt.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
			}
			if !strings.Contains(rec.Body.String(), tt.want) {
				t.Errorf("body = %s, want %q", rec.Body, tt.want)
			}
		})
	}
}

func TestAuth(t *testing.T) {
	srv, _, _ := newTestServer(config.ServerConfig{APIKeys: []string{"dk_secret"}})
	h := srv.Handler()

	if rec := do(t, h, http.MethodGet, "/health", "", nil); rec.Code != http.StatusOK {
		t.Errorf("health status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/v1/stats", "", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("no key status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/v1/stats", "", map[string]string{"X-API-Key": "dk_wrong"}); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong key status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/v1/stats", "", map[string]string{"X-API-Key": "dk_secret"}); rec.Code != http.StatusOK {
		t.Errorf("header key status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/v1/stats", "", map[string]string{"Authorization": "Bearer dk_secret"}); rec.Code != http.StatusOK {
		t.Errorf("bearer status = %d", rec.Code)
	}
}

func TestWebhookSignature(t *testing.T) {
	secret := "whsec_test"
	srv, _, _ := newTestServer(config.ServerConfig{WebhookSecret: secret})
	h := srv.Handler()

	if rec := do(t, h, http.MethodPost, "/api/v1/sequences", validBody, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("unsigned status = %d", rec.Code)
	}

	now := time.Now()
	headers := map[string]string{
		signing.HeaderTimestamp: strconv.FormatInt(now.Unix(), 10),
		signing.HeaderSignature: signing.Sign(secret, now, []byte(validBody)),
	}
	if rec := do(t, h, http.MethodPost, "/api/v1/sequences", validBody, headers); rec.Code != http.StatusAccepted {
		t.Errorf("signed status = %d, body = %s", rec.Code, rec.Body)
	}

	tampered := strings.Replace(validBody, "sourdough", "rye", 1)
	if rec := do(t, h, http.MethodPost, "/api/v1/sequences", tampered, headers); rec.Code != http.StatusUnauthorized {
		t.Errorf("tampered status = %d", rec.Code)
	}
}

func seedSequence(t *testing.T, store *storage.Memory, status models.SequenceStatus) *models.Sequence {
	t.Helper()
	seq := &models.Sequence{
		ID:          models.NewID("seq"),
		Topic:       "rust",
		Inputs:      map[string]string{},
		TargetCount: 2,
		CadenceDays: 1,
		Sections:    []models.Section{{Name: "body"}},
		Recipient:   "a@b.co",
		Timezone:    "UTC",
		Status:      status,
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	}
	if err := store.CreateSequence(context.Background(), seq); err != nil {
		t.Fatal(err)
	}
	return seq
}

func TestReadEndpoints(t *testing.T) {
	srv, store, _ := newTestServer(config.ServerConfig{})
	h := srv.Handler()
	seq := seedSequence(t, store, models.SequenceCompleted)
	seedSequence(t, store, models.SequenceFailed)
	_, _ = store.InsertItems(context.Background(), []models.Item{{
		ID: models.NewID("itm"), SequenceID: seq.ID, Position: 1, Subject: "One",
		ScheduledFor: time.Now().UTC(),
	}})

	rec := do(t, h, http.MethodGet, "/api/v1/sequences/"+seq.ID, "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), seq.ID) {
		t.Errorf("get = %d %s", rec.Code, rec.Body)
	}
	if rec := do(t, h, http.MethodGet, "/api/v1/sequences/seq_missing", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing = %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/sequences/"+seq.ID+"/items", "", nil)
	var items []models.Item
	if err := json.Unmarshal(rec.Body.Bytes(), &items); err != nil || len(items) != 1 {
		t.Errorf("items = %s (%v)", rec.Body, err)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/sequences?status=failed", "", nil)
	var listed []models.Sequence
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil || len(listed) != 1 || listed[0].Status != models.SequenceFailed {
		t.Errorf("list = %s (%v)", rec.Body, err)
	}
	if rec := do(t, h, http.MethodGet, "/api/v1/sequences?status=bogus", "", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bogus status filter = %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/stats", "", nil)
	var stats storage.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil || stats.TotalSequences != 2 || stats.TotalItems != 1 {
		t.Errorf("stats = %s (%v)", rec.Body, err)
	}
}

func TestResumeAndToggle(t *testing.T) {
	srv, store, jobs := newTestServer(config.ServerConfig{})
	h := srv.Handler()
	failed := seedSequence(t, store, models.SequenceFailed)
	done := seedSequence(t, store, models.SequenceCompleted)

	if rec := do(t, h, http.MethodPost, "/api/v1/sequences/"+failed.ID+"/resume", "", nil); rec.Code != http.StatusAccepted {
		t.Errorf("resume failed = %d", rec.Code)
	}
	if len(jobs.ids) != 1 || jobs.ids[0] != failed.ID {
		t.Errorf("submitted = %v", jobs.ids)
	}
	if rec := do(t, h, http.MethodPost, "/api/v1/sequences/"+done.ID+"/resume", "", nil); rec.Code != http.StatusConflict {
		t.Errorf("resume completed = %d", rec.Code)
	}
	jobs.reject = true
	if rec := do(t, h, http.MethodPost, "/api/v1/sequences/"+failed.ID+"/resume", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("resume with full queue = %d", rec.Code)
	}

	rec := do(t, h, http.MethodPatch, "/api/v1/sequences/"+done.ID, `{"active": false}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("patch = %d %s", rec.Code, rec.Body)
	}
	got, _ := store.GetSequence(context.Background(), done.ID)
	if got.Active {
		t.Error("sequence still active")
	}
	if rec := do(t, h, http.MethodPatch, "/api/v1/sequences/"+done.ID, `{}`, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("patch without active = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPatch, "/api/v1/sequences/seq_missing", `{"active": true}`, nil); rec.Code != http.StatusNotFound {
		t.Errorf("patch missing = %d", rec.Code)
	}
}

func TestDedupeKeyNormalizes(t *testing.T) {
	a := dedupeKey("f1", " Ada@Example.com", "topic ")
	b := dedupeKey("f1", "ada@example.com", "topic")
	if a != b {
		t.Error("dedupe key should ignore case and surrounding space")
	}
	if a == dedupeKey("f2", "ada@example.com", "topic") {
		t.Error("different forms must not collide")
	}
}
