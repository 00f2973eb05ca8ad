package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shohag/driprelay/internal/models"
)

func newTestSequence(id string) *models.Sequence {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return &models.Sequence{
		ID:            id,
		Topic:         "sourdough",
		Inputs:        map[string]string{"name": "Ada"},
		TargetCount:   3,
		CadenceDays:   1,
		TopicDepth:    5,
		Sections:      []models.Section{{Name: "body", WordCount: 100}},
		Recipient:     "ada@example.com",
		PreferredTime: models.ClockTime{Hour: 7, Minute: 30},
		Timezone:      "UTC",
		Status:        models.SequencePending,
		Active:        true,
		CreatedAt:     ts,
		UpdatedAt:     ts,
	}
}

func testItems(seqID string, from, to int, start time.Time) []models.Item {
	var out []models.Item
	for p := from; p <= to; p++ {
		out = append(out, models.Item{
			ID:           models.NewID("itm"),
			SequenceID:   seqID,
			Position:     p,
			Subject:      "subject",
			Sections:     []models.SectionContent{{Name: "body", Content: "text"}},
			ScheduledFor: start.AddDate(0, 0, p-1),
		})
	}
	return out
}

func TestMemoryInsertItemsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.CreateSequence(ctx, newTestSequence("seq_1"))
	start := time.Date(2024, 5, 2, 7, 30, 0, 0, time.UTC)

	n, err := m.InsertItems(ctx, testItems("seq_1", 1, 2, start))
	if err != nil || n != 2 {
		t.Fatalf("first insert: n=%d err=%v", n, err)
	}
	n, err = m.InsertItems(ctx, testItems("seq_1", 1, 3, start))
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if n != 1 {
		t.Errorf("second insert added %d, want 1", n)
	}
	if c, _ := m.CountItems(ctx, "seq_1"); c != 3 {
		t.Errorf("count = %d, want 3", c)
	}
	last, err := m.LastItem(ctx, "seq_1")
	if err != nil || last.Position != 3 {
		t.Errorf("last = %+v err=%v", last, err)
	}
}

func TestMemoryClaimSequence(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.CreateSequence(ctx, newTestSequence("seq_1"))

	ok, _ := m.ClaimSequence(ctx, "seq_1", time.Now().Add(-time.Hour))
	if !ok {
		t.Fatal("pending sequence should be claimable")
	}
	ok, _ = m.ClaimSequence(ctx, "seq_1", time.Now().Add(-time.Hour))
	if ok {
		t.Fatal("fresh generating sequence must not be claimed twice")
	}
	ok, _ = m.ClaimSequence(ctx, "seq_1", time.Now().Add(time.Hour))
	if !ok {
		t.Fatal("stale generating sequence should be reclaimable")
	}

	_ = m.CompleteSequence(ctx, "seq_1", nil)
	ok, _ = m.ClaimSequence(ctx, "seq_1", time.Now().Add(time.Hour))
	if ok {
		t.Fatal("completed sequence must not be claimed")
	}
}

func TestMemoryProgressIsMonotonic(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.CreateSequence(ctx, newTestSequence("seq_1"))

	_ = m.UpdateProgress(ctx, "seq_1", 60)
	_ = m.UpdateProgress(ctx, "seq_1", 40)
	seq, _ := m.GetSequence(ctx, "seq_1")
	if seq.Progress != 60 {
		t.Errorf("progress = %d, want 60", seq.Progress)
	}
}

func TestMemoryMarkDeliveredOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.CreateSequence(ctx, newTestSequence("seq_1"))
	items := testItems("seq_1", 1, 2, time.Date(2024, 5, 2, 7, 30, 0, 0, time.UTC))
	_, _ = m.InsertItems(ctx, items)

	at := time.Date(2024, 5, 2, 7, 31, 0, 0, time.UTC)
	ok, err := m.MarkDelivered(ctx, items[0].ID, "msg-1", at)
	if err != nil || !ok {
		t.Fatalf("first mark: ok=%v err=%v", ok, err)
	}
	ok, _ = m.MarkDelivered(ctx, items[0].ID, "msg-2", at)
	if ok {
		t.Fatal("second mark must not succeed")
	}

	list, _ := m.ListItems(ctx, "seq_1")
	if got := *list[0].ProviderMessageID; got != "msg-1" {
		t.Errorf("message id = %q, want msg-1", got)
	}

	next, err := m.RefreshNextDelivery(ctx, "seq_1")
	if err != nil || next == nil || !next.Equal(items[1].ScheduledFor) {
		t.Errorf("next = %v err=%v", next, err)
	}
}

func TestMemoryDueItemsSkipsInactive(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.CreateSequence(ctx, newTestSequence("seq_1"))
	_, _ = m.InsertItems(ctx, testItems("seq_1", 1, 1, time.Date(2024, 5, 1, 7, 30, 0, 0, time.UTC)))

	due, _ := m.DueItems(ctx, time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC), nil, 100)
	if len(due) != 1 || due[0].Recipient != "ada@example.com" {
		t.Fatalf("due = %+v", due)
	}

	_ = m.SetSequenceActive(ctx, "seq_1", false)
	due, _ = m.DueItems(ctx, time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC), nil, 100)
	if len(due) != 0 {
		t.Errorf("inactive sequence yielded %d due items", len(due))
	}
}

func TestMemoryNotFound(t *testing.T) {
	m := NewMemory()
	if _, err := m.GetSequence(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRefreshNextDeliveryKeepsStaleClaimReclaimable(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	seq := newTestSequence("seq_1")
	seq.Status = models.SequenceGenerating
	_ = m.CreateSequence(ctx, seq)
	items := testItems("seq_1", 1, 2, time.Date(2024, 5, 2, 7, 30, 0, 0, time.UTC))
	_, _ = m.InsertItems(ctx, items)

	_, _ = m.MarkDelivered(ctx, items[0].ID, "msg-1", time.Now())
	if _, err := m.RefreshNextDelivery(ctx, "seq_1"); err != nil {
		t.Fatalf("RefreshNextDelivery: %v", err)
	}

	ok, err := m.ClaimSequence(ctx, "seq_1", time.Now().Add(-30*time.Minute))
	if err != nil || !ok {
		t.Fatalf("stale generating sequence not reclaimable after delivery: ok=%v err=%v", ok, err)
	}
}

func TestMemoryDueItemsPagesAfterCursor(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.CreateSequence(ctx, newTestSequence("seq_1"))
	at := time.Date(2024, 5, 1, 7, 30, 0, 0, time.UTC)
	items := testItems("seq_1", 1, 3, at)
	for i := range items {
		items[i].ScheduledFor = at // same instant: ties break on id
	}
	_, _ = m.InsertItems(ctx, items)
	before := at.Add(time.Hour)

	var seen []string
	var after *DueCursor
	for {
		page, err := m.DueItems(ctx, before, after, 2)
		if err != nil {
			t.Fatal(err)
		}
		for _, d := range page {
			seen = append(seen, d.ID)
		}
		if len(page) < 2 {
			break
		}
		last := page[len(page)-1]
		after = &DueCursor{ScheduledFor: last.ScheduledFor, ID: last.ID}
	}
	if len(seen) != 3 || seen[0] >= seen[1] || seen[1] >= seen[2] {
		t.Errorf("paged ids = %v, want 3 ascending", seen)
	}
}
