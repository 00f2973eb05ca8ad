package generation

import (
	"strings"
	"testing"
)

func TestTrackerHintEmpty(t *testing.T) {
	if h := NewTracker(3).Hint(); h != "" {
		t.Errorf("Hint = %q, want empty", h)
	}
}

func TestTrackerHintEscalates(t *testing.T) {
	tr := NewTracker(5)
	tr.Record("Starter care")
	if h := tr.Hint(); !strings.HasPrefix(h, "Earlier items") {
		t.Errorf("single use hint = %q", h)
	}

	tr.Record("starter care ")
	if h := tr.Hint(); !strings.HasPrefix(h, "These topics have already been repeated") {
		t.Errorf("repeat hint = %q", h)
	}

	tr.Record("STARTER CARE")
	h := tr.Hint()
	if !strings.Contains(h, "MUST") || !strings.Contains(h, "starter care (x3)") {
		t.Errorf("overuse hint = %q", h)
	}
	if tr.counts["starter care"] != 3 || len(tr.counts) != 1 {
		t.Errorf("counts = %v", tr.counts)
	}
}

func TestTrackerHintHonorsDepth(t *testing.T) {
	tr := NewTracker(2)
	for _, l := range []string{"flour", "water", "salt", "salt"} {
		tr.Record(l)
	}
	h := tr.Hint()
	if !strings.Contains(h, "salt (x2)") || !strings.Contains(h, "water (x1)") {
		t.Errorf("hint = %q", h)
	}
	if strings.Contains(h, "flour") {
		t.Errorf("hint exceeds depth: %q", h)
	}
}

func TestTrackerIgnoresBlank(t *testing.T) {
	tr := NewTracker(2)
	tr.Record("  ")
	if len(tr.counts) != 0 {
		t.Errorf("blank label recorded")
	}
}
