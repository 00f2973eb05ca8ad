package generation

import (
	"fmt"
	"sort"
	"strings"
)

// Tracker counts how often each subject or topic label has come up during
// one run. It is owned by a single run and never shared.
type Tracker struct {
	counts map[string]int
	order  map[string]int
	depth  int
}

func NewTracker(depth int) *Tracker {
	if depth < 1 {
		depth = 1
	}
	return &Tracker{counts: map[string]int{}, order: map[string]int{}, depth: depth}
}

func (t *Tracker) Record(label string) {
	label = strings.TrimSpace(label)
	if label == "" {
		return
	}
	key := strings.ToLower(label)
	if _, seen := t.order[key]; !seen {
		t.order[key] = len(t.order)
	}
	t.counts[key]++
}

// Hint lists up to depth covered topics, most repeated first, and words the
// instruction more firmly as repetition grows.
func (t *Tracker) Hint() string {
	if len(t.counts) == 0 {
		return ""
	}
	keys := make([]string, 0, len(t.counts))
	for k := range t.counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ci, cj := t.counts[keys[i]], t.counts[keys[j]]
		if ci != cj {
			return ci > cj
		}
		// newer topics first so the freshest context survives truncation
		return t.order[keys[i]] > t.order[keys[j]]
	})
	if len(keys) > t.depth {
		keys = keys[:t.depth]
	}

	maxRepeat := t.counts[keys[0]]
	var lead string
	switch {
	case maxRepeat >= 3:
		lead = "These topics are heavily overused. Each new item MUST cover a subtopic not listed here:"
	case maxRepeat == 2:
		lead = "These topics have already been repeated. Do not cover them again:"
	default:
		lead = "Earlier items already covered these topics. Prefer fresh angles:"
	}

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s (x%d)", k, t.counts[k])
	}
	return lead + " " + strings.Join(parts, "; ")
}
