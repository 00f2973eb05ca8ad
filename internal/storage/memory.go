package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shohag/driprelay/internal/models"
)

// Memory is an in-process Storage used by tests and the dry-run CLI paths.
// It follows the same conflict and conditional-update rules as SQLStore.
type Memory struct {
	mu        sync.Mutex
	sequences map[string]*models.Sequence
	items     map[string][]*models.Item // by sequence id, kept sorted by position
	msgIDs    map[string]string         // provider message id -> item id
}

func NewMemory() *Memory {
	return &Memory{
		sequences: map[string]*models.Sequence{},
		items:     map[string][]*models.Item{},
		msgIDs:    map[string]string{},
	}
}

func (m *Memory) Migrate(context.Context) error { return nil }
func (m *Memory) Close() error                  { return nil }

func cloneSequence(s *models.Sequence) models.Sequence {
	c := *s
	c.Inputs = make(map[string]string, len(s.Inputs))
	for k, v := range s.Inputs {
		c.Inputs[k] = v
	}
	c.Sections = append([]models.Section(nil), s.Sections...)
	if s.LastError != nil {
		e := *s.LastError
		c.LastError = &e
	}
	if s.NextDelivery != nil {
		t := *s.NextDelivery
		c.NextDelivery = &t
	}
	return c
}

func cloneItem(it *models.Item) models.Item {
	c := *it
	c.Sections = append([]models.SectionContent(nil), it.Sections...)
	if it.DeliveredAt != nil {
		t := *it.DeliveredAt
		c.DeliveredAt = &t
	}
	if it.ProviderMessageID != nil {
		id := *it.ProviderMessageID
		c.ProviderMessageID = &id
	}
	return c
}

func (m *Memory) CreateSequence(_ context.Context, seq *models.Sequence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := cloneSequence(seq)
	m.sequences[seq.ID] = &c
	return nil
}

func (m *Memory) GetSequence(_ context.Context, id string) (*models.Sequence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sequences[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := cloneSequence(s)
	return &c, nil
}

func (m *Memory) GetSequenceByDedupeKey(_ context.Context, key string) (*models.Sequence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *models.Sequence
	for _, s := range m.sequences {
		if s.DedupeKey != key || s.Status == models.SequenceFailed {
			continue
		}
		if found == nil || s.CreatedAt.After(found.CreatedAt) {
			found = s
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	c := cloneSequence(found)
	return &c, nil
}

func (m *Memory) ListSequences(_ context.Context, status models.SequenceStatus, limit, offset int) ([]models.Sequence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Sequence
	for _, s := range m.sequences {
		if status == "" || s.Status == status {
			out = append(out, cloneSequence(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, limit, offset), nil
}

func page[T any](all []T, limit, offset int) []T {
	if offset >= len(all) {
		return nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all
}

func (m *Memory) SetSequenceActive(_ context.Context, id string, active bool) error {
	return m.update(id, func(s *models.Sequence) { s.Active = active })
}

func (m *Memory) ClaimSequence(_ context.Context, id string, staleBefore time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sequences[id]
	if !ok {
		return false, nil
	}
	switch {
	case s.Status == models.SequencePending, s.Status == models.SequenceFailed:
	case s.Status == models.SequenceGenerating && s.UpdatedAt.Before(staleBefore):
	default:
		return false, nil
	}
	s.Status = models.SequenceGenerating
	s.LastError = nil
	s.UpdatedAt = now()
	return true, nil
}

func (m *Memory) UpdateProgress(_ context.Context, id string, progress int) error {
	return m.update(id, func(s *models.Sequence) {
		if progress > s.Progress {
			s.Progress = progress
		}
	})
}

func (m *Memory) FailSequence(_ context.Context, id, message string) error {
	return m.update(id, func(s *models.Sequence) {
		s.Status = models.SequenceFailed
		s.LastError = &message
	})
}

func (m *Memory) CompleteSequence(_ context.Context, id string, nextDelivery *time.Time) error {
	return m.update(id, func(s *models.Sequence) {
		s.Status = models.SequenceCompleted
		s.Progress = 100
		s.LastError = nil
		s.NextDelivery = utcPtr(nextDelivery)
	})
}

func (m *Memory) update(id string, fn func(*models.Sequence)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sequences[id]
	if !ok {
		return ErrNotFound
	}
	fn(s)
	s.UpdatedAt = now()
	return nil
}

func (m *Memory) InsertItems(_ context.Context, items []models.Item) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inserted := 0
	for i := range items {
		it := items[i]
		if _, ok := m.sequences[it.SequenceID]; !ok {
			return inserted, ErrNotFound
		}
		if m.hasPosition(it.SequenceID, it.Position) {
			continue
		}
		c := cloneItem(&it)
		c.ScheduledFor = c.ScheduledFor.UTC()
		m.items[it.SequenceID] = append(m.items[it.SequenceID], &c)
		inserted++
	}
	for seqID := range m.items {
		list := m.items[seqID]
		sort.Slice(list, func(i, j int) bool { return list[i].Position < list[j].Position })
	}
	return inserted, nil
}

func (m *Memory) hasPosition(seqID string, pos int) bool {
	for _, it := range m.items[seqID] {
		if it.Position == pos {
			return true
		}
	}
	return false
}

func (m *Memory) CountItems(_ context.Context, sequenceID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items[sequenceID]), nil
}

func (m *Memory) LastItem(_ context.Context, sequenceID string) (*models.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.items[sequenceID]
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	c := cloneItem(list[len(list)-1])
	return &c, nil
}

func (m *Memory) ListItems(_ context.Context, sequenceID string) ([]models.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Item, 0, len(m.items[sequenceID]))
	for _, it := range m.items[sequenceID] {
		out = append(out, cloneItem(it))
	}
	return out, nil
}

func (m *Memory) PendingItems(_ context.Context, sequenceID string, before time.Time) ([]models.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Item
	for _, it := range m.items[sequenceID] {
		if !it.Delivered && !it.ScheduledFor.After(before) {
			out = append(out, cloneItem(it))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	return out, nil
}

func (m *Memory) DueItems(_ context.Context, before time.Time, after *DueCursor, limit int) ([]models.DueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.DueItem
	for seqID, list := range m.items {
		seq := m.sequences[seqID]
		if seq == nil || !seq.Active {
			continue
		}
		for _, it := range list {
			if it.Delivered || it.ScheduledFor.After(before) {
				continue
			}
			if after != nil && !dueAfter(it, after) {
				continue
			}
			s := cloneSequence(seq)
			out = append(out, models.DueItem{
				Item:          cloneItem(it),
				Recipient:     s.Recipient,
				Inputs:        s.Inputs,
				Timezone:      s.Timezone,
				PreferredTime: s.PreferredTime,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledFor.Equal(out[j].ScheduledFor) {
			return out[i].ScheduledFor.Before(out[j].ScheduledFor)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, limit, 0), nil
}

func dueAfter(it *models.Item, c *DueCursor) bool {
	if it.ScheduledFor.Equal(c.ScheduledFor) {
		return it.ID > c.ID
	}
	return it.ScheduledFor.After(c.ScheduledFor)
}

func (m *Memory) SequencesDueWithin(_ context.Context, horizon time.Time, limit int) ([]models.Sequence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Sequence
	for _, s := range m.sequences {
		if s.Active && s.NextDelivery != nil && !s.NextDelivery.After(horizon) {
			out = append(out, cloneSequence(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextDelivery.Before(*out[j].NextDelivery) })
	return page(out, limit, 0), nil
}

func (m *Memory) MarkDelivered(_ context.Context, itemID, providerMessageID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, list := range m.items {
		for _, it := range list {
			if it.ID != itemID {
				continue
			}
			if it.Delivered {
				return false, nil
			}
			if providerMessageID != "" {
				if owner, taken := m.msgIDs[providerMessageID]; taken && owner != itemID {
					return false, nil
				}
				m.msgIDs[providerMessageID] = itemID
				id := providerMessageID
				it.ProviderMessageID = &id
			}
			t := at.UTC()
			it.Delivered = true
			it.DeliveredAt = &t
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) RefreshNextDelivery(_ context.Context, sequenceID string) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seq, ok := m.sequences[sequenceID]
	if !ok {
		return nil, ErrNotFound
	}
	var next *time.Time
	for _, it := range m.items[sequenceID] {
		if it.Delivered {
			continue
		}
		if next == nil || it.ScheduledFor.Before(*next) {
			t := it.ScheduledFor
			next = &t
		}
	}
	seq.NextDelivery = next
	return utcPtr(next), nil
}

func (m *Memory) GetStats(context.Context) (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &Stats{ByStatus: map[models.SequenceStatus]int64{}}
	for _, s := range m.sequences {
		stats.ByStatus[s.Status]++
		stats.TotalSequences++
	}
	for _, list := range m.items {
		for _, it := range list {
			stats.TotalItems++
			if it.Delivered {
				stats.DeliveredItems++
			}
		}
	}
	stats.PendingItems = stats.TotalItems - stats.DeliveredItems
	if stats.TotalItems > 0 {
		stats.DeliveryRate = float64(stats.DeliveredItems) / float64(stats.TotalItems) * 100
	}
	return stats, nil
}

var (
	_ Storage = (*Memory)(nil)
	_ Storage = (*SQLStore)(nil)
)
