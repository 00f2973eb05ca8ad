package models

import "time"

// SectionContent is one generated section. Items keep sections in template order.
type SectionContent struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

type Item struct {
	ID                string           `json:"id"`
	SequenceID        string           `json:"sequence_id"`
	Position          int              `json:"position"`
	Subject           string           `json:"subject"`
	Sections          []SectionContent `json:"sections"`
	ScheduledFor      time.Time        `json:"scheduled_for"`
	Delivered         bool             `json:"delivered"`
	DeliveredAt       *time.Time       `json:"delivered_at,omitempty"`
	ProviderMessageID *string          `json:"provider_message_id,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
}

// Section returns the content for name, if present.
func (it *Item) Section(name string) (string, bool) {
	for _, s := range it.Sections {
		if s.Name == name {
			return s.Content, true
		}
	}
	return "", false
}

// DueItem is an undelivered item joined with what the sweeper needs from its sequence.
type DueItem struct {
	Item
	Recipient     string
	Inputs        map[string]string
	Timezone      string
	PreferredTime ClockTime
}
