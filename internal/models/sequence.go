package models

import (
	"fmt"
	"strings"
	"time"
)

type SequenceStatus string

const (
	SequencePending    SequenceStatus = "pending"
	SequenceGenerating SequenceStatus = "generating"
	SequenceCompleted  SequenceStatus = "completed"
	SequenceFailed     SequenceStatus = "failed"
)

// Section describes one named part of every generated item.
type Section struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	WordCount   int    `json:"word_count"`
}

type Sequence struct {
	ID            string            `json:"id"`
	FormID        string            `json:"form_id,omitempty"`
	DedupeKey     string            `json:"-"`
	Topic         string            `json:"topic"`
	Inputs        map[string]string `json:"inputs"`
	TargetCount   int               `json:"target_count"`
	CadenceDays   int               `json:"cadence_days"`
	TopicDepth    int               `json:"topic_depth"`
	Sections      []Section         `json:"sections"`
	Recipient     string            `json:"recipient"`
	PreferredTime ClockTime         `json:"preferred_time"`
	Timezone      string            `json:"timezone"`
	Progress      int               `json:"progress"`
	Status        SequenceStatus    `json:"status"`
	LastError     *string           `json:"last_error,omitempty"`
	NextDelivery  *time.Time        `json:"next_delivery,omitempty"`
	Active        bool              `json:"active"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Location resolves the subscriber's IANA timezone.
func (s *Sequence) Location() (*time.Location, error) {
	tz := strings.TrimSpace(s.Timezone)
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("sequence %s: timezone %q: %w", s.ID, tz, err)
	}
	return loc, nil
}

// ClockTime is a wall-clock hour and minute without a date.
type ClockTime struct {
	Hour   int
	Minute int
}

// ParseClockTime accepts "HH:MM" and "HH:MM:SS"; seconds are dropped.
func ParseClockTime(raw string) (ClockTime, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return ClockTime{Hour: t.Hour(), Minute: t.Minute()}, nil
		}
	}
	return ClockTime{}, fmt.Errorf("invalid clock time %q, want HH:MM", raw)
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

func (c ClockTime) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *ClockTime) UnmarshalText(b []byte) error {
	parsed, err := ParseClockTime(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
