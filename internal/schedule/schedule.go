// Package schedule holds the time arithmetic for delivery planning. Every
// function takes "now" explicitly so callers can resume from a stored cursor
// and get the same answer.
package schedule

import (
	"time"

	"github.com/shohag/driprelay/internal/models"
)

// NextOccurrence returns the first instant strictly after now at which the
// wall clock in loc reads at.
func NextOccurrence(now time.Time, loc *time.Location, at models.ClockTime) time.Time {
	local := now.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), at.Hour, at.Minute, 0, 0, loc)
	if !start.After(local) {
		start = time.Date(local.Year(), local.Month(), local.Day()+1, at.Hour, at.Minute, 0, 0, loc)
	}
	return start
}

// At returns the i-th delivery instant (0-based) counted from start, stepping
// cadenceDays calendar days in start's location. The wall-clock time is kept
// across DST changes. The result is in UTC.
func At(start time.Time, i, cadenceDays int) time.Time {
	return start.AddDate(0, 0, i*cadenceDays).UTC()
}

// WithinWindow reports whether now, read in loc, is within tolerance of the
// preferred clock time. The window wraps around midnight.
func WithinWindow(now time.Time, loc *time.Location, at models.ClockTime, tolerance time.Duration) bool {
	local := now.In(loc)
	candidates := []time.Time{
		time.Date(local.Year(), local.Month(), local.Day()-1, at.Hour, at.Minute, 0, 0, loc),
		time.Date(local.Year(), local.Month(), local.Day(), at.Hour, at.Minute, 0, 0, loc),
		time.Date(local.Year(), local.Month(), local.Day()+1, at.Hour, at.Minute, 0, 0, loc),
	}
	for _, c := range candidates {
		d := local.Sub(c)
		if d < 0 {
			d = -d
		}
		if d <= tolerance {
			return true
		}
	}
	return false
}

// ClampSendTime bounds a provider send time to [now+minLead, now+maxAhead].
// Elapsed times become "soon" instead of being dropped.
func ClampSendTime(scheduled, now time.Time, minLead, maxAhead time.Duration) time.Time {
	earliest := now.Add(minLead)
	if scheduled.Before(earliest) {
		return earliest.UTC()
	}
	if maxAhead > 0 {
		latest := now.Add(maxAhead)
		if scheduled.After(latest) {
			return latest.UTC()
		}
	}
	return scheduled.UTC()
}
