// Package schedule implements per-account working-window math. All decisions
// are made in the account's configured timezone.
package schedule

import (
	"fmt"
	"time"
)

// Window is the days/hours during which automated actions may run.
type Window struct {
	Days      []time.Weekday
	StartHour int
	StartMin  int
	EndHour   int
	EndMin    int
	Timezone  string
}

// Location resolves the account timezone, defaulting to UTC.
func (w Window) Location() (*time.Location, error) {
	if w.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(w.Timezone)
	if err != nil {
		return nil, fmt.Errorf("schedule: timezone %q: %w", w.Timezone, err)
	}
	return loc, nil
}

func (w Window) allowsDay(d time.Weekday) bool {
	for _, day := range w.Days {
		if day == d {
			return true
		}
	}
	return false
}

func (w Window) startOn(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), w.StartHour, w.StartMin, 0, 0, day.Location())
}

func (w Window) endOn(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), w.EndHour, w.EndMin, 0, 0, day.Location())
}

// Contains reports whether t (already in the account timezone) falls inside
// the window.
func (w Window) Contains(t time.Time) bool {
	if !w.allowsDay(t.Weekday()) {
		return false
	}
	return !t.Before(w.startOn(t)) && t.Before(w.endOn(t))
}

// NextStart walks forward day-by-day from t and returns the next window
// opening strictly after t. ok is false when no days are configured. If t is
// before today's opening on an allowed day, today's opening is returned.
func (w Window) NextStart(t time.Time) (time.Time, bool) {
	if len(w.Days) == 0 {
		return time.Time{}, false
	}
	for i := 0; i < 8; i++ {
		day := t.AddDate(0, 0, i)
		if !w.allowsDay(day.Weekday()) {
			continue
		}
		start := w.startOn(day)
		if start.After(t) {
			return start, true
		}
	}
	return time.Time{}, false
}
