package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func weekdayWindow() Window {
	return Window{
		Days:      []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		StartHour: 9,
		EndHour:   17,
		Timezone:  "UTC",
	}
}

func TestSaturdayRollsToMondayMorning(t *testing.T) {
	w := weekdayWindow()

	// Saturday 2026-08-29 10:00 UTC.
	sat := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	require.Equal(t, time.Saturday, sat.Weekday())

	next, ok := w.NextStart(sat)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC), next)
	assert.Equal(t, time.Monday, next.Weekday())
}

func TestContains(t *testing.T) {
	w := weekdayWindow()

	inside := time.Date(2026, 8, 31, 12, 30, 0, 0, time.UTC) // Monday noon
	assert.True(t, w.Contains(inside))

	beforeOpen := time.Date(2026, 8, 31, 8, 59, 0, 0, time.UTC)
	assert.False(t, w.Contains(beforeOpen))

	atOpen := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)
	assert.True(t, w.Contains(atOpen))

	atClose := time.Date(2026, 8, 31, 17, 0, 0, 0, time.UTC)
	assert.False(t, w.Contains(atClose), "window end is exclusive")

	weekend := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC) // Sunday
	assert.False(t, w.Contains(weekend))
}

func TestNextStartInsideWindowIsTomorrow(t *testing.T) {
	w := weekdayWindow()

	// Inside Monday's window: the next opening strictly after now is Tuesday.
	monNoon := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	next, ok := w.NextStart(monNoon)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC), next)
}

func TestNextStartEarlySameDay(t *testing.T) {
	w := weekdayWindow()

	monEarly := time.Date(2026, 8, 31, 6, 0, 0, 0, time.UTC)
	next, ok := w.NextStart(monEarly)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC), next, "same-day opening counts")
}

func TestNextStartNoDaysConfigured(t *testing.T) {
	w := Window{StartHour: 9, EndHour: 17}
	_, ok := w.NextStart(time.Now())
	assert.False(t, ok)
}

func TestTimezoneResolution(t *testing.T) {
	loc, err := Window{Timezone: "America/New_York"}.Location()
	require.NoError(t, err)
	assert.Equal(t, "America/New_York", loc.String())

	loc, err = Window{}.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)

	_, err = Window{Timezone: "Not/AZone"}.Location()
	assert.Error(t, err)
}

func TestFridayEveningRollsOverWeekend(t *testing.T) {
	w := weekdayWindow()

	friEvening := time.Date(2026, 8, 28, 18, 0, 0, 0, time.UTC)
	require.Equal(t, time.Friday, friEvening.Weekday())

	next, ok := w.NextStart(friEvening)
	require.True(t, ok)
	assert.Equal(t, time.Monday, next.Weekday())
	assert.Equal(t, 9, next.Hour())
}
