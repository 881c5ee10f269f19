package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClock(t *testing.T) {
	cases := map[string]int{
		"08:30":    30600,
		"8:30":     30600,
		"08:30:15": 30615,
		"8:30 AM":  30600,
		"8:30pm":   73800,
		"12:00 AM": 0,
		"30600":    30600,
		" 23:59 ":  86340,
	}
	for in, want := range cases {
		got, err := ParseClock(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestParseClockRejects(t *testing.T) {
	for _, in := range []string{"", "noon", "25:00", "-5", "86400"} {
		_, err := ParseClock(in)
		assert.Error(t, err, in)
	}
}

func TestWeekday(t *testing.T) {
	monday := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, 0, Weekday(monday))
	assert.Equal(t, 6, Weekday(monday.AddDate(0, 0, 6)))

	d, ok := WeekdayFromName("Friday")
	require.True(t, ok)
	assert.Equal(t, 4, d)
	_, ok = WeekdayFromName("someday")
	assert.False(t, ok)
}

func TestFormatClock(t *testing.T) {
	assert.Equal(t, "08:30", FormatClock(30600))
}

func TestNormalizeWeekly(t *testing.T) {
	got, err := NormalizeWeekly(map[string]string{"monday": "8:30 AM", " FRIDAY ": "17:05:59"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"Monday": "08:30", "Friday": "17:05"}, got)

	empty, err := NormalizeWeekly(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = NormalizeWeekly(map[string]string{"Funday": "08:00"})
	assert.ErrorContains(t, err, "Funday")
	_, err = NormalizeWeekly(map[string]string{"Tuesday": "late"})
	assert.ErrorContains(t, err, "Tuesday")
	_, err = NormalizeWeekly(map[string]string{"sunday": "08:00", "Sunday": "09:00"})
	assert.ErrorContains(t, err, "twice")

	assert.Equal(t, "Sunday", WeekdayName(6))
	assert.Equal(t, "", WeekdayName(7))
}
