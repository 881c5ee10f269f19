// Package schedule converts the clock strings and weekday names clients send
// into the integer encoding rides are stored with.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const secondsPerDay = 24 * 60 * 60

var clockLayouts = []string{"15:04", "15:04:05", "3:04 PM", "3:04PM", "03:04 PM", "03:04PM"}

// ParseClock returns the number of seconds since midnight for values such as
// "08:30", "8:30:15", "8:30 AM", "8:30pm" or a bare integer second count.
func ParseClock(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty time")
	}
	upper := strings.ToUpper(s)
	for _, layout := range clockLayouts {
		t, err := time.Parse(layout, upper)
		if err == nil {
			return t.Hour()*3600 + t.Minute()*60 + t.Second(), nil
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n >= secondsPerDay {
		return 0, fmt.Errorf("unrecognized time format %q", s)
	}
	return n, nil
}

// FormatClock renders seconds since midnight as HH:MM.
func FormatClock(sec int) string {
	return fmt.Sprintf("%02d:%02d", sec/3600, (sec%3600)/60)
}

// Weekday maps t to 0=Monday .. 6=Sunday.
func Weekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

var dayNames = [7]string{"Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday"}

// WeekdayFromName accepts full English day names in any case.
func WeekdayFromName(name string) (int, bool) {
	name = strings.TrimSpace(name)
	for d, n := range dayNames {
		if strings.EqualFold(n, name) {
			return d, true
		}
	}
	return 0, false
}

// WeekdayName is the capitalised English name of d, or "" when d is out of
// range.
func WeekdayName(d int) string {
	if !ValidWeekday(d) {
		return ""
	}
	return dayNames[d]
}

// NormalizeWeekly checks a day name to clock map and returns it keyed by
// WeekdayName with every time rendered by FormatClock.
func NormalizeWeekly(in map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(in))
	for day, clock := range in {
		d, ok := WeekdayFromName(day)
		if !ok {
			return nil, fmt.Errorf("unknown day %q", day)
		}
		sec, err := ParseClock(clock)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", dayNames[d], err)
		}
		name := dayNames[d]
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("%s listed twice", name)
		}
		out[name] = FormatClock(sec)
	}
	return out, nil
}

// ValidWeekday reports whether d is in 0..6.
func ValidWeekday(d int) bool { return d >= 0 && d <= 6 }
