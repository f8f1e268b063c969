package sequencer

import (
	"time"

	"github.com/austindbirch/outreach/internal/outreach"
)

// DefaultTimezone is used when the configured zone is empty or unknown
const DefaultTimezone = "America/Chicago"

// Location resolves a configured timezone, falling back to DefaultTimezone
func Location(tz string) *time.Location {
	if tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
	}
	loc, err := time.LoadLocation(DefaultTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func weekend(d time.Weekday) bool {
	return d == time.Saturday || d == time.Sunday
}

// InSendWindow reports whether now falls in [StartHour, EndHour) local time
// on an allowed day.
func InSendWindow(now time.Time, w outreach.SendWindow) bool {
	local := now.In(Location(w.Timezone))
	if w.WeekdaysOnly && weekend(local.Weekday()) {
		return false
	}
	h := local.Hour()
	return w.StartHour <= h && h < w.EndHour
}

func atHour(local time.Time, hour int) time.Time {
	return time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, local.Location())
}

// WindowEnd is the end of today's window in the window's timezone
func WindowEnd(now time.Time, w outreach.SendWindow) time.Time {
	return atHour(now.In(Location(w.Timezone)), w.EndHour)
}

// DayStart is local midnight of now's day in the window's timezone
func DayStart(now time.Time, w outreach.SendWindow) time.Time {
	return atHour(now.In(Location(w.Timezone)), 0)
}

// NextWindowStart returns now when the window is open, otherwise the next
// opening. A window that can never open returns the zero time.
func NextWindowStart(now time.Time, w outreach.SendWindow) time.Time {
	if InSendWindow(now, w) {
		return now
	}
	if w.StartHour >= w.EndHour {
		return time.Time{}
	}
	local := now.In(Location(w.Timezone))
	for d := 0; d <= 7; d++ {
		start := atHour(local.AddDate(0, 0, d), w.StartHour)
		if !start.After(local) {
			continue
		}
		if w.WeekdaysOnly && weekend(start.Weekday()) {
			continue
		}
		return start
	}
	return time.Time{}
}
