// Package marketcalendar answers "is the futures market open now?" for a
// single fixed instrument class (CME Globex index futures, e.g. MNQ). It is
// a pure function of (now, holiday set, early-close set); it owns no state
// and makes no network calls.
package marketcalendar

import (
	"fmt"
	"time"
)

const (
	maintenanceStartHour = 17
	maintenanceEndHour   = 18
	fridayCloseHour      = 17
	sundayOpenHour       = 18
	earlyCloseHour       = 13
)

// Calendar evaluates the CME-Globex-style futures session rules described
// in the spec: Sun 18:00 ET -> Fri 17:00 ET, minus the Mon-Thu 17:00-18:00
// daily maintenance break, full holidays, and early-close days.
type Calendar struct {
	location *time.Location
}

// New loads the America/New_York timezone from the system tz database (or
// the time/tzdata fallback blank-imported by cmd/server) since DST
// transitions shift both RTH and the futures maintenance window.
func New() (*Calendar, error) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, fmt.Errorf("load America/New_York location: %w", err)
	}
	return &Calendar{location: loc}, nil
}

// Status is the result of IsOpen: whether the session is open and, if not,
// the rule that closed it.
type Status struct {
	Open   bool
	Reason string
}

// IsOpen evaluates the session rules at the given instant.
func (c *Calendar) IsOpen(now time.Time) Status {
	t := now.In(c.location)
	date := truncateToDay(t)

	if isHoliday(date) {
		return Status{Open: false, Reason: "holiday"}
	}

	switch t.Weekday() {
	case time.Saturday:
		return Status{Open: false, Reason: "weekend"}
	case time.Sunday:
		if t.Hour() < sundayOpenHour {
			return Status{Open: false, Reason: "weekend"}
		}
		return Status{Open: true}
	case time.Friday:
		if isEarlyClose(date) && t.Hour() >= earlyCloseHour {
			return Status{Open: false, Reason: "early-close"}
		}
		if t.Hour() >= fridayCloseHour {
			return Status{Open: false, Reason: "weekend"}
		}
		return Status{Open: true}
	default: // Monday-Thursday
		if isEarlyClose(date) && t.Hour() >= earlyCloseHour {
			return Status{Open: false, Reason: "early-close"}
		}
		if t.Hour() >= maintenanceStartHour && t.Hour() < maintenanceEndHour {
			return Status{Open: false, Reason: "maintenance"}
		}
		return Status{Open: true}
	}
}

// TimeUntilOpen walks the next open boundary forward past weekends,
// maintenance windows, and holidays, at one-minute resolution. Returns zero
// duration if the market is already open.
func (c *Calendar) TimeUntilOpen(now time.Time) time.Duration {
	if c.IsOpen(now).Open {
		return 0
	}
	t := now.In(c.location)
	const maxLookahead = 8 * 24 * time.Hour
	step := time.Minute
	for elapsed := step; elapsed <= maxLookahead; elapsed += step {
		candidate := t.Add(elapsed)
		if c.IsOpen(candidate).Open {
			return elapsed
		}
	}
	return maxLookahead
}

func truncateToDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func isHoliday(date time.Time) bool {
	for _, h := range usFuturesHolidays(date.Year()) {
		if sameDate(h, date) {
			return true
		}
	}
	return false
}

func isEarlyClose(date time.Time) bool {
	for _, d := range usFuturesEarlyCloseDays(date.Year()) {
		if sameDate(d, date) {
			return true
		}
	}
	return false
}

func sameDate(a, b time.Time) bool {
	return a.Year() == b.Year() && a.Month() == b.Month() && a.Day() == b.Day()
}
