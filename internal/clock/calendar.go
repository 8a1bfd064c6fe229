// Package clock provides the monotonic clock abstraction and market-hours
// calendar used across the gateway: the instrument registry's trading-day
// boundary, the Greeks engine's time-to-expiry, and the streaming
// orchestrator's mock-mode switch all key off it.
package clock

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Clock abstracts time.Now so tests can inject a fixed instant.
type Clock interface {
	Now() time.Time
}

// Real is the production Clock backed by the system monotonic clock.
type Real struct{}

// Now returns the current wall-clock time.
func (Real) Now() time.Time { return time.Now() }

// Frozen is a test Clock that always returns the same instant.
type Frozen struct{ At time.Time }

// Now returns the frozen instant.
func (f Frozen) Now() time.Time { return f.At }

// Window is one open/close trading window within a day, in the calendar's
// timezone.
type Window struct {
	OpenHour, OpenMinute   int
	CloseHour, CloseMinute int
}

// Calendar defines trading hours and the session-close time for a single
// market, in a configurable timezone.
type Calendar struct {
	Name     string
	Timezone *time.Location
	Windows  []Window
	Holidays map[string]bool // "YYYY-MM-DD" in the calendar's timezone
	clock    Clock
}

// New builds a Calendar for a market given "HH:MM" open/close strings and
// an IANA timezone name.
func New(name, tz, open, close string, clock Clock) (*Calendar, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("clock: invalid timezone %q: %w", tz, err)
	}
	w, err := parseWindow(open, close)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = Real{}
	}
	return &Calendar{
		Name:     name,
		Timezone: loc,
		Windows:  []Window{w},
		Holidays: make(map[string]bool),
		clock:    clock,
	}, nil
}

func parseWindow(open, close string) (Window, error) {
	oh, om, err := parseHHMM(open)
	if err != nil {
		return Window{}, err
	}
	ch, cm, err := parseHHMM(close)
	if err != nil {
		return Window{}, err
	}
	return Window{OpenHour: oh, OpenMinute: om, CloseHour: ch, CloseMinute: cm}, nil
}

func parseHHMM(s string) (int, int, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("clock: invalid HH:MM value %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("clock: invalid hour in %q: %w", s, err)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("clock: invalid minute in %q: %w", s, err)
	}
	return h, m, nil
}

// AddHoliday marks a calendar date (in the calendar's timezone) as a
// holiday.
func (c *Calendar) AddHoliday(t time.Time) {
	t = t.In(c.Timezone)
	c.Holidays[dateKey(t)] = true
}

func dateKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// IsOpen reports whether the market is open at the given instant.
func (c *Calendar) IsOpen(at time.Time) bool {
	now := at.In(c.Timezone)

	if now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
		return false
	}
	if c.Holidays[dateKey(now)] {
		return false
	}

	minutes := now.Hour()*60 + now.Minute()
	for _, w := range c.Windows {
		open := w.OpenHour*60 + w.OpenMinute
		close := w.CloseHour*60 + w.CloseMinute
		if minutes >= open && minutes < close {
			return true
		}
	}
	return false
}

// IsOpenNow reports whether the market is open right now.
func (c *Calendar) IsOpenNow() bool {
	return c.IsOpen(c.clock.Now())
}

// SessionClose returns the session-close instant for the given calendar
// date, used by the Greeks engine to compute time-to-expiry in seconds.
func (c *Calendar) SessionClose(date time.Time) time.Time {
	d := date.In(c.Timezone)
	w := c.Windows[0]
	return time.Date(d.Year(), d.Month(), d.Day(), w.CloseHour, w.CloseMinute, 0, 0, c.Timezone)
}

// TradingDayBoundary returns the most recent trading-day boundary
// (session close of the prior session) at or before `at`, used to decide
// whether the instrument registry needs a scheduled refresh.
func (c *Calendar) TradingDayBoundary(at time.Time) time.Time {
	d := at.In(c.Timezone)
	close := c.SessionClose(d)
	if d.Before(close) {
		close = close.AddDate(0, 0, -1)
	}
	return close
}
