// Package calendar provides trading-day arithmetic for the US equity market.
package calendar

import (
	"fmt"
	"sync"
	"time"
)

// DefaultTimezone is the exchange timezone used when none is configured
const DefaultTimezone = "America/New_York"

// Calendar answers trading-day questions in the exchange's local time
type Calendar struct {
	loc *time.Location

	mu       sync.Mutex
	holidays map[int]map[string]bool // year -> "2006-01-02" -> closed
}

// New creates a calendar for the given IANA timezone
func New(timezone string) (*Calendar, error) {
	if timezone == "" {
		timezone = DefaultTimezone
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %s: %w", timezone, err)
	}
	return &Calendar{
		loc:      loc,
		holidays: make(map[int]map[string]bool),
	}, nil
}

// Location returns the exchange location
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// IsHoliday reports whether the exchange-local date of t is a market holiday
func (c *Calendar) IsHoliday(t time.Time) bool {
	local := t.In(c.loc)
	return c.yearHolidays(local.Year())[local.Format("2006-01-02")]
}

// IsTradingDay reports whether the exchange is open on the local date of t
func (c *Calendar) IsTradingDay(t time.Time) bool {
	local := t.In(c.loc)
	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return false
	}
	return !c.IsHoliday(local)
}

// TradingDay returns the trading date t belongs to, as local midnight.
// Non-trading dates roll back to the previous trading day.
func (c *Calendar) TradingDay(t time.Time) time.Time {
	day := startOfDay(t.In(c.loc))
	for !c.IsTradingDay(day) {
		day = day.AddDate(0, 0, -1)
	}
	return day
}

// NextTradingDay returns local midnight of the first trading day strictly after t's date
func (c *Calendar) NextTradingDay(t time.Time) time.Time {
	day := startOfDay(t.In(c.loc)).AddDate(0, 0, 1)
	for !c.IsTradingDay(day) {
		day = day.AddDate(0, 0, 1)
	}
	return day
}

// NextOpenAfter returns hour:minute local time on the next trading day after t
func (c *Calendar) NextOpenAfter(t time.Time, hour, minute int) time.Time {
	day := c.NextTradingDay(t)
	return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, c.loc)
}

// SameTradingDay reports whether a and b fall on the same exchange-local date
func (c *Calendar) SameTradingDay(a, b time.Time) bool {
	return startOfDay(a.In(c.loc)).Equal(startOfDay(b.In(c.loc)))
}

func (c *Calendar) yearHolidays(year int) map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if set, ok := c.holidays[year]; ok {
		return set
	}
	set := make(map[string]bool, 10)
	for _, h := range USMarketHolidays(year) {
		set[h.Format("2006-01-02")] = true
	}
	c.holidays[year] = set
	return set
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// ParseClock parses "HH:MM" into hour and minute
func ParseClock(s string) (int, int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return t.Hour(), t.Minute(), nil
}
