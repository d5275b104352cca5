// Package market handles exchange-calendar awareness: trading days,
// market hours, and early-close sessions. Adapted from the original
// single-exchange, IST-hardcoded calendar into a parameterized one that
// also tracks early-close days for EOD-flatten scheduling (spec §4.13).
package market

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config carries the exchange's session times and location. Hours/
// minutes are in the exchange's local time; Calendar converts to and
// from that location internally, but everything it returns to callers is
// UTC.
type Config struct {
	Location        *time.Location
	OpenHour        int
	OpenMinute      int
	CloseHour       int
	CloseMinute     int
}

// HolidayEntry represents a single exchange holiday.
type HolidayEntry struct {
	Date   string `json:"date"` // YYYY-MM-DD
	Reason string `json:"reason"`
}

// EarlyCloseEntry represents a day the exchange closes earlier than
// usual (spec §4.13's "early-close calendar days, e.g. 1pm close").
type EarlyCloseEntry struct {
	Date        string `json:"date"`
	CloseHour   int    `json:"close_hour"`
	CloseMinute int    `json:"close_minute"`
	Reason      string `json:"reason"`
}

// Calendar answers trading-day and market-hours questions for one
// exchange.
type Calendar struct {
	cfg         Config
	holidays    map[string]string
	earlyCloses map[string]EarlyCloseEntry
}

// calendarFile is the on-disk shape NewCalendar reads.
type calendarFile struct {
	Holidays    []HolidayEntry    `json:"holidays"`
	EarlyCloses []EarlyCloseEntry `json:"early_closes"`
}

// NewCalendar loads holidays and early-close days from a JSON file.
func NewCalendar(cfg Config, path string) (*Calendar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("market: read calendar file: %w", err)
	}
	var file calendarFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("market: parse calendar file: %w", err)
	}
	return newCalendar(cfg, file.Holidays, file.EarlyCloses), nil
}

// NewCalendarFromData builds a Calendar directly from slices, primarily
// for tests.
func NewCalendarFromData(cfg Config, holidays []HolidayEntry, earlyCloses []EarlyCloseEntry) *Calendar {
	return newCalendar(cfg, holidays, earlyCloses)
}

func newCalendar(cfg Config, holidays []HolidayEntry, earlyCloses []EarlyCloseEntry) *Calendar {
	h := make(map[string]string, len(holidays))
	for _, e := range holidays {
		h[e.Date] = e.Reason
	}
	ec := make(map[string]EarlyCloseEntry, len(earlyCloses))
	for _, e := range earlyCloses {
		ec[e.Date] = e
	}
	return &Calendar{cfg: cfg, holidays: h, earlyCloses: ec}
}

// IsTradingDay reports whether date (any location) is a trading day: a
// weekday, in exchange local time, that is not a holiday.
func (c *Calendar) IsTradingDay(date time.Time) bool {
	d := date.In(c.cfg.Location)
	if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
		return false
	}
	_, isHoliday := c.holidays[d.Format("2006-01-02")]
	return !isHoliday
}

// HolidayReason returns the reason string for a holiday date, or "" if
// date is not a holiday.
func (c *Calendar) HolidayReason(date time.Time) string {
	return c.holidays[date.In(c.cfg.Location).Format("2006-01-02")]
}

// sessionClose returns today's scheduled close time (UTC), accounting
// for an early-close entry if one exists for this date.
func (c *Calendar) sessionClose(date time.Time) time.Time {
	d := date.In(c.cfg.Location)
	key := d.Format("2006-01-02")
	closeHour, closeMinute := c.cfg.CloseHour, c.cfg.CloseMinute
	if ec, ok := c.earlyCloses[key]; ok {
		closeHour, closeMinute = ec.CloseHour, ec.CloseMinute
	}
	return time.Date(d.Year(), d.Month(), d.Day(), closeHour, closeMinute, 0, 0, c.cfg.Location).UTC()
}

// sessionOpen returns today's scheduled open time (UTC).
func (c *Calendar) sessionOpen(date time.Time) time.Time {
	d := date.In(c.cfg.Location)
	return time.Date(d.Year(), d.Month(), d.Day(), c.cfg.OpenHour, c.cfg.OpenMinute, 0, 0, c.cfg.Location).UTC()
}

// IsMarketOpen reports whether the exchange is in its trading session at
// instant now.
func (c *Calendar) IsMarketOpen(now time.Time) bool {
	if !c.IsTradingDay(now) {
		return false
	}
	open, sessionEnd := c.sessionOpen(now), c.sessionClose(now)
	return !now.Before(open) && now.Before(sessionEnd)
}

// SessionClose returns today's scheduled close instant (UTC), honoring
// any early-close entry. Callers should check IsTradingDay first; on a
// non-trading day this still returns a (meaningless) close time for that
// calendar date.
func (c *Calendar) SessionClose(now time.Time) time.Time {
	return c.sessionClose(now)
}

// IsEarlyClose reports whether date has a configured early-close entry.
func (c *Calendar) IsEarlyClose(date time.Time) bool {
	_, ok := c.earlyCloses[date.In(c.cfg.Location).Format("2006-01-02")]
	return ok
}

// NextTradingDay returns the next trading day strictly after date.
func (c *Calendar) NextTradingDay(date time.Time) time.Time {
	candidate := date.In(c.cfg.Location).AddDate(0, 0, 1)
	for i := 0; i < 10; i++ {
		if c.IsTradingDay(candidate) {
			return candidate.UTC()
		}
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate.UTC()
}

// TimeUntilNextSession returns the duration until the next market open,
// or 0 if the market is open right now.
func (c *Calendar) TimeUntilNextSession(now time.Time) time.Duration {
	if c.IsMarketOpen(now) {
		return 0
	}
	candidate := now.In(c.cfg.Location)
	for i := 0; i < 10; i++ {
		if c.IsTradingDay(candidate) {
			open := c.sessionOpen(candidate)
			if now.Before(open) {
				return open.Sub(now)
			}
		}
		candidate = candidate.AddDate(0, 0, 1)
	}
	return 24 * time.Hour
}
