package market

import (
	"testing"
	"time"
)

func testConfig(t *testing.T) Config {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	return Config{Location: loc, OpenHour: 9, OpenMinute: 30, CloseHour: 16, CloseMinute: 0}
}

func TestIsTradingDay_WeekendsAreNotTradingDays(t *testing.T) {
	cfg := testConfig(t)
	cal := NewCalendarFromData(cfg, nil, nil)
	saturday := time.Date(2026, 1, 3, 12, 0, 0, 0, time.UTC)
	if cal.IsTradingDay(saturday) {
		t.Fatalf("expected Saturday to not be a trading day")
	}
}

func TestIsTradingDay_HolidayIsExcluded(t *testing.T) {
	cfg := testConfig(t)
	cal := NewCalendarFromData(cfg, []HolidayEntry{{Date: "2026-01-05", Reason: "Test Holiday"}}, nil)
	monday := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	if cal.IsTradingDay(monday) {
		t.Fatalf("expected configured holiday to not be a trading day")
	}
}

func TestIsMarketOpen_RespectsSessionHours(t *testing.T) {
	cfg := testConfig(t)
	cal := NewCalendarFromData(cfg, nil, nil)
	loc := cfg.Location
	open := time.Date(2026, 1, 5, 10, 0, 0, 0, loc)
	before := time.Date(2026, 1, 5, 9, 0, 0, 0, loc)
	if !cal.IsMarketOpen(open) {
		t.Fatalf("expected market open at 10:00 local")
	}
	if cal.IsMarketOpen(before) {
		t.Fatalf("expected market closed before session open")
	}
}

func TestSessionClose_EarlyCloseOverridesDefault(t *testing.T) {
	cfg := testConfig(t)
	cal := NewCalendarFromData(cfg, nil, []EarlyCloseEntry{
		{Date: "2026-01-05", CloseHour: 13, CloseMinute: 0, Reason: "Half day"},
	})
	day := time.Date(2026, 1, 5, 12, 0, 0, 0, cfg.Location)
	closeTime := cal.SessionClose(day)
	localClose := closeTime.In(cfg.Location)
	if localClose.Hour() != 13 {
		t.Fatalf("expected early close at 13:00 local, got %d:%02d", localClose.Hour(), localClose.Minute())
	}
	if !cal.IsEarlyClose(day) {
		t.Fatalf("expected IsEarlyClose to report true")
	}
}

func TestNextTradingDay_SkipsWeekend(t *testing.T) {
	cfg := testConfig(t)
	cal := NewCalendarFromData(cfg, nil, nil)
	friday := time.Date(2026, 1, 2, 12, 0, 0, 0, cfg.Location)
	next := cal.NextTradingDay(friday)
	if next.Weekday() != time.Monday {
		t.Fatalf("expected next trading day after Friday to be Monday, got %s", next.Weekday())
	}
}
