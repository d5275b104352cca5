package stopctl

import (
	"context"
	"testing"
	"time"

	"github.com/nitinkhare/tradingcore/internal/market"
	"github.com/nitinkhare/tradingcore/internal/money"
)

type fakeCloser struct {
	open       map[string]money.Decimal
	closeAfter int // number of OpenPositions calls after which position disappears
	calls      int
	cancelErr  error
}

func (f *fakeCloser) CancelAllOrders(ctx context.Context) error { return f.cancelErr }

func (f *fakeCloser) SubmitMarketClose(ctx context.Context, symbol string, quantity money.Decimal) error {
	return nil
}

func (f *fakeCloser) OpenPositions() map[string]money.Decimal {
	f.calls++
	if f.calls > f.closeAfter {
		return map[string]money.Decimal{}
	}
	return f.open
}

func TestRequestStop_IsIdempotent(t *testing.T) {
	c := New(Config{})
	c.RequestStop("manual")
	c.RequestStop("second reason ignored")
	ok, reason := c.StopRequested()
	if !ok || reason != "manual" {
		t.Fatalf("expected first reason to stick, got ok=%v reason=%q", ok, reason)
	}
}

func TestGracefulShutdown_SucceedsWhenPositionsGoFlat(t *testing.T) {
	fc := &fakeCloser{open: map[string]money.Decimal{"AAPL": money.MustParse("10")}, closeAfter: 1}
	c := New(Config{PollInterval: 10 * time.Millisecond, PerAttemptTimeout: time.Second, MaxAttempts: 3})
	status := c.GracefulShutdown(context.Background(), fc)
	if status.Outcome != Success {
		t.Fatalf("expected success, got %s (%s)", status.Outcome, status.Reason)
	}
	if !status.PerSymbol["AAPL"] {
		t.Fatalf("expected AAPL marked flat")
	}
}

func TestGracefulShutdown_FailsWhenNeverFlat(t *testing.T) {
	fc := &fakeCloser{open: map[string]money.Decimal{"AAPL": money.MustParse("10")}, closeAfter: 1 << 20}
	c := New(Config{PollInterval: 5 * time.Millisecond, PerAttemptTimeout: 20 * time.Millisecond, MaxAttempts: 2})
	status := c.GracefulShutdown(context.Background(), fc)
	if status.Outcome != Failed {
		t.Fatalf("expected failed outcome, got %s", status.Outcome)
	}
	if status.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", status.Attempts)
	}
}

func TestShouldFlatten_FiresOnceWithinWindow(t *testing.T) {
	loc := time.UTC
	cal := market.NewCalendarFromData(market.Config{Location: loc, OpenHour: 9, OpenMinute: 15, CloseHour: 15, CloseMinute: 30}, nil, nil)
	c := New(Config{})
	cfg := EODFlattenConfig{MinutesBeforeClose: 5}

	before := time.Date(2026, 1, 5, 15, 20, 0, 0, loc)
	if c.ShouldFlatten(cal, cfg, before) {
		t.Fatalf("expected no flatten before the window")
	}

	inWindow := time.Date(2026, 1, 5, 15, 26, 0, 0, loc)
	if !c.ShouldFlatten(cal, cfg, inWindow) {
		t.Fatalf("expected flatten to fire inside the window")
	}
	if c.ShouldFlatten(cal, cfg, inWindow.Add(time.Minute)) {
		t.Fatalf("expected one-shot flag to suppress a second fire the same day")
	}

	c.ResetDailyFlag()
	if !c.ShouldFlatten(cal, cfg, inWindow) {
		t.Fatalf("expected flatten to fire again after daily reset")
	}
}
