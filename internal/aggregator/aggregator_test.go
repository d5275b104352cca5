package aggregator

import (
	"testing"
	"time"

	"github.com/nitinkhare/tradingcore/internal/barfeed"
	"github.com/nitinkhare/tradingcore/internal/money"
	"github.com/shopspring/decimal"
)

func dec(s string) money.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func bar(symbol string, ts time.Time, o, h, l, c, v string) barfeed.Bar {
	return barfeed.Bar{
		Symbol: symbol, Timeframe: time.Minute, Timestamp: ts,
		Open: dec(o), High: dec(h), Low: dec(l), Close: dec(c), Volume: dec(v),
	}
}

func TestIngest_RejectsNonMonotonicBars(t *testing.T) {
	a := New(100, nil)
	t0 := time.Date(2026, 1, 5, 14, 30, 0, 0, time.UTC)
	if err := a.Ingest(bar("AAPL", t0, "100", "101", "99", "100.5", "1000")); err != nil {
		t.Fatal(err)
	}
	if err := a.Ingest(bar("AAPL", t0, "100", "101", "99", "100.5", "1000")); err == nil {
		t.Fatalf("expected rejection of duplicate/non-monotonic timestamp")
	}
	if err := a.Ingest(bar("AAPL", t0.Add(-time.Minute), "100", "101", "99", "100.5", "1000")); err == nil {
		t.Fatalf("expected rejection of out-of-order timestamp")
	}
}

func TestGetBars_RespectsRetentionAndLookback(t *testing.T) {
	a := New(3, nil)
	t0 := time.Date(2026, 1, 5, 14, 30, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		ts := t0.Add(time.Duration(i) * time.Minute)
		if err := a.Ingest(bar("AAPL", ts, "100", "101", "99", "100.5", "1000")); err != nil {
			t.Fatal(err)
		}
	}
	bars := a.GetBars("AAPL", time.Minute, 10)
	if len(bars) != 3 {
		t.Fatalf("expected retention-bounded length 3, got %d", len(bars))
	}
	if !bars[len(bars)-1].Timestamp.Equal(t0.Add(4 * time.Minute)) {
		t.Fatalf("expected most recent bar last, got %s", bars[len(bars)-1].Timestamp)
	}
}

func TestIngest_RollsUpToCoarserTimeframe(t *testing.T) {
	rollups := map[time.Duration][]time.Duration{
		time.Minute: {5 * time.Minute},
	}
	a := New(100, rollups)
	t0 := time.Date(2026, 1, 5, 14, 30, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		ts := t0.Add(time.Duration(i) * time.Minute)
		if err := a.Ingest(bar("AAPL", ts, "100", "101", "99", "100.5", "1000")); err != nil {
			t.Fatal(err)
		}
	}
	// Trigger emission of the first 5m window by crossing into the next one.
	if err := a.Ingest(bar("AAPL", t0.Add(5*time.Minute), "100", "101", "99", "100.5", "1000")); err != nil {
		t.Fatal(err)
	}
	rolled := a.GetBars("AAPL", 5*time.Minute, 10)
	if len(rolled) != 1 {
		t.Fatalf("expected one rolled 5m bar emitted, got %d", len(rolled))
	}
	if !rolled[0].Volume.Equal(dec("5000")) {
		t.Fatalf("rolled volume = %s, want 5000 (sum of five 1000-volume bars)", rolled[0].Volume)
	}
}

func TestLastTimestamp_ReportsMostRecentIngest(t *testing.T) {
	a := New(10, nil)
	t0 := time.Date(2026, 1, 5, 14, 30, 0, 0, time.UTC)
	if _, ok := a.LastTimestamp("AAPL", time.Minute); ok {
		t.Fatalf("expected no timestamp before any ingest")
	}
	if err := a.Ingest(bar("AAPL", t0, "100", "101", "99", "100.5", "1000")); err != nil {
		t.Fatal(err)
	}
	ts, ok := a.LastTimestamp("AAPL", time.Minute)
	if !ok || !ts.Equal(t0) {
		t.Fatalf("expected last timestamp %s, got %s (ok=%v)", t0, ts, ok)
	}
}
