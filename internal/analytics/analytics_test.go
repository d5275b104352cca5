package analytics

import (
	"testing"
	"time"

	"github.com/nitinkhare/tradingcore/internal/money"
	"github.com/nitinkhare/tradingcore/internal/portfolio"
	"github.com/shopspring/decimal"
)

func dec(s string) money.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func entry(kind string, ts time.Time, pnl, commission string) portfolio.TradeLogEntry {
	return portfolio.TradeLogEntry{Timestamp: ts, Kind: kind, RealizedPnL: dec(pnl), Commission: dec(commission)}
}

func TestAnalyze_EmptyLogReturnsZeroReport(t *testing.T) {
	r := Analyze(nil, 100000)
	if r.TotalFills != 0 {
		t.Fatalf("expected zero fills, got %d", r.TotalFills)
	}
}

func TestAnalyze_ComputesWinRateAndProfitFactor(t *testing.T) {
	start := time.Date(2026, 1, 5, 9, 15, 0, 0, time.UTC)
	log := []portfolio.TradeLogEntry{
		entry("fill", start, "100", "1"),
		entry("fill", start.Add(time.Minute), "-40", "1"),
		entry("fill", start.Add(2*time.Minute), "60", "1"),
		entry("deposit", start.Add(3*time.Minute), "0", "0"),
	}
	r := Analyze(log, 100000)
	if r.TotalFills != 3 {
		t.Fatalf("expected 3 fills counted, got %d", r.TotalFills)
	}
	if r.WinningFills != 2 || r.LosingFills != 1 {
		t.Fatalf("expected 2 winners and 1 loser, got %d/%d", r.WinningFills, r.LosingFills)
	}
	wantPnL := 120.0
	if r.TotalPnL != wantPnL {
		t.Fatalf("expected total pnl %.2f, got %.2f", wantPnL, r.TotalPnL)
	}
	if r.ProfitFactor != 160.0/40.0 {
		t.Fatalf("expected profit factor 4.0, got %.4f", r.ProfitFactor)
	}
}

func TestAnalyze_TracksMaxDrawdown(t *testing.T) {
	start := time.Date(2026, 1, 5, 9, 15, 0, 0, time.UTC)
	log := []portfolio.TradeLogEntry{
		entry("fill", start, "500", "0"),
		entry("fill", start.Add(time.Minute), "-800", "0"),
		entry("fill", start.Add(2*time.Minute), "200", "0"),
	}
	r := Analyze(log, 10000)
	if r.MaxDrawdown != 800 {
		t.Fatalf("expected max drawdown 800, got %.2f", r.MaxDrawdown)
	}
}

func TestFormat_HandlesEmptyReport(t *testing.T) {
	got := Format(&Report{})
	if got != "No closed fills to analyze." {
		t.Fatalf("unexpected empty-report format: %q", got)
	}
}
