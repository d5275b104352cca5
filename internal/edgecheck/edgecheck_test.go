package edgecheck

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

func bar(ts time.Time, o, h, l, c, v string) barfeed.Bar {
	return barfeed.Bar{
		Symbol: "AAPL", Timeframe: time.Minute, Timestamp: ts,
		Open: dec(o), High: dec(h), Low: dec(l), Close: dec(c), Volume: dec(v),
	}
}

func baseConfig() Config {
	return Config{
		StaleThreshold:       5 * time.Minute,
		ChaseThresholdPct:    dec("0.05"),
		LowLiquidityFraction: dec("0.3"),
		CircuitBreakerStreak: 3,
	}
}

func TestEvaluate_NoBarsIsBlocked(t *testing.T) {
	res := Evaluate(baseConfig(), nil, time.Now().UTC())
	if res.Severity != Blocked {
		t.Fatalf("expected BLOCKED with no bars, got %s", res.Severity)
	}
}

func TestEvaluate_StaleDataBlocks(t *testing.T) {
	now := time.Date(2026, 1, 5, 15, 0, 0, 0, time.UTC)
	bars := []barfeed.Bar{bar(now.Add(-10*time.Minute), "100", "101", "99", "100", "1000")}
	res := Evaluate(baseConfig(), bars, now)
	if !res.StaleData || res.Severity != Blocked {
		t.Fatalf("expected stale data to block, got %+v", res)
	}
}

func TestEvaluate_ExtremeMoveIsHighRisk(t *testing.T) {
	now := time.Date(2026, 1, 5, 15, 0, 0, 0, time.UTC)
	bars := []barfeed.Bar{
		bar(now.Add(-time.Minute), "100", "100", "100", "100", "1000"),
		bar(now, "100", "112", "100", "112", "1000"),
	}
	res := Evaluate(baseConfig(), bars, now)
	if !res.ExtremeMove || res.Severity != HighRisk {
		t.Fatalf("expected extreme move -> HIGH_RISK, got %+v", res)
	}
}

func TestEvaluate_LowLiquidityIsCaution(t *testing.T) {
	now := time.Date(2026, 1, 5, 15, 0, 0, 0, time.UTC)
	bars := []barfeed.Bar{
		bar(now.Add(-3*time.Minute), "100", "101", "99", "100", "1000"),
		bar(now.Add(-2*time.Minute), "100", "101", "99", "100", "1000"),
		bar(now.Add(-time.Minute), "100", "101", "99", "100", "1000"),
		bar(now, "100", "101", "99", "100", "100"),
	}
	res := Evaluate(baseConfig(), bars, now)
	if !res.LowLiquidity || res.Severity != Caution {
		t.Fatalf("expected thin volume -> CAUTION, got %+v", res)
	}
}

func TestEvaluate_HealthyBarsAreSafe(t *testing.T) {
	now := time.Date(2026, 1, 5, 15, 0, 0, 0, time.UTC)
	bars := []barfeed.Bar{
		bar(now.Add(-2*time.Minute), "100", "101", "99", "100.2", "1000"),
		bar(now.Add(-time.Minute), "100.2", "101", "99.5", "100.5", "1000"),
		bar(now, "100.5", "101.2", "99.8", "100.8", "1050"),
	}
	res := Evaluate(baseConfig(), bars, now)
	if res.Severity != Safe {
		t.Fatalf("expected SAFE, got %+v", res)
	}
	if !res.Severity.Scale().Equal(dec("1.0")) {
		t.Fatalf("SAFE scale should be 1.0")
	}
}

func TestSeverityScale(t *testing.T) {
	if !HighRisk.Scale().Equal(dec("0.5")) {
		t.Fatalf("HIGH_RISK scale should be 0.5")
	}
	if !Caution.Scale().Equal(dec("0.8")) {
		t.Fatalf("CAUTION scale should be 0.8")
	}
}

func TestDetectCandlestick_BullishEngulfing(t *testing.T) {
	now := time.Date(2026, 1, 5, 15, 0, 0, 0, time.UTC)
	bars := []barfeed.Bar{
		bar(now.Add(-time.Minute), "105", "106", "99", "100", "1000"),
		bar(now, "99", "107", "98", "106", "1200"),
	}
	if got := DetectCandlestick(bars); got != BullishEngulfing {
		t.Fatalf("expected BULLISH_ENGULFING, got %s", got)
	}
}
