package session

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nitinkhare/tradingcore/internal/aggregator"
	"github.com/nitinkhare/tradingcore/internal/barfeed"
	"github.com/nitinkhare/tradingcore/internal/broker"
	"github.com/nitinkhare/tradingcore/internal/capital"
	"github.com/nitinkhare/tradingcore/internal/checkpoint"
	"github.com/nitinkhare/tradingcore/internal/edgecheck"
	"github.com/nitinkhare/tradingcore/internal/idempotency"
	"github.com/nitinkhare/tradingcore/internal/money"
	"github.com/nitinkhare/tradingcore/internal/pipeline"
	"github.com/nitinkhare/tradingcore/internal/portfolio"
	"github.com/nitinkhare/tradingcore/internal/qlearn"
	"github.com/nitinkhare/tradingcore/internal/risk"
	"github.com/shopspring/decimal"
)

func dec(s string) money.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func utc(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

func bar(symbol string, ts time.Time, o, h, l, c, v string) barfeed.Bar {
	return barfeed.Bar{Symbol: symbol, Timeframe: time.Minute, Timestamp: ts, Open: dec(o), High: dec(h), Low: dec(l), Close: dec(c), Volume: dec(v)}
}

func newTestCoordinator(t *testing.T, bars []barfeed.Bar) (*Coordinator, *portfolio.Ledger, string) {
	t.Helper()
	dir := t.TempDir()

	ledger := portfolio.New(dec("100000"))
	riskEngine := risk.New(risk.Config{
		MaxPositionPct: dec("1.0"), MaxConcurrentPositions: 5,
		MaxOrdersPerWindow: 1000, OrderWindowSeconds: 60,
		MaxDailyLossPct: dec("1.0"), MaxDrawdownPct: dec("1.0"),
	}, dec("100000"), bars[0].Timestamp)

	agentCfg := qlearn.Config{
		Epsilon: 0, EpsilonMin: 0, EpsilonDecayRate: 1,
		Alpha: 0.5, Gamma: 0.9, MaxStates: 1000,
		LowVolThreshold: 0.01, HighVolThreshold: 0.03,
		ShortMAWindow: 5, LongMAWindow: 20,
		BaseSizeFraction: dec("1.0"), MaxPositionPct: dec("1.0"),
		MinConfidence: dec("-1"),
		BrokerMinimumShares: dec("1"),
	}
	agent := qlearn.New(agentCfg, 1)

	paperBroker := broker.NewPaperBroker(bars, broker.PaperConfig{}, 1)

	agg := aggregator.New(50, nil)
	idem := idempotency.New(time.Hour, "")
	symCfg := pipeline.SymbolConfig{Multiplier: 1, PrimaryTimeframe: time.Minute, MinDeltaQuantity: dec("1"), HistoryLookback: 3}
	pipe := pipeline.New(pipeline.Config{Symbols: map[string]pipeline.SymbolConfig{"AAPL": symCfg}}, agg, edgecheck.Config{ChaseThresholdPct: dec("0.5")}, agent, riskEngine, idem, paperBroker, ledger)

	checkpointMgr := checkpoint.New(dir, 8)
	capitalMgr := capital.New(capital.Config{Mode: capital.Compounding, CheckEveryNBars: 1}, time.Time{})

	coord := New(Config{CheckpointEveryNEvents: 1000}, ledger, riskEngine, agent, paperBroker, pipe, capitalMgr, checkpointMgr, nil, log.New(testWriter{t}, "", 0))
	return coord, ledger, dir
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Logf("%s", p)
	return len(p), nil
}

func TestStartStop_RunsBarsThenStopsGracefully(t *testing.T) {
	start := utc("2026-01-05T09:15:00Z")
	bars := []barfeed.Bar{
		bar("AAPL", start, "100", "101", "99", "100", "1000"),
		bar("AAPL", start.Add(time.Minute), "100", "101", "99", "100", "1000"),
		bar("AAPL", start.Add(2*time.Minute), "100", "101", "99", "100", "1000"),
	}
	coord, _, _ := newTestCoordinator(t, bars)

	ctx := context.Background()
	if err := coord.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if coord.State() != StateRunning {
		t.Fatalf("expected RUNNING after Start, got %s", coord.State())
	}

	status := coord.Stop(ctx, "test teardown")
	if coord.State() != StateStopped {
		t.Fatalf("expected STOPPED after Stop, got %s", coord.State())
	}
	if status.Outcome == "" {
		t.Fatalf("expected a graceful shutdown outcome to be recorded")
	}
}

func TestHandleFill_EnqueuesCheckpoint(t *testing.T) {
	start := utc("2026-01-05T09:15:00Z")
	bars := []barfeed.Bar{
		bar("AAPL", start, "100", "101", "99", "100", "1000"),
	}
	coord, _, dir := newTestCoordinator(t, bars)
	coord.checkpointMgr.Start()
	defer coord.checkpointMgr.Shutdown(context.Background(), time.Second, nil)

	report := barfeed.ExecutionReport{
		ClientOrderID: "x1", Symbol: "AAPL", Side: barfeed.Buy,
		FillPrice: dec("100"), FilledQuantity: dec("1"), Multiplier: 1,
		Timestamp: start,
	}
	// No pending decision is registered for AAPL, exercising the
	// no-learning-update branch of handleFill, which must still enqueue
	// a checkpoint (spec §4.9: "on_fill ... enqueue checkpoint save").
	coord.handleFill(report)

	deadline := time.Now().Add(2 * time.Second)
	var found bool
	for time.Now().Before(deadline) {
		if _, err := os.Stat(filepath.Join(dir, "portfolio.json")); err == nil {
			found = true
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !found {
		t.Fatalf("expected a checkpoint file to be written after a fill")
	}
}

func TestNew_DefaultsReconciliationThresholdAndTimeout(t *testing.T) {
	start := utc("2026-01-05T09:15:00Z")
	bars := []barfeed.Bar{bar("AAPL", start, "100", "101", "99", "100", "1000")}
	coord, _, _ := newTestCoordinator(t, bars)

	want := money.MustParse(DefaultReconciliationThreshold)
	if !coord.reconciliationThreshold.Equal(want) {
		t.Fatalf("reconciliationThreshold = %s, want default %s", coord.reconciliationThreshold, want)
	}
	if coord.initialReconcileTimeout != DefaultInitialReconcileTimeout {
		t.Fatalf("initialReconcileTimeout = %s, want default %s", coord.initialReconcileTimeout, DefaultInitialReconcileTimeout)
	}
}

func TestNew_HonorsConfiguredReconciliationThresholdAndTimeout(t *testing.T) {
	ledger := portfolio.New(dec("100000"))
	riskEngine := risk.New(risk.Config{MaxConcurrentPositions: 1}, dec("100000"), time.Now().UTC())
	agent := qlearn.New(qlearn.Config{MaxStates: 10, BaseSizeFraction: dec("1"), MaxPositionPct: dec("1"), MinConfidence: dec("-1"), BrokerMinimumShares: dec("1")}, 1)
	paperBroker := broker.NewPaperBroker(nil, broker.PaperConfig{}, 1)
	checkpointMgr := checkpoint.New(t.TempDir(), 8)

	cfg := Config{
		CriticalMismatchThreshold: dec("0.25"),
		InitialReconcileTimeout:   5 * time.Second,
	}
	coord := New(cfg, ledger, riskEngine, agent, paperBroker, nil, nil, checkpointMgr, nil, log.New(testWriter{t}, "", 0))

	if !coord.reconciliationThreshold.Equal(dec("0.25")) {
		t.Fatalf("reconciliationThreshold = %s, want 0.25", coord.reconciliationThreshold)
	}
	if coord.initialReconcileTimeout != 5*time.Second {
		t.Fatalf("initialReconcileTimeout = %s, want 5s", coord.initialReconcileTimeout)
	}
}

func TestRequestStop_HaltsFurtherBarProcessing(t *testing.T) {
	start := utc("2026-01-05T09:15:00Z")
	bars := []barfeed.Bar{
		bar("AAPL", start, "100", "101", "99", "100", "1000"),
		bar("AAPL", start.Add(time.Minute), "100", "101", "99", "100", "1000"),
	}
	coord, _, _ := newTestCoordinator(t, bars)
	coord.RequestStop("manual")

	// A bar arriving after a stop request must be a no-op, not an error.
	coord.handleBar("AAPL", bars[0])
	if ok, reason := coord.stopCtl.StopRequested(); !ok || reason != "manual" {
		t.Fatalf("expected stop flag to remain set, got ok=%v reason=%q", ok, reason)
	}
}
