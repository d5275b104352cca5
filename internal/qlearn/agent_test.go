package qlearn

import (
	"path/filepath"
	"testing"

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

func testConfig() Config {
	return Config{
		Epsilon: 0.1, EpsilonMin: 0.01, EpsilonDecayRate: 0.995,
		Alpha: 0.1, Gamma: 0.9, MaxStates: 1000,
		LowVolThreshold: 0.002, HighVolThreshold: 0.01,
		ShortMAWindow: 5, LongMAWindow: 20,
		BaseSizeFraction: dec("0.1"), MaxPositionPct: dec("0.25"),
		MinConfidence: dec("0.5"), RiskPenalty: 0.001, TransactionCost: 0.0005,
		BrokerMinimumShares: dec("1"),
	}
}

func TestAllowedActions_FlatPosition(t *testing.T) {
	allowed := AllowedActions(money.Zero)
	if len(allowed) != 3 {
		t.Fatalf("expected 3 allowed actions when flat, got %d", len(allowed))
	}
}

func TestAllowedActions_LongPosition(t *testing.T) {
	allowed := AllowedActions(dec("10"))
	found := map[Action]bool{}
	for _, a := range allowed {
		found[a] = true
	}
	if found[Buy] || !found[Sell] {
		t.Fatalf("long position should not allow BUY but should allow SELL, got %v", allowed)
	}
}

func TestSelectAction_DecaysTowardGreedy(t *testing.T) {
	a := New(testConfig(), 42)
	start := a.Epsilon()
	for i := 0; i < 10; i++ {
		a.DecayEpsilon()
	}
	if a.Epsilon() >= start {
		t.Fatalf("expected epsilon to decay, start=%v end=%v", start, a.Epsilon())
	}
}

func TestLearn_UpdatesQValueTowardReward(t *testing.T) {
	a := New(testConfig(), 1)
	s := State{PriceChangeBucket: 4, VolumeRatioBucket: 2, Trend: TrendFlat, Volatility: VolNormal, PositionBucket: 2}
	ns := State{PriceChangeBucket: 5, VolumeRatioBucket: 2, Trend: TrendUp, Volatility: VolNormal, PositionBucket: 3}
	reward := a.Learn(s, Buy, dec("100"), dec("1000"), ns, []Action{Hold, Buy, Sell})
	if reward <= 0 {
		t.Fatalf("expected positive shaped reward for a 100 pnl fill, got %v", reward)
	}
	if got := a.table.Get(s.Key(), Buy); got <= 0 {
		t.Fatalf("expected Q-value to move toward positive reward, got %v", got)
	}
}

func TestPositionSize_CappedByMaxPositionPct(t *testing.T) {
	a := New(testConfig(), 1)
	shares, notional := a.PositionSize(dec("100000"), dec("1.0"), dec("1.0"), dec("50"), 1)
	maxNotional := dec("25000") // 25% of 100000
	if notional.GreaterThan(maxNotional) {
		t.Fatalf("notional %s exceeds cap %s", notional, maxNotional)
	}
	if shares.IsZero() {
		t.Fatalf("expected nonzero share count")
	}
}

func TestPositionSize_BelowBrokerMinimumYieldsZero(t *testing.T) {
	a := New(testConfig(), 1)
	shares, notional := a.PositionSize(dec("100"), dec("0.01"), dec("1.0"), dec("1000"), 1)
	if !shares.IsZero() || !notional.IsZero() {
		t.Fatalf("expected zero size below broker minimum, got shares=%s notional=%s", shares, notional)
	}
}

func TestSaveLoadState_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "qtable.json")

	a := New(testConfig(), 1)
	s := State{PriceChangeBucket: 4, VolumeRatioBucket: 2, Trend: TrendFlat, Volatility: VolNormal, PositionBucket: 2}
	ns := State{PriceChangeBucket: 5, VolumeRatioBucket: 2, Trend: TrendUp, Volatility: VolNormal, PositionBucket: 3}
	a.Learn(s, Buy, dec("50"), dec("500"), ns, []Action{Hold, Buy, Sell})
	a.DecayEpsilon()

	if err := a.SaveState(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	restored := New(testConfig(), 2)
	if err := restored.LoadState(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if restored.Epsilon() != a.Epsilon() {
		t.Fatalf("epsilon mismatch: got %v want %v", restored.Epsilon(), a.Epsilon())
	}
	if restored.table.Get(s.Key(), Buy) != a.table.Get(s.Key(), Buy) {
		t.Fatalf("q-value mismatch after restore")
	}
}

func TestLoadState_MissingFileIsNotAnError(t *testing.T) {
	a := New(testConfig(), 1)
	if err := a.LoadState("/nonexistent/path.json"); err != nil {
		t.Fatalf("missing state file should not error: %v", err)
	}
}
