// Package barfeed defines the immutable market-data and order-intent value
// types shared by every component downstream of the broker: Bar, Order,
// ExecutionReport, and Position.
//
// Design rules (from spec):
//   - Bars, orders, and fills are immutable once constructed.
//   - No float64 in any price/quantity field — shopspring/decimal only.
//   - Timestamps are always UTC-aware; naive timestamps are rejected.
package barfeed

import (
	"fmt"
	"time"

	"github.com/nitinkhare/tradingcore/internal/money"
)

// Bar is one OHLCV summary over a fixed interval for one symbol.
type Bar struct {
	Symbol    string
	Timeframe time.Duration
	Timestamp time.Time
	Open      money.Decimal
	High      money.Decimal
	Low       money.Decimal
	Close     money.Decimal
	Volume    money.Decimal
}

// Validate checks the invariants from spec §3: low <= open,close <= high,
// volume >= 0, and a UTC-aware timestamp. Monotonicity per (symbol,
// timeframe) is enforced by the aggregator, which sees the whole sequence;
// a single bar cannot check it in isolation.
func (b Bar) Validate() error {
	if b.Symbol == "" {
		return fmt.Errorf("barfeed: bar has empty symbol")
	}
	if err := money.RequireUTC(b.Timestamp); err != nil {
		return fmt.Errorf("barfeed: bar %s: %w", b.Symbol, err)
	}
	if b.Low.GreaterThan(b.Open) || b.Open.GreaterThan(b.High) {
		return fmt.Errorf("barfeed: bar %s: open %s not within [low %s, high %s]", b.Symbol, b.Open, b.Low, b.High)
	}
	if b.Low.GreaterThan(b.Close) || b.Close.GreaterThan(b.High) {
		return fmt.Errorf("barfeed: bar %s: close %s not within [low %s, high %s]", b.Symbol, b.Close, b.Low, b.High)
	}
	if b.Volume.IsNegative() {
		return fmt.Errorf("barfeed: bar %s: negative volume %s", b.Symbol, b.Volume)
	}
	return nil
}
