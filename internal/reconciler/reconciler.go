// Package reconciler implements spec §4.11: comparing the portfolio
// ledger's internal positions against the broker's authoritative view,
// raising HALTED_RECONCILIATION when the mismatch is too large to trust.
package reconciler

import (
	"fmt"

	"github.com/nitinkhare/tradingcore/internal/money"
)

// Mismatch is one symbol's internal-vs-broker quantity delta.
type Mismatch struct {
	Symbol       string
	InternalQty  money.Decimal
	BrokerQty    money.Decimal
	Delta        money.Decimal // |internal - broker| / max(|broker|, 1)
}

// Result is the outcome of one reconciliation pass.
type Result struct {
	Mismatches  []Mismatch
	MaxDelta    money.Decimal
	Critical    bool // MaxDelta >= critical threshold
}

// Reconcile compares internal signed quantities against broker signed
// quantities for the union of symbols in both maps, per spec §4.11's
// delta formula.
func Reconcile(internal map[string]money.Decimal, brokerQty map[string]money.Decimal, criticalThreshold money.Decimal) Result {
	symbols := make(map[string]struct{})
	for s := range internal {
		symbols[s] = struct{}{}
	}
	for s := range brokerQty {
		symbols[s] = struct{}{}
	}

	var res Result
	res.MaxDelta = money.Zero

	for symbol := range symbols {
		in := internal[symbol]
		br := brokerQty[symbol]

		denom := br.Abs()
		if denom.LessThan(money.NewFromInt(1)) {
			denom = money.NewFromInt(1)
		}
		delta := in.Sub(br).Abs().Div(denom)

		res.Mismatches = append(res.Mismatches, Mismatch{Symbol: symbol, InternalQty: in, BrokerQty: br, Delta: delta})
		if delta.GreaterThan(res.MaxDelta) {
			res.MaxDelta = delta
		}
	}

	res.Critical = res.MaxDelta.GreaterThanOrEqual(criticalThreshold)
	return res
}

// Summary renders a human-readable one-line report per mismatching
// symbol, for logging.
func (r Result) Summary() string {
	out := ""
	for _, m := range r.Mismatches {
		if m.Delta.IsZero() {
			continue
		}
		out += fmt.Sprintf("%s: internal=%s broker=%s delta=%s; ", m.Symbol, m.InternalQty, m.BrokerQty, m.Delta)
	}
	return out
}
