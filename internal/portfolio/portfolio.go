// Package portfolio implements the cash, position, and realized-P&L ledger
// described in spec §4.1. It is the single source of truth for account
// state; every mutation passes through the ledger's mutex so that broker
// fills (arriving on a broker thread) and reads (from the decision thread)
// never race.
package portfolio

import (
	"fmt"
	"sync"
	"time"

	"github.com/nitinkhare/tradingcore/internal/barfeed"
	"github.com/nitinkhare/tradingcore/internal/money"
)

// TradeLogEntry is one append-only audit record of a ledger mutation.
type TradeLogEntry struct {
	Timestamp   time.Time
	Kind        string // "fill", "deposit", "withdraw"
	Symbol      string
	Quantity    money.Decimal
	Price       money.Decimal
	RealizedPnL money.Decimal
	Commission  money.Decimal
	CashAfter   money.Decimal
	Reason      string
}

// Ledger owns cash, the position map, and cumulative P&L. All public
// methods are safe for concurrent use. Reads return deep copies.
type Ledger struct {
	mu sync.Mutex

	initialCash               money.Decimal
	cash                      money.Decimal
	positions                 map[string]barfeed.Position
	realizedPnLCumulative     money.Decimal
	commissionsPaidCumulative money.Decimal
	tradeLog                  []TradeLogEntry
}

// New creates a Ledger seeded with initialCash.
func New(initialCash money.Decimal) *Ledger {
	return &Ledger{
		initialCash: initialCash,
		cash:        initialCash,
		positions:   make(map[string]barfeed.Position),
	}
}

// OverfillError is fatal per spec §7: cumulative filled quantity across
// reports for an order must never exceed the order's original quantity.
// The ledger itself only sees one report at a time and cannot detect
// cross-report overfill. No code in this module constructs
// OverfillError: the session coordinator does not track per-order
// cumulative fills and passes every report to ApplyFill unchecked.
type OverfillError struct {
	ClientOrderID string
	Requested     money.Decimal
	Remaining     money.Decimal
}

func (e *OverfillError) Error() string {
	return fmt.Sprintf("portfolio: overfill on order %s: requested %s, remaining %s", e.ClientOrderID, e.Requested, e.Remaining)
}

// ApplyFill runs the four-case fill algorithm from spec §4.1 step 3 and
// updates cash, the position map, and cumulative realized P&L/commissions.
// It never leaves the ledger in a partially updated state: all fields
// mutate together under the single lock, or not at all (validation errors
// return before any mutation).
func (l *Ledger) ApplyFill(r barfeed.ExecutionReport) error {
	if err := r.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	dq := r.SignedQuantity()
	p := r.FillPrice
	m := money.NewFromInt(int64(r.Multiplier))

	// Step 1: cash delta.
	cashDelta := dq.Mul(p).Mul(m).Neg().Sub(r.Commission)
	newCash := l.cash.Add(cashDelta)

	pos, had := l.positions[r.Symbol]
	q0 := money.Zero
	c0 := money.Zero
	if had {
		q0 = pos.Quantity
		c0 = pos.AverageCost
	}

	var realized money.Decimal
	var newPos barfeed.Position
	deleted := false

	switch {
	case q0.IsZero():
		// (a) Open from flat.
		newPos = barfeed.Position{
			Symbol:         r.Symbol,
			Quantity:       dq,
			AverageCost:    p,
			Multiplier:     r.Multiplier,
			EntryTimestamp: r.Timestamp,
		}

	case sign(q0) != sign(q0.Add(dq)) && !q0.Add(dq).IsZero():
		// (b) Reversal — checked before magnitude increase so a reversal
		// that also increases magnitude is never misclassified (spec §4.1).
		// Realize P&L on the closed leg using c0, the PRIOR cost basis —
		// never the new fill price.
		realized = p.Sub(c0).Mul(decimalSign(q0)).Mul(q0.Abs()).Mul(m)
		newPos = barfeed.Position{
			Symbol:         r.Symbol,
			Quantity:       q0.Add(dq),
			AverageCost:    p,
			Multiplier:     r.Multiplier,
			EntryTimestamp: r.Timestamp,
		}

	case sign(dq) != sign(q0) && q0.Add(dq).Abs().LessThan(q0.Abs()):
		// (c) Reduction toward flat.
		closedQty := minDecimal(dq.Abs(), q0.Abs())
		realized = p.Sub(c0).Mul(decimalSign(q0)).Mul(closedQty).Mul(m)
		remaining := q0.Add(dq)
		if remaining.IsZero() {
			deleted = true
		} else {
			newPos = barfeed.Position{
				Symbol:         r.Symbol,
				Quantity:       remaining,
				AverageCost:    c0,
				Multiplier:     r.Multiplier,
				EntryTimestamp: pos.EntryTimestamp,
			}
		}

	default:
		// (d) Increase — weighted average cost.
		totalQty := q0.Abs().Add(dq.Abs())
		weightedCost := q0.Abs().Mul(c0).Add(dq.Abs().Mul(p)).Div(totalQty)
		newPos = barfeed.Position{
			Symbol:         r.Symbol,
			Quantity:       q0.Add(dq),
			AverageCost:    weightedCost,
			Multiplier:     r.Multiplier,
			EntryTimestamp: pos.EntryTimestamp,
		}
	}

	if deleted {
		delete(l.positions, r.Symbol)
	} else {
		l.positions[r.Symbol] = newPos
	}

	l.cash = newCash
	l.realizedPnLCumulative = l.realizedPnLCumulative.Add(realized)
	l.commissionsPaidCumulative = l.commissionsPaidCumulative.Add(r.Commission)

	l.tradeLog = append(l.tradeLog, TradeLogEntry{
		Timestamp:   r.Timestamp,
		Kind:        "fill",
		Symbol:      r.Symbol,
		Quantity:    dq,
		Price:       p,
		RealizedPnL: realized,
		Commission:  r.Commission,
		CashAfter:   l.cash,
	})

	return nil
}

// WithdrawCash removes amount from cash for reason, failing if amount
// exceeds cash or would drop cash below zero.
func (l *Ledger) WithdrawCash(amount money.Decimal, reason string, at time.Time) error {
	if !amount.IsPositive() {
		return fmt.Errorf("portfolio: withdraw amount must be positive, got %s", amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if amount.GreaterThan(l.cash) {
		return fmt.Errorf("portfolio: withdraw %s exceeds available cash %s", amount, l.cash)
	}
	l.cash = l.cash.Sub(amount)
	l.tradeLog = append(l.tradeLog, TradeLogEntry{
		Timestamp: at, Kind: "withdraw", Quantity: amount, CashAfter: l.cash, Reason: reason,
	})
	return nil
}

// DepositCash adds amount to cash for reason.
func (l *Ledger) DepositCash(amount money.Decimal, reason string, at time.Time) error {
	if !amount.IsPositive() {
		return fmt.Errorf("portfolio: deposit amount must be positive, got %s", amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cash = l.cash.Add(amount)
	l.tradeLog = append(l.tradeLog, TradeLogEntry{
		Timestamp: at, Kind: "deposit", Quantity: amount, CashAfter: l.cash, Reason: reason,
	})
	return nil
}

// GetEquity returns cash + sum(quantity * last_price * multiplier) across
// all open positions. It fails if any held symbol's price is missing.
func (l *Ledger) GetEquity(lastPrices map[string]money.Decimal) (money.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	equity := l.cash
	for symbol, pos := range l.positions {
		price, ok := lastPrices[symbol]
		if !ok {
			return money.Zero, fmt.Errorf("portfolio: missing last price for held symbol %s", symbol)
		}
		equity = equity.Add(pos.NotionalValue(price))
	}
	return equity, nil
}

// Cash returns the current cash balance.
func (l *Ledger) Cash() money.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cash
}

// Position returns a copy of the position for symbol, and whether one
// exists.
func (l *Ledger) Position(symbol string) (barfeed.Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.positions[symbol]
	return pos, ok
}

// Positions returns a deep copy of every open position.
func (l *Ledger) Positions() map[string]barfeed.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]barfeed.Position, len(l.positions))
	for k, v := range l.positions {
		out[k] = v
	}
	return out
}

// RealizedPnLCumulative returns the cumulative realized P&L.
func (l *Ledger) RealizedPnLCumulative() money.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.realizedPnLCumulative
}

// CommissionsPaidCumulative returns cumulative commissions paid.
func (l *Ledger) CommissionsPaidCumulative() money.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.commissionsPaidCumulative
}

// TradeLog returns a copy of the append-only audit trail.
func (l *Ledger) TradeLog() []TradeLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]TradeLogEntry, len(l.tradeLog))
	copy(out, l.tradeLog)
	return out
}

// Snapshot is a deep-copy-friendly serializable view of the ledger,
// suitable for the checkpoint manager (spec §4.10/§6: decimals as strings,
// timestamps as RFC3339 UTC).
type Snapshot struct {
	InitialCash               string
	Cash                      string
	Positions                 []PositionSnapshot
	RealizedPnLCumulative     string
	CommissionsPaidCumulative string
	TradeLog                  []TradeLogEntry
}

// PositionSnapshot is the serializable form of a barfeed.Position.
type PositionSnapshot struct {
	Symbol         string
	Quantity       string
	AverageCost    string
	Multiplier     int
	EntryTimestamp string
}

// Snapshot deep-copies the ledger into a serializable form.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	snap := Snapshot{
		InitialCash:               l.initialCash.String(),
		Cash:                      l.cash.String(),
		RealizedPnLCumulative:     l.realizedPnLCumulative.String(),
		CommissionsPaidCumulative: l.commissionsPaidCumulative.String(),
		TradeLog:                  append([]TradeLogEntry(nil), l.tradeLog...),
	}
	for _, pos := range l.positions {
		snap.Positions = append(snap.Positions, PositionSnapshot{
			Symbol:         pos.Symbol,
			Quantity:       pos.Quantity.String(),
			AverageCost:    pos.AverageCost.String(),
			Multiplier:     pos.Multiplier,
			EntryTimestamp: money.FormatTimestamp(pos.EntryTimestamp),
		})
	}
	return snap
}

// Restore replaces the ledger's state with a previously taken Snapshot,
// used when loading a checkpoint at session start.
func Restore(snap Snapshot) (*Ledger, error) {
	initialCash, err := money.ParseDecimal(snap.InitialCash)
	if err != nil {
		return nil, fmt.Errorf("portfolio: restore initial_cash: %w", err)
	}
	cash, err := money.ParseDecimal(snap.Cash)
	if err != nil {
		return nil, fmt.Errorf("portfolio: restore cash: %w", err)
	}
	realized, err := money.ParseDecimal(snap.RealizedPnLCumulative)
	if err != nil {
		return nil, fmt.Errorf("portfolio: restore realized pnl: %w", err)
	}
	commissions, err := money.ParseDecimal(snap.CommissionsPaidCumulative)
	if err != nil {
		return nil, fmt.Errorf("portfolio: restore commissions: %w", err)
	}

	l := &Ledger{
		initialCash:               initialCash,
		cash:                      cash,
		positions:                make(map[string]barfeed.Position, len(snap.Positions)),
		realizedPnLCumulative:     realized,
		commissionsPaidCumulative: commissions,
		tradeLog:                  append([]TradeLogEntry(nil), snap.TradeLog...),
	}
	for _, ps := range snap.Positions {
		qty, err := money.ParseDecimal(ps.Quantity)
		if err != nil {
			return nil, fmt.Errorf("portfolio: restore position %s quantity: %w", ps.Symbol, err)
		}
		cost, err := money.ParseDecimal(ps.AverageCost)
		if err != nil {
			return nil, fmt.Errorf("portfolio: restore position %s cost: %w", ps.Symbol, err)
		}
		ts, err := money.ParseTimestamp(ps.EntryTimestamp)
		if err != nil {
			return nil, fmt.Errorf("portfolio: restore position %s timestamp: %w", ps.Symbol, err)
		}
		l.positions[ps.Symbol] = barfeed.Position{
			Symbol: ps.Symbol, Quantity: qty, AverageCost: cost, Multiplier: ps.Multiplier, EntryTimestamp: ts,
		}
	}
	return l, nil
}

func sign(d money.Decimal) int {
	return d.Sign()
}

func decimalSign(d money.Decimal) money.Decimal {
	return money.NewFromInt(int64(d.Sign()))
}

func minDecimal(a, b money.Decimal) money.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}
