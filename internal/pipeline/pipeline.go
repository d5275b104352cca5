// Package pipeline wires the aggregator, edge checks, Q-learning agent,
// risk engine, idempotency tracker, and broker into the single
// nine-step decision pipeline of spec §4.7: every bar flows through the
// same ordered sequence of checks, each of which can abort the bar
// without touching the broker.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nitinkhare/tradingcore/internal/aggregator"
	"github.com/nitinkhare/tradingcore/internal/barfeed"
	"github.com/nitinkhare/tradingcore/internal/broker"
	"github.com/nitinkhare/tradingcore/internal/edgecheck"
	"github.com/nitinkhare/tradingcore/internal/idempotency"
	"github.com/nitinkhare/tradingcore/internal/money"
	"github.com/nitinkhare/tradingcore/internal/portfolio"
	"github.com/nitinkhare/tradingcore/internal/qlearn"
	"github.com/nitinkhare/tradingcore/internal/risk"
)

// Outcome names which step, if any, aborted a bar's processing —
// logged by the coordinator, never treated as an error (spec §4.7: a
// skipped bar is the normal case, not a fault).
type Outcome string

const (
	OutcomeSubmitted      Outcome = "SUBMITTED"
	OutcomeHold           Outcome = "HOLD"
	OutcomeInsufficientHistory Outcome = "INSUFFICIENT_HISTORY"
	OutcomeBlocked        Outcome = "BLOCKED_BY_EDGE_CHECK"
	OutcomeBelowMinimum   Outcome = "DELTA_BELOW_MINIMUM"
	OutcomeDuplicate      Outcome = "DUPLICATE_CLIENT_ORDER_ID"
	OutcomeRiskRejected   Outcome = "RISK_REJECTED"
	OutcomeSubmitFailed   Outcome = "SUBMIT_FAILED"
)

// Result reports what happened to one bar event, for logging and tests.
type Result struct {
	Outcome   Outcome
	Symbol    string
	Decision  qlearn.Decision
	Order     *barfeed.Order
	RiskError error
	Err       error
}

// SymbolConfig is the per-symbol parameterization the pipeline needs:
// contract multiplier, the primary and a higher confirmation timeframe,
// and the minimum tradeable delta below which an order is not worth
// submitting.
type SymbolConfig struct {
	Multiplier        int
	PrimaryTimeframe  time.Duration
	ConfirmTimeframe  time.Duration // zero disables cross-timeframe confirmation
	MinDeltaQuantity  money.Decimal
	HistoryLookback   int
}

// Config bundles the pipeline's tunables that are not owned by one of
// its component engines.
type Config struct {
	Symbols map[string]SymbolConfig
}

// Pipeline composes the components from spec §4.1-§4.8 into the
// decision pipeline from spec §4.7.
type Pipeline struct {
	cfg        Config
	agg        *aggregator.Aggregator
	edgeCfg    edgecheck.Config
	agent      *qlearn.Agent
	riskEngine *risk.Engine
	idem       *idempotency.Tracker
	brk        broker.Broker
	ledger     *portfolio.Ledger

	pricesMu   sync.Mutex
	lastPrices map[string]money.Decimal
}

// New assembles a Pipeline from its already-constructed components. The
// caller owns each component's lifecycle (persistence, shutdown); the
// pipeline only orchestrates the per-bar sequence.
func New(cfg Config, agg *aggregator.Aggregator, edgeCfg edgecheck.Config, agent *qlearn.Agent, riskEngine *risk.Engine, idem *idempotency.Tracker, brk broker.Broker, ledger *portfolio.Ledger) *Pipeline {
	return &Pipeline{cfg: cfg, agg: agg, edgeCfg: edgeCfg, agent: agent, riskEngine: riskEngine, idem: idem, brk: brk, ledger: ledger, lastPrices: make(map[string]money.Decimal)}
}

// updateLastPrice is the explicit mutator spec §4.9 requires for the
// last-price map: callers never write through a snapshot copy, only
// through this method, on every bar and every fill.
func (p *Pipeline) updateLastPrice(symbol string, price money.Decimal) {
	p.pricesMu.Lock()
	p.lastPrices[symbol] = price
	p.pricesMu.Unlock()
}

// LastPrices returns a deep copy of the pipeline's last-traded-price map,
// for callers outside the package (e.g. the session coordinator's capital
// manager check) that need an equity computation between bar events.
func (p *Pipeline) LastPrices() map[string]money.Decimal {
	return p.snapshotLastPrices()
}

// snapshotLastPrices returns a deep copy of the last-traded-price map for
// use in an equity/risk computation.
func (p *Pipeline) snapshotLastPrices() map[string]money.Decimal {
	p.pricesMu.Lock()
	defer p.pricesMu.Unlock()
	out := make(map[string]money.Decimal, len(p.lastPrices))
	for k, v := range p.lastPrices {
		out[k] = v
	}
	return out
}

// OnBar runs the nine-step decision pipeline for one newly arrived bar.
// It never returns an error for a routinely skipped bar — Result.Outcome
// communicates why a bar was not traded. Err is only populated for
// genuine faults (unknown symbol, aggregator ingest failure, equity
// computation failure, an invalid built order, broker submission error).
func (p *Pipeline) OnBar(ctx context.Context, symbol string, bar barfeed.Bar) Result {
	res := Result{Symbol: symbol}
	symCfg, ok := p.cfg.Symbols[symbol]
	if !ok {
		res.Outcome = OutcomeHold
		res.Err = fmt.Errorf("pipeline: no SymbolConfig for %s", symbol)
		return res
	}

	// 1. Update aggregator; refresh the last-traded price for this symbol
	// via its explicit mutator (spec §4.9) so subsequent bars for other
	// symbols see the true last traded price, not a stale cost basis.
	if err := p.agg.Ingest(bar); err != nil {
		res.Outcome = OutcomeHold
		res.Err = fmt.Errorf("pipeline: ingest: %w", err)
		return res
	}
	p.updateLastPrice(symbol, bar.Close)

	// 2. Check history sufficiency.
	lookback := symCfg.HistoryLookback
	if lookback <= 0 {
		lookback = 30
	}
	bars := p.agg.GetBars(symbol, symCfg.PrimaryTimeframe, lookback)
	minHistory := symCfg.HistoryLookback
	if minHistory <= 0 {
		minHistory = 2
	}
	if len(bars) < minHistory {
		res.Outcome = OutcomeInsufficientHistory
		return res
	}

	// 3. Edge/pattern checks; abort if BLOCKED.
	edge := edgecheck.Evaluate(p.edgeCfg, bars, bar.Timestamp)
	if edge.Severity == edgecheck.Blocked {
		res.Outcome = OutcomeBlocked
		return res
	}
	pattern := edgecheck.DetectCandlestick(bars)

	// 4. Extract state, compute action + confidence + target quantity.
	position, hasPosition := p.ledger.Position(symbol)
	positionQty := money.Zero
	if hasPosition {
		positionQty = position.Quantity
	}
	positions := p.ledger.Positions()
	prices := latestPrices(positions, bar, p.snapshotLastPrices())
	equity, err := p.ledger.GetEquity(prices)
	if err != nil {
		res.Outcome = OutcomeHold
		res.Err = fmt.Errorf("pipeline: get equity: %w", err)
		return res
	}

	positionNotional := positionQty.Mul(bar.Close).Mul(money.NewFromInt(int64(symCfg.Multiplier)))
	equityF, _ := equity.Float64()
	notionalF, _ := positionNotional.Float64()

	features := qlearn.ExtractFeatures(bars, 5, 20, notionalF, equityF)
	lowVol, highVol := 0.01, 0.03
	state := qlearn.BuildState(features, lowVol, highVol)

	allowed := qlearn.AllowedActions(positionQty)

	patternFactor := money.MustParse("0.5")
	if pattern == edgecheck.BullishEngulfing || pattern == edgecheck.BearishEngulfing {
		patternFactor = money.MustParse("1.0")
	}

	crossTimeframeFactor := money.MustParse("1.0")
	if symCfg.ConfirmTimeframe > 0 {
		confirmBars := p.agg.GetBars(symbol, symCfg.ConfirmTimeframe, 2)
		if len(confirmBars) >= 2 {
			confirmTrendUp := confirmBars[len(confirmBars)-1].Close.GreaterThan(confirmBars[len(confirmBars)-2].Close)
			primaryTrendUp := bars[len(bars)-1].Close.GreaterThan(bars[len(bars)-2].Close)
			if confirmTrendUp != primaryTrendUp {
				crossTimeframeFactor = money.MustParse("0.5")
			}
		}
	}

	decision := p.agent.SelectAction(state, allowed, edge.Severity.Scale(), patternFactor, crossTimeframeFactor)
	res.Decision = decision

	if decision.Action == qlearn.Hold {
		res.Outcome = OutcomeHold
		return res
	}
	if decision.Confidence.LessThan(p.agent.MinConfidence()) {
		res.Outcome = OutcomeHold
		return res
	}

	targetShares, _ := p.agent.PositionSize(equity, decision.Confidence, edge.Severity.Scale(), bar.Close, symCfg.Multiplier)

	// 5. Compute delta quantity; abort if zero or below minimum.
	delta := deltaForAction(decision.Action, targetShares, positionQty)
	if delta.IsZero() || delta.Abs().LessThan(symCfg.MinDeltaQuantity) {
		res.Outcome = OutcomeBelowMinimum
		return res
	}

	side := barfeed.Buy
	if delta.IsNegative() {
		side = barfeed.Sell
	}
	qty := delta.Abs()

	// 6. Compute deterministic client_order_id.
	submittedAt := bar.Timestamp
	clientOrderID := barfeed.NewClientOrderID(symbol, side, qty, nil, submittedAt)

	// 7. Idempotency check; abort silently on duplicate. This runs before
	// risk accounting (step 8) so a retried order never consumes
	// rate-limit budget twice (spec §4.3/§4.7).
	if p.idem.IsDuplicate(clientOrderID, submittedAt) {
		res.Outcome = OutcomeDuplicate
		return res
	}

	// 8. Risk pre-trade check; abort with logged reason on failure.
	openCount := countOpenPositions(positions)
	_, isNewSymbolPosition := positions[symbol]
	riskIn := risk.PreTradeInput{
		Symbol:             symbol,
		DeltaQuantity:      delta,
		Price:              bar.Close,
		Multiplier:         symCfg.Multiplier,
		Timestamp:          submittedAt,
		Equity:             equity,
		CurrentPositionQty: positionQty,
		OpenPositionCount:  openCount,
		IsNewSymbol:        !isNewSymbolPosition,
	}
	if err := p.riskEngine.PreTradeCheck(riskIn); err != nil {
		res.Outcome = OutcomeRiskRejected
		res.RiskError = err
		return res
	}

	order := barfeed.Order{
		ClientOrderID: clientOrderID,
		Symbol:        symbol,
		Side:          side,
		Quantity:      qty,
		Kind:          barfeed.Market,
		Multiplier:    symCfg.Multiplier,
		SubmittedAt:   submittedAt,
	}
	if err := order.Validate(); err != nil {
		res.Outcome = OutcomeHold
		res.Err = fmt.Errorf("pipeline: built invalid order: %w", err)
		return res
	}

	// 9. Submit to broker; only on success do we mark the id submitted
	// and record it against the rate limiter (spec §4.3: "mark_submitted
	// must run after the broker accepts the order", so a submission that
	// never left the process never poisons a legitimate retry).
	if _, err := p.brk.Submit(ctx, order); err != nil {
		res.Outcome = OutcomeSubmitFailed
		res.Err = err
		return res
	}

	p.idem.MarkSubmitted(clientOrderID, submittedAt)
	p.riskEngine.RecordOrderSubmission(submittedAt)
	res.Outcome = OutcomeSubmitted
	res.Order = &order
	return res
}

// deltaForAction translates an agent action into a signed quantity
// delta against the currently held position (spec §4.6/§4.7).
func deltaForAction(action qlearn.Action, targetShares, currentQty money.Decimal) money.Decimal {
	switch action {
	case qlearn.Buy:
		return targetShares
	case qlearn.Sell:
		return targetShares.Neg()
	case qlearn.Increase:
		if currentQty.IsNegative() {
			return targetShares.Neg()
		}
		return targetShares
	case qlearn.Decrease:
		reduceBy := targetShares
		if reduceBy.GreaterThan(currentQty.Abs()) {
			reduceBy = currentQty.Abs()
		}
		if currentQty.IsNegative() {
			return reduceBy
		}
		return reduceBy.Neg()
	default:
		return money.Zero
	}
}

// latestPrices builds the last-traded-price map GetEquity needs, sourced
// from the pipeline's real last-price map rather than derived from
// position cost basis (spec §4.9: equity/risk math must use the true
// last traded price, which diverges from acquisition cost as soon as the
// market moves). known is expected to already contain bar.Close for
// bar.Symbol, refreshed by updateLastPrice before this is called; a
// symbol the pipeline has genuinely never seen a bar for falls back to
// its cost basis as a last resort so GetEquity does not fail outright.
func latestPrices(positions map[string]barfeed.Position, bar barfeed.Bar, known map[string]money.Decimal) map[string]money.Decimal {
	prices := make(map[string]money.Decimal, len(positions))
	for symbol, pos := range positions {
		if price, ok := known[symbol]; ok {
			prices[symbol] = price
			continue
		}
		prices[symbol] = pos.AverageCost
	}
	prices[bar.Symbol] = bar.Close
	return prices
}

func countOpenPositions(positions map[string]barfeed.Position) int {
	count := 0
	for _, pos := range positions {
		if !pos.IsFlat() {
			count++
		}
	}
	return count
}

// OnFill feeds a broker execution report back into the portfolio ledger,
// the Q-learning agent's Learn step, and the risk engine (spec §4.1,
// §4.6). The realized P&L it uses is the change in the ledger's
// cumulative realized P&L across ApplyFill; RegisterTrade also receives
// the ledger's equity at the last known prices.
func (p *Pipeline) OnFill(report barfeed.ExecutionReport, state qlearn.State, action qlearn.Action, nextState qlearn.State, nextAllowed []qlearn.Action) (reward float64, err error) {
	p.updateLastPrice(report.Symbol, report.FillPrice)

	before := p.ledger.RealizedPnLCumulative()
	if err := p.ledger.ApplyFill(report); err != nil {
		return 0, fmt.Errorf("pipeline: apply fill: %w", err)
	}
	after := p.ledger.RealizedPnLCumulative()
	realizedDelta := after.Sub(before)

	positionNotional := report.FilledQuantity.Mul(report.FillPrice).Mul(money.NewFromInt(int64(report.Multiplier)))
	reward = p.agent.Learn(state, action, realizedDelta, positionNotional, nextState, nextAllowed)

	prices := latestPrices(p.ledger.Positions(), barfeed.Bar{Symbol: report.Symbol, Close: report.FillPrice}, p.snapshotLastPrices())
	equity, err := p.ledger.GetEquity(prices)
	if err != nil {
		return reward, fmt.Errorf("pipeline: get equity: %w", err)
	}
	p.riskEngine.RegisterTrade(realizedDelta, report.Timestamp, equity)
	return reward, nil
}
