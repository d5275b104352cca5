// Package edgecheck implements the pure pattern/edge-case checks of spec
// §4.5: stale data, bad prices, extreme moves, thin liquidity, circuit
// breakers, and candlestick signals, each returning a Severity used to
// scale position size and feed the Q-agent's confidence score. These
// checks are advisory — they never replace the risk engine's hard limits.
package edgecheck

import (
	"time"

	"github.com/nitinkhare/tradingcore/internal/barfeed"
	"github.com/nitinkhare/tradingcore/internal/money"
)

// Severity is the outcome of an edge-case check.
type Severity string

const (
	Safe     Severity = "SAFE"
	Caution  Severity = "CAUTION"
	HighRisk Severity = "HIGH_RISK"
	Blocked  Severity = "BLOCKED"
)

// Scale returns the position-size multiplier associated with a severity
// (spec §4.5): 0.5 for HIGH_RISK, 0.8 for CAUTION, and 1.0 otherwise,
// BLOCKED included; the pipeline stops on BLOCKED before using a scale.
func (s Severity) Scale() money.Decimal {
	switch s {
	case HighRisk:
		return money.MustParse("0.5")
	case Caution:
		return money.MustParse("0.8")
	default:
		return money.MustParse("1.0")
	}
}

// worse returns the more severe of a and b, ranked BLOCKED > HIGH_RISK >
// CAUTION > SAFE.
func worse(a, b Severity) Severity {
	rank := map[Severity]int{Safe: 0, Caution: 1, HighRisk: 2, Blocked: 3}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// Config holds the thresholds that parameterize the checks (spec §6).
type Config struct {
	StaleThreshold        time.Duration
	ChaseThresholdPct     money.Decimal // extreme single-bar move, e.g. 0.05 for 5%
	LowLiquidityFraction  money.Decimal // volume below this fraction of trailing average is thin
	CircuitBreakerStreak  int           // consecutive limit-move bars that trip BLOCKED
}

// Result bundles the overall severity with which individual check tripped
// it, for logging and for the Q-agent's confidence scoring (spec §4.6).
type Result struct {
	Severity    Severity
	StaleData   bool
	BadPrice    bool
	ExtremeMove bool
	LowLiquidity bool
	CircuitBreaker bool
}

// Evaluate runs every check over the recent bar history for one symbol.
// bars must be ordered oldest-first, as returned by aggregator.GetBars.
// now is the wall-clock instant the check is evaluated at (UTC).
func Evaluate(cfg Config, bars []barfeed.Bar, now time.Time) Result {
	var res Result

	if len(bars) == 0 {
		res.StaleData = true
		res.Severity = Blocked
		return res
	}

	last := bars[len(bars)-1]

	if cfg.StaleThreshold > 0 && now.Sub(last.Timestamp) > cfg.StaleThreshold {
		res.StaleData = true
		res.Severity = worse(res.Severity, Blocked)
	}

	if !last.Close.IsPositive() || !last.Open.IsPositive() {
		res.BadPrice = true
		res.Severity = worse(res.Severity, Blocked)
	}

	if len(bars) >= 2 {
		prev := bars[len(bars)-2]
		if prev.Close.IsPositive() {
			move := last.Close.Sub(prev.Close).Div(prev.Close).Abs()
			if cfg.ChaseThresholdPct.IsPositive() && move.GreaterThan(cfg.ChaseThresholdPct) {
				res.ExtremeMove = true
				res.Severity = worse(res.Severity, HighRisk)
			}
		}
	}

	if avg, ok := averageVolume(bars); ok && avg.IsPositive() && cfg.LowLiquidityFraction.IsPositive() {
		threshold := avg.Mul(cfg.LowLiquidityFraction)
		if last.Volume.LessThan(threshold) {
			res.LowLiquidity = true
			res.Severity = worse(res.Severity, Caution)
		}
	}

	if cfg.CircuitBreakerStreak > 0 && len(bars) >= cfg.CircuitBreakerStreak {
		if consecutiveLimitMoves(bars, cfg.CircuitBreakerStreak, cfg.ChaseThresholdPct) {
			res.CircuitBreaker = true
			res.Severity = worse(res.Severity, Blocked)
		}
	}

	if res.Severity == "" {
		res.Severity = Safe
	}
	return res
}

// averageVolume returns the mean volume over all bars but the last,
// which is excluded since it is the bar being evaluated against the
// average.
func averageVolume(bars []barfeed.Bar) (money.Decimal, bool) {
	if len(bars) < 2 {
		return money.Zero, false
	}
	sum := money.Zero
	history := bars[:len(bars)-1]
	for _, b := range history {
		sum = sum.Add(b.Volume)
	}
	return sum.Div(money.NewFromInt(int64(len(history)))), true
}

// consecutiveLimitMoves reports whether the most recent `streak` bars
// each moved by more than threshold relative to their predecessor, in the
// same direction — a naive proxy for repeated limit-up/limit-down prints.
func consecutiveLimitMoves(bars []barfeed.Bar, streak int, threshold money.Decimal) bool {
	if !threshold.IsPositive() || len(bars) < streak+1 {
		return false
	}
	window := bars[len(bars)-streak-1:]
	sign := 0
	for i := 1; i < len(window); i++ {
		prev, cur := window[i-1], window[i]
		if !prev.Close.IsPositive() {
			return false
		}
		move := cur.Close.Sub(prev.Close).Div(prev.Close)
		if move.Abs().LessThanOrEqual(threshold) {
			return false
		}
		s := move.Sign()
		if i == 1 {
			sign = s
		} else if s != sign {
			return false
		}
	}
	return true
}

// Candlestick signals a simple bullish/bearish engulfing pattern on the
// last two bars, contributing to the Q-agent's pattern-signal confidence
// factor (spec §4.6) rather than to Severity directly.
type Candlestick string

const (
	NoPattern         Candlestick = ""
	BullishEngulfing  Candlestick = "BULLISH_ENGULFING"
	BearishEngulfing  Candlestick = "BEARISH_ENGULFING"
)

// DetectCandlestick inspects the last two bars for an engulfing pattern.
func DetectCandlestick(bars []barfeed.Bar) Candlestick {
	if len(bars) < 2 {
		return NoPattern
	}
	prev, cur := bars[len(bars)-2], bars[len(bars)-1]
	prevBearish := prev.Close.LessThan(prev.Open)
	curBullish := cur.Close.GreaterThan(cur.Open)
	if prevBearish && curBullish && cur.Open.LessThanOrEqual(prev.Close) && cur.Close.GreaterThanOrEqual(prev.Open) {
		return BullishEngulfing
	}
	prevBullish := prev.Close.GreaterThan(prev.Open)
	curBearish := cur.Close.LessThan(cur.Open)
	if prevBullish && curBearish && cur.Open.GreaterThanOrEqual(prev.Close) && cur.Close.LessThanOrEqual(prev.Open) {
		return BearishEngulfing
	}
	return NoPattern
}
