// Package risk implements the four-layer defensive risk stack from spec
// §4.2: position/concurrency caps, an order-rate limiter, a minimum-balance
// floor, and daily-loss/drawdown halts. None of these checks can be
// bypassed by the Q-learning agent — the risk engine is the final
// gatekeeper before any order reaches the broker, exactly as the teacher's
// risk.Manager is "the final gatekeeper before any order is placed."
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/nitinkhare/tradingcore/internal/money"
)

// HaltState is the risk engine's latched state (spec §3).
type HaltState string

const (
	Running               HaltState = "RUNNING"
	HaltedDailyLoss       HaltState = "HALTED_DAILY_LOSS"
	HaltedDrawdown        HaltState = "HALTED_DRAWDOWN"
	HaltedManual          HaltState = "HALTED_MANUAL"
	HaltedReconciliation  HaltState = "HALTED_RECONCILIATION"
	HaltedRateLimit       HaltState = "HALTED_RATE_LIMIT"
)

// RejectReason is the machine-readable rejection code from spec §7.
type RejectReason string

const (
	ReasonHalted        RejectReason = "HALTED"
	ReasonPositionLimit RejectReason = "POSITION_LIMIT"
	ReasonConcurrency   RejectReason = "CONCURRENCY_LIMIT"
	ReasonRateLimit     RejectReason = "RATE_LIMIT"
	ReasonMinBalance    RejectReason = "MIN_BALANCE"
	ReasonDailyLoss     RejectReason = "DAILY_LOSS"
	ReasonDrawdown      RejectReason = "DRAWDOWN"
)

// RiskRejection is a typed, caller-observable rejection (spec §7). It is
// recovered locally by the decision pipeline — the trade is skipped and
// logged, never a fatal error.
type RiskRejection struct {
	Reason  RejectReason
	Message string
}

func (e *RiskRejection) Error() string {
	return fmt.Sprintf("risk rejected [%s]: %s", e.Reason, e.Message)
}

// Config holds the immutable, session-start-only risk parameters from
// spec §6. None of these fields may change once a session is running —
// per the teacher's ConfigWatcher, only non-safety-critical knobs are
// hot-reloadable, and RiskConfig is explicitly excluded from that set
// (see DESIGN.md, Open Question: hot-reload scope).
type Config struct {
	MaxPositionPct           money.Decimal
	MaxConcurrentPositions   int
	MaxOrdersPerWindow       int
	OrderWindowSeconds       int
	MaxDailyLossPct          money.Decimal
	MaxDrawdownPct           money.Decimal
	MinimumBalance           money.Decimal
	MinimumBalanceEnabled    bool
	// RateLimitBypassesWhenHalted controls whether reducing orders bypass
	// the rate limiter while halted. Default false (zero-value) per spec
	// §9 Open Questions: "default: rate-limit still applies."
	RateLimitBypassesWhenHalted bool
}

// Engine is the risk gatekeeper. All public methods are safe for
// concurrent use; register_trade may internally call halt under the same
// lock (spec §4.2 thread-safety note), so the lock is reentrant-in-spirit
// via a single non-reentrant mutex held for the whole call.
type Engine struct {
	mu     sync.Mutex
	config Config

	dailyStartEquity    money.Decimal
	peakEquity          money.Decimal
	dailyRealizedPnL    money.Decimal
	currentDate         time.Time // UTC calendar date
	halt                HaltState
	haltReason          string
	orderSubmissionTimes []time.Time
}

// New creates an Engine seeded with the starting equity at the given
// (UTC) instant.
func New(cfg Config, startEquity money.Decimal, at time.Time) *Engine {
	return &Engine{
		config:           cfg,
		dailyStartEquity: startEquity,
		peakEquity:       startEquity,
		currentDate:      money.UTCDate(at),
		halt:             Running,
	}
}

// DailyReset rotates the trading day when the UTC date of `at` exceeds the
// engine's current_date, resetting daily_start_equity and
// daily_realized_pnl (spec §3 lifecycle). A HALTED_DAILY_LOSS halt is
// lifted on rollover; other halts persist until resume().
func (e *Engine) DailyReset(at time.Time, equity money.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dailyResetLocked(at, equity)
}

func (e *Engine) dailyResetLocked(at time.Time, equity money.Decimal) {
	today := money.UTCDate(at)
	if !today.After(e.currentDate) {
		return
	}
	e.currentDate = today
	e.dailyStartEquity = equity
	e.dailyRealizedPnL = money.Zero
	if e.halt == HaltedDailyLoss {
		e.halt = Running
		e.haltReason = ""
	}
}

// PreTradeInput bundles the arguments pre_trade_check needs per spec
// §4.2.
type PreTradeInput struct {
	Symbol           string
	DeltaQuantity    money.Decimal // signed: positive = buy, negative = sell
	Price            money.Decimal
	Multiplier       int
	Timestamp        time.Time
	Equity           money.Decimal
	CurrentPositionQty money.Decimal // signed quantity already held in Symbol, zero if none
	OpenPositionCount  int           // count of symbols with a nonzero position, excluding Symbol if new
	IsNewSymbol        bool
}

// PreTradeCheck runs the checks of spec §4.2 in order and returns nil if
// the trade may proceed, or a *RiskRejection otherwise.
func (e *Engine) PreTradeCheck(in PreTradeInput) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.dailyResetLocked(in.Timestamp, in.Equity)

	isReducing := in.DeltaQuantity.Sign() != 0 && in.CurrentPositionQty.Sign() != 0 &&
		in.DeltaQuantity.Sign() != in.CurrentPositionQty.Sign()

	// 1. Halted — except reducing orders when halted for daily-loss or
	// drawdown and the order opposes the current position.
	if e.halt != Running {
		haltPermitsReduction := (e.halt == HaltedDailyLoss || e.halt == HaltedDrawdown) && isReducing
		if !haltPermitsReduction {
			return &RiskRejection{Reason: ReasonHalted, Message: fmt.Sprintf("trading halted: %s (%s)", e.halt, e.haltReason)}
		}
	}

	notional := in.DeltaQuantity.Mul(in.Price).Mul(money.NewFromInt(int64(in.Multiplier))).Abs()

	// 2. Position size cap.
	maxNotional := e.config.MaxPositionPct.Mul(in.Equity)
	if notional.GreaterThan(maxNotional) {
		return &RiskRejection{Reason: ReasonPositionLimit, Message: fmt.Sprintf("order notional %s exceeds %s (%s of equity %s)", notional, maxNotional, e.config.MaxPositionPct, in.Equity)}
	}

	// 3. Concurrent positions cap.
	if in.IsNewSymbol && e.config.MaxConcurrentPositions > 0 && in.OpenPositionCount >= e.config.MaxConcurrentPositions {
		return &RiskRejection{Reason: ReasonConcurrency, Message: fmt.Sprintf("at position limit: %d/%d", in.OpenPositionCount, e.config.MaxConcurrentPositions)}
	}

	// 4. Order rate limit. Bypassed only when reducing, halted, and the
	// config explicitly opts into the bypass — default is that the rate
	// limit still applies even while flattening a halted book.
	bypassRateLimit := isReducing && e.halt != Running && e.config.RateLimitBypassesWhenHalted
	if !bypassRateLimit {
		windowStart := in.Timestamp.Add(-time.Duration(e.config.OrderWindowSeconds) * time.Second)
		count := 0
		for _, t := range e.orderSubmissionTimes {
			if t.After(windowStart) {
				count++
			}
		}
		if e.config.MaxOrdersPerWindow > 0 && count >= e.config.MaxOrdersPerWindow {
			return &RiskRejection{Reason: ReasonRateLimit, Message: fmt.Sprintf("rate limit: %d orders in trailing %ds window (max %d)", count, e.config.OrderWindowSeconds, e.config.MaxOrdersPerWindow)}
		}
	}

	// 5. Minimum balance protection.
	if e.config.MinimumBalanceEnabled {
		cashDelta := in.DeltaQuantity.Mul(in.Price).Mul(money.NewFromInt(int64(in.Multiplier))).Neg()
		projectedEquity := in.Equity.Add(cashDelta)
		if projectedEquity.LessThan(e.config.MinimumBalance) {
			return &RiskRejection{Reason: ReasonMinBalance, Message: fmt.Sprintf("projected equity %s below minimum balance %s", projectedEquity, e.config.MinimumBalance)}
		}
	}

	// 6. Daily-loss guard. Profits never trigger this (spec §4.2/§8):
	// the comparison is strictly against realized losses net of this
	// trade's projected cost, so a net-positive day cannot halt here.
	projectedCost := notional // conservative: full notional at risk
	maxDailyLoss := e.config.MaxDailyLossPct.Mul(e.dailyStartEquity)
	if e.dailyRealizedPnL.Sub(projectedCost).LessThanOrEqual(maxDailyLoss.Neg()) {
		return &RiskRejection{Reason: ReasonDailyLoss, Message: fmt.Sprintf("daily loss guard: realized %s minus projected cost %s breaches -%s", e.dailyRealizedPnL, projectedCost, maxDailyLoss)}
	}

	// 7. Drawdown guard.
	if e.peakEquity.IsPositive() {
		drawdown := e.peakEquity.Sub(in.Equity).Div(e.peakEquity)
		if drawdown.GreaterThan(e.config.MaxDrawdownPct) {
			return &RiskRejection{Reason: ReasonDrawdown, Message: fmt.Sprintf("drawdown %s exceeds max %s", drawdown, e.config.MaxDrawdownPct)}
		}
	}

	return nil
}

// RegisterTrade updates daily P&L and peak equity after a fill, and may
// transition the engine into a halted state if a threshold is breached
// (spec §4.2). Profits never trigger HALTED_DAILY_LOSS — only losses do.
func (e *Engine) RegisterTrade(realizedPnL money.Decimal, timestamp time.Time, equity money.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.dailyResetLocked(timestamp, equity)

	e.dailyRealizedPnL = e.dailyRealizedPnL.Add(realizedPnL)
	if equity.GreaterThan(e.peakEquity) {
		e.peakEquity = equity
	}

	if e.halt != Running {
		return
	}

	maxDailyLoss := e.config.MaxDailyLossPct.Mul(e.dailyStartEquity)
	if e.dailyRealizedPnL.IsNegative() && e.dailyRealizedPnL.Neg().GreaterThanOrEqual(maxDailyLoss) {
		e.haltLocked(HaltedDailyLoss, fmt.Sprintf("daily realized pnl %s breached -%s", e.dailyRealizedPnL, maxDailyLoss))
		return
	}

	if e.peakEquity.IsPositive() {
		drawdown := e.peakEquity.Sub(equity).Div(e.peakEquity)
		if drawdown.GreaterThan(e.config.MaxDrawdownPct) {
			e.haltLocked(HaltedDrawdown, fmt.Sprintf("drawdown %s exceeds max %s", drawdown, e.config.MaxDrawdownPct))
		}
	}
}

// RecordOrderSubmission appends timestamp to the sliding rate-limit
// window, pruning entries older than the configured window — the same
// prune-by-cutoff technique as the teacher's CircuitBreaker.pruneHourlyFailures,
// applied here to submissions rather than failures.
func (e *Engine) RecordOrderSubmission(at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.orderSubmissionTimes = append(e.orderSubmissionTimes, at)
	e.pruneSubmissionsLocked(at)
}

func (e *Engine) pruneSubmissionsLocked(now time.Time) {
	cutoff := now.Add(-time.Duration(e.config.OrderWindowSeconds) * time.Second)
	i := 0
	for i < len(e.orderSubmissionTimes) && e.orderSubmissionTimes[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		e.orderSubmissionTimes = e.orderSubmissionTimes[i:]
	}
}

// Halt transitions the engine into a latched halt state with reason.
func (e *Engine) Halt(state HaltState, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.haltLocked(state, reason)
}

func (e *Engine) haltLocked(state HaltState, reason string) {
	e.halt = state
	e.haltReason = reason
}

// IsHalted reports whether the engine is in any halted state.
func (e *Engine) IsHalted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.halt != Running
}

// HaltReason returns the current halt state and its reason string.
func (e *Engine) HaltReason() (HaltState, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.halt, e.haltReason
}

// Resume transitions the engine back to RUNNING. This is the only way to
// clear a non-daily-loss halt; HALTED_DAILY_LOSS also clears automatically
// on day rollover (spec §4.2).
func (e *Engine) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.halt = Running
	e.haltReason = ""
}

// PeakEquity returns the highest equity observed so far this session.
func (e *Engine) PeakEquity() money.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peakEquity
}

// DailyRealizedPnL returns today's cumulative realized P&L.
func (e *Engine) DailyRealizedPnL() money.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dailyRealizedPnL
}

// Snapshot is the serializable form of RiskState (spec §6's
// risk_state.json): decimals as strings, timestamps as RFC3339 UTC.
type Snapshot struct {
	DailyStartEquity     string
	PeakEquity           string
	DailyRealizedPnL     string
	CurrentDate          string
	Halt                 HaltState
	HaltReason           string
	OrderSubmissionTimes []string
}

// Snapshot deep-copies the engine's state into a serializable form.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := Snapshot{
		DailyStartEquity: e.dailyStartEquity.String(),
		PeakEquity:       e.peakEquity.String(),
		DailyRealizedPnL: e.dailyRealizedPnL.String(),
		CurrentDate:      money.FormatTimestamp(e.currentDate),
		Halt:             e.halt,
		HaltReason:       e.haltReason,
	}
	for _, ts := range e.orderSubmissionTimes {
		snap.OrderSubmissionTimes = append(snap.OrderSubmissionTimes, money.FormatTimestamp(ts))
	}
	return snap
}

// Restore rebuilds an Engine from a previously taken Snapshot, used when
// loading a checkpoint at session start. cfg is supplied fresh rather
// than persisted, since risk.Config is session-start configuration, not
// session state (spec §6).
func Restore(cfg Config, snap Snapshot) (*Engine, error) {
	dailyStartEquity, err := money.ParseDecimal(snap.DailyStartEquity)
	if err != nil {
		return nil, fmt.Errorf("risk: restore daily_start_equity: %w", err)
	}
	peakEquity, err := money.ParseDecimal(snap.PeakEquity)
	if err != nil {
		return nil, fmt.Errorf("risk: restore peak_equity: %w", err)
	}
	dailyRealizedPnL, err := money.ParseDecimal(snap.DailyRealizedPnL)
	if err != nil {
		return nil, fmt.Errorf("risk: restore daily_realized_pnl: %w", err)
	}
	currentDate, err := money.ParseTimestamp(snap.CurrentDate)
	if err != nil {
		return nil, fmt.Errorf("risk: restore current_date: %w", err)
	}
	e := &Engine{
		config:           cfg,
		dailyStartEquity: dailyStartEquity,
		peakEquity:       peakEquity,
		dailyRealizedPnL: dailyRealizedPnL,
		currentDate:      currentDate,
		halt:             snap.Halt,
		haltReason:       snap.HaltReason,
	}
	for _, s := range snap.OrderSubmissionTimes {
		ts, err := money.ParseTimestamp(s)
		if err != nil {
			return nil, fmt.Errorf("risk: restore order_submission_times: %w", err)
		}
		e.orderSubmissionTimes = append(e.orderSubmissionTimes, ts)
	}
	if e.halt == "" {
		e.halt = Running
	}
	return e, nil
}

// UpdateConfig replaces the non-safety-critical subset of the risk
// configuration is NOT permitted — risk.Config is immutable for the
// lifetime of a session per spec §6. This method intentionally does not
// exist; components must construct a new Engine (and a new session) to
// change risk parameters.
