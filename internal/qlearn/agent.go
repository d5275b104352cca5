package qlearn

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sync"

	"github.com/nitinkhare/tradingcore/internal/money"
)

// Config holds the agent's session-start hyperparameters (spec §4.6, §6).
type Config struct {
	Epsilon             float64
	EpsilonMin          float64
	EpsilonDecayRate    float64
	Alpha               float64 // learning rate
	Gamma               float64 // discount factor
	MaxStates           int
	LowVolThreshold     float64
	HighVolThreshold    float64
	ShortMAWindow       int
	LongMAWindow        int
	BaseSizeFraction    money.Decimal
	MaxPositionPct      money.Decimal
	MinConfidence       money.Decimal
	RiskPenalty         float64
	TransactionCost     float64
	BrokerMinimumShares money.Decimal
}

// Agent is the Free-Standing Decision Q-learning agent. It owns no
// broker or portfolio state — callers supply Features/State and report
// fills back through Learn.
type Agent struct {
	mu     sync.Mutex
	cfg    Config
	table  *QTable
	rng    *rand.Rand
	epsilon float64
}

// New creates an Agent seeded with its own random source so action
// selection is reproducible given a fixed seed, independent of any other
// randomness in the process (paper-broker fill simulation in
// particular).
func New(cfg Config, seed int64) *Agent {
	return &Agent{
		cfg:     cfg,
		table:   NewQTable(cfg.MaxStates),
		rng:     rand.New(rand.NewSource(seed)),
		epsilon: cfg.Epsilon,
	}
}

// AllowedActions filters the five actions by current position sign, per
// spec §4.6: HOLD is always allowed; the rest are filtered by side rules.
func AllowedActions(positionQty money.Decimal) []Action {
	switch {
	case positionQty.IsZero():
		return []Action{Hold, Buy, Sell}
	case positionQty.IsPositive():
		return []Action{Hold, Increase, Decrease, Sell}
	default:
		return []Action{Hold, Increase, Decrease, Buy}
	}
}

// Decision is the agent's output for one bar event (spec §4.6, §4.7).
type Decision struct {
	State          State
	Action         Action
	Confidence     money.Decimal
	BestQ          float64
	SecondBestQ    float64
}

// SelectAction runs epsilon-greedy selection over allowed actions and
// computes the confidence score from spec §4.6: a weighted average of
// the top/second-best Q-value gap, edge severity, pattern signal, and
// cross-timeframe agreement.
func (a *Agent) SelectAction(state State, allowed []Action, edgeSeverityFactor, patternFactor, crossTimeframeFactor money.Decimal) Decision {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := state.Key()
	var action Action
	if a.rng.Float64() < a.epsilon {
		action = allowed[a.rng.Intn(len(allowed))]
	} else {
		action, _ = a.table.BestAction(key, allowed)
	}

	best, bestVal := a.table.BestAction(key, allowed)
	secondVal := a.table.SecondBest(key, allowed, best)

	gap := bestVal - secondVal
	gapFactor := sigmoid(gap)

	confidence := money.MustParse("0.25").Mul(money.NewFromFloat(gapFactor)).
		Add(money.MustParse("0.25").Mul(edgeSeverityFactor)).
		Add(money.MustParse("0.25").Mul(patternFactor)).
		Add(money.MustParse("0.25").Mul(crossTimeframeFactor))

	return Decision{
		State:       state,
		Action:      action,
		Confidence:  confidence,
		BestQ:       bestVal,
		SecondBestQ: secondVal,
	}
}

// sigmoid squashes an unbounded Q-value gap into [0,1] for the confidence
// score's gap factor.
func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// DecayEpsilon applies the multiplicative decay schedule from spec
// §4.6, called once per session (not per bar).
func (a *Agent) DecayEpsilon() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.epsilon = math.Max(a.cfg.EpsilonMin, a.epsilon*a.cfg.EpsilonDecayRate)
}

// Epsilon returns the agent's current exploration rate.
func (a *Agent) Epsilon() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.epsilon
}

// MinConfidence returns the confidence floor below which SelectAction's
// output should be treated as HOLD regardless of the chosen action
// (spec §4.6).
func (a *Agent) MinConfidence() money.Decimal {
	return a.cfg.MinConfidence
}

// PositionSize computes the target notional and share count from spec
// §4.6: equity * base_size_fraction * confidence * severity_scale,
// capped by max_position_pct * equity, floored by broker minimum.
func (a *Agent) PositionSize(equity money.Decimal, confidence money.Decimal, severityScale money.Decimal, price money.Decimal, multiplier int) (shares money.Decimal, notional money.Decimal) {
	target := equity.Mul(a.cfg.BaseSizeFraction).Mul(confidence).Mul(severityScale)
	capNotional := a.cfg.MaxPositionPct.Mul(equity)
	if target.GreaterThan(capNotional) {
		target = capNotional
	}
	if price.IsZero() || multiplier == 0 {
		return money.Zero, money.Zero
	}
	rawShares := target.Div(price.Mul(money.NewFromInt(int64(multiplier)))).Floor()
	if rawShares.LessThan(a.cfg.BrokerMinimumShares) {
		return money.Zero, money.Zero
	}
	return rawShares, rawShares.Mul(price).Mul(money.NewFromInt(int64(multiplier)))
}

// Learn applies the Bellman update on a fill (spec §4.6):
// Q(s,a) <- Q(s,a) + alpha*(r + gamma*max_a' Q(s',a') - Q(s,a))
// where r = realized_pnl - risk_penalty*|notional| - transaction_cost*|notional|.
func (a *Agent) Learn(state State, action Action, realizedPnL money.Decimal, positionNotional money.Decimal, nextState State, nextAllowed []Action) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	pnlF, _ := realizedPnL.Float64()
	notionalF, _ := positionNotional.Abs().Float64()
	reward := pnlF - a.cfg.RiskPenalty*notionalF - a.cfg.TransactionCost*notionalF

	key := state.Key()
	current := a.table.Get(key, action)
	_, nextBestVal := a.table.BestAction(nextState.Key(), nextAllowed)

	updated := current + a.cfg.Alpha*(reward+a.cfg.Gamma*nextBestVal-current)
	a.table.Update(key, action, updated)
	return reward
}

// ApplyDecay runs the optional Q-value decay schedule (spec §4.6).
func (a *Agent) ApplyDecay(lambda float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.table.Decay(lambda)
}

// Len reports the number of states currently tracked, for metrics and
// cardinality-bound tests.
func (a *Agent) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.table.Len()
}

// persistedState is the on-disk shape written by SaveState.
type persistedState struct {
	Epsilon int64       `json:"epsilon_milli"` // epsilon * 1e6, integer to avoid float round-trip drift
	Table   Snapshot    `json:"table"`
}

// SaveState atomically writes the Q-table and epsilon to path, using the same temp-file-fsync-rename discipline as the
// checkpoint manager (spec §4.6, §4.9).
func (a *Agent) SaveState(path string) error {
	a.mu.Lock()
	snap := a.table.ToSnapshot()
	eps := a.epsilon
	a.mu.Unlock()

	state := persistedState{Epsilon: int64(eps * 1e6), Table: snap}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("qlearn: create temp file: %w", err)
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	if err := enc.Encode(state); err != nil {
		f.Close()
		return fmt.Errorf("qlearn: encode state: %w", err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("qlearn: flush: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("qlearn: fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("qlearn: close: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		_ = os.Rename(path, path+".bak")
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("qlearn: rename: %w", err)
	}
	return nil
}

// LoadState restores the Q-table and epsilon from path written by
// SaveState. A missing file is not an error — a fresh agent has nothing
// to restore and keeps its constructor-provided epsilon.
func (a *Agent) LoadState(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("qlearn: open %s: %w", path, err)
	}
	defer f.Close()

	var state persistedState
	if err := json.NewDecoder(f).Decode(&state); err != nil {
		return fmt.Errorf("qlearn: decode %s: %w", path, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.table = FromSnapshot(state.Table)
	a.epsilon = float64(state.Epsilon) / 1e6
	return nil
}

// Warmup feeds a historical sequence of (state, action, reward, next
// state) tuples through Learn without any broker interaction, seeding Q
// values and letting epsilon decay once per call (spec §4.6).
func (a *Agent) Warmup(state State, action Action, realizedPnL money.Decimal, positionNotional money.Decimal, nextState State, nextAllowed []Action) {
	a.Learn(state, action, realizedPnL, positionNotional, nextState, nextAllowed)
	a.DecayEpsilon()
}
