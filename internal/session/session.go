// Package session implements the Session Coordinator of spec §4.9: the
// top-level state machine that owns every other component's lifecycle,
// routes broker callbacks into the decision pipeline, and drives the
// periodic checks (capital management, EOD flatten, checkpointing) that
// don't happen on every bar.
//
// Lock ordering. No single method in this package holds more than one
// component's lock at a time, but where a caller must read more than one
// component in sequence (e.g. building a PreTradeInput from both the
// ledger and the risk engine), reads always proceed in this order:
// Portfolio, Risk, Aggregator, QTable, submission-time tracking,
// Idempotency. Holding to one order across the whole coordinator is what
// keeps independently-locked components deadlock-free without a shared
// lock.
package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nitinkhare/tradingcore/internal/barfeed"
	"github.com/nitinkhare/tradingcore/internal/broker"
	"github.com/nitinkhare/tradingcore/internal/capital"
	"github.com/nitinkhare/tradingcore/internal/checkpoint"
	"github.com/nitinkhare/tradingcore/internal/events"
	"github.com/nitinkhare/tradingcore/internal/market"
	"github.com/nitinkhare/tradingcore/internal/metrics"
	"github.com/nitinkhare/tradingcore/internal/money"
	"github.com/nitinkhare/tradingcore/internal/pipeline"
	"github.com/nitinkhare/tradingcore/internal/portfolio"
	"github.com/nitinkhare/tradingcore/internal/qlearn"
	"github.com/nitinkhare/tradingcore/internal/reconciler"
	"github.com/nitinkhare/tradingcore/internal/risk"
	"github.com/nitinkhare/tradingcore/internal/storage"
	"github.com/nitinkhare/tradingcore/internal/stopctl"
	"golang.org/x/sync/errgroup"
)

// State is the coordinator's lifecycle state (spec §4.9).
type State string

const (
	StateInit     State = "INIT"
	StateStarting State = "STARTING"
	StateRunning  State = "RUNNING"
	StateStopping State = "STOPPING"
	StateStopped  State = "STOPPED"
)

// DefaultReconciliationThreshold is the mismatch fraction above which a
// position discrepancy halts trading rather than just logging, used when
// Config.CriticalMismatchThreshold is unset (spec §4.11/§6 default 0.10).
const DefaultReconciliationThreshold = "0.10"

// DefaultInitialReconcileTimeout is used when
// Config.InitialReconcileTimeout is unset (spec §6).
const DefaultInitialReconcileTimeout = 30 * time.Second

// Coordinator owns every long-lived component and drives the session's
// lifecycle (spec §4.9).
type Coordinator struct {
	mu    sync.Mutex
	state State

	ledger     *portfolio.Ledger
	riskEngine *risk.Engine
	agent      *qlearn.Agent
	brk        broker.Broker
	pipe       *pipeline.Pipeline
	capitalMgr *capital.Manager
	checkpointMgr *checkpoint.Manager
	calendar   *market.Calendar
	stopCtl    *stopctl.Controller

	flattenCfg stopctl.EODFlattenConfig

	// pending tracks, per symbol, the most recent submitted decision
	// fed to SelectAction, so OnFill can complete the (s,a,r,s') tuple
	// Learn needs.
	pending map[string]pendingDecision

	logger *log.Logger

	checkpointEveryNEvents int
	eventsSinceCheckpoint  int
	qtablePath             string

	reconciliationThreshold money.Decimal
	initialReconcileTimeout time.Duration

	// Observability is entirely optional: a zero-value Coordinator with
	// none of these set behaves exactly as before, just unobserved.
	metrics       *metrics.Registry
	bus           *events.Broadcaster
	store         *storage.Store
	storageCursor int
}

type pendingDecision struct {
	state  qlearn.State
	action qlearn.Action
}

// Config bundles the coordinator-level parameters not owned by one of
// its components.
type Config struct {
	FlattenMinutesBeforeClose int
	CheckpointEveryNEvents    int
	QTablePath                string // empty disables periodic Q-table persistence

	// CriticalMismatchThreshold and InitialReconcileTimeout are the spec
	// §6 reconciliation options; zero values fall back to
	// DefaultReconciliationThreshold / DefaultInitialReconcileTimeout.
	CriticalMismatchThreshold money.Decimal
	InitialReconcileTimeout   time.Duration
}

// New assembles a Coordinator from its already-constructed dependencies.
func New(cfg Config, ledger *portfolio.Ledger, riskEngine *risk.Engine, agent *qlearn.Agent, brk broker.Broker, pipe *pipeline.Pipeline, capitalMgr *capital.Manager, checkpointMgr *checkpoint.Manager, calendar *market.Calendar, logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.Default()
	}
	threshold := cfg.CriticalMismatchThreshold
	if threshold.IsZero() {
		threshold = money.MustParse(DefaultReconciliationThreshold)
	}
	reconcileTimeout := cfg.InitialReconcileTimeout
	if reconcileTimeout <= 0 {
		reconcileTimeout = DefaultInitialReconcileTimeout
	}
	return &Coordinator{
		state:         StateInit,
		ledger:        ledger,
		riskEngine:    riskEngine,
		agent:         agent,
		brk:           brk,
		pipe:          pipe,
		capitalMgr:    capitalMgr,
		checkpointMgr: checkpointMgr,
		calendar:      calendar,
		stopCtl:       stopctl.New(stopctl.Config{}),
		flattenCfg:    stopctl.EODFlattenConfig{MinutesBeforeClose: cfg.FlattenMinutesBeforeClose},
		pending:       make(map[string]pendingDecision),
		logger:        logger,
		checkpointEveryNEvents: cfg.CheckpointEveryNEvents,
		qtablePath:    cfg.QTablePath,
		reconciliationThreshold: threshold,
		initialReconcileTimeout: reconcileTimeout,
	}
}

// SetObservability wires an optional Prometheus registry, websocket
// event broadcaster, and Postgres audit store into the coordinator.
// Any argument may be nil; the coordinator checks before each use so
// running without observability configured is a normal, supported mode.
func (c *Coordinator) SetObservability(reg *metrics.Registry, bus *events.Broadcaster, store *storage.Store) {
	c.metrics = reg
	c.bus = bus
	c.store = store
}

// State returns the coordinator's current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Start transitions INIT -> STARTING -> RUNNING: reconciles broker
// positions against the ledger, starts the checkpoint worker, registers
// broker callbacks, then starts the broker itself. Reconciliation and
// checkpoint-worker startup run in an errgroup; a reconciliation error
// fails Start before any bar is processed (spec §4.9, §4.11).
func (c *Coordinator) Start(ctx context.Context) error {
	if c.State() != StateInit {
		return fmt.Errorf("session: Start called from state %s, expected INIT", c.State())
	}
	c.setState(StateStarting)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.reconcileOnStartup(gctx) })
	g.Go(func() error {
		c.checkpointMgr.Start()
		return nil
	})
	if err := g.Wait(); err != nil {
		c.setState(StateInit)
		return fmt.Errorf("session: startup failed: %w", err)
	}

	c.brk.OnBar(c.handleBar)
	c.brk.OnFill(c.handleFill)
	if err := c.brk.Start(ctx); err != nil {
		c.setState(StateInit)
		return fmt.Errorf("session: broker start: %w", err)
	}

	c.setState(StateRunning)
	return nil
}

// reconcileOnStartup compares the ledger's internal positions against
// the broker's authoritative view before any trading begins; a
// critical mismatch halts the risk engine immediately (spec §4.11).
func (c *Coordinator) reconcileOnStartup(ctx context.Context) error {
	brokerPositions, err := c.brk.ReconcilePositions(ctx, c.initialReconcileTimeout)
	if err != nil {
		return fmt.Errorf("reconcile positions: %w", err)
	}

	internal := make(map[string]money.Decimal)
	for symbol, pos := range c.ledger.Positions() {
		internal[symbol] = pos.Quantity
	}
	brokerQty := make(map[string]money.Decimal)
	for symbol, pos := range brokerPositions {
		qty, err := money.ParseDecimal(pos.Quantity)
		if err != nil {
			return fmt.Errorf("reconcile: broker quantity for %s: %w", symbol, err)
		}
		brokerQty[symbol] = qty
	}

	result := reconciler.Reconcile(internal, brokerQty, c.reconciliationThreshold)
	if result.Critical {
		c.riskEngine.Halt(risk.HaltedReconciliation, result.Summary())
		c.logger.Printf("session: startup reconciliation critical mismatch, halted: %s", result.Summary())
		if c.metrics != nil {
			c.metrics.Halts.WithLabelValues(string(risk.HaltedReconciliation)).Inc()
		}
		if c.bus != nil {
			c.bus.Publish(events.KindHalt, result.Summary())
		}
	}
	return nil
}

// handleBar is registered with the broker as its bar callback. For
// PaperBroker this runs synchronously on the broker's replay loop; for
// ExternalBroker it runs on the websocket read-pump goroutine — in both
// cases the pipeline's own per-component locks (not a coordinator-wide
// lock) make this safe to call concurrently with handleFill.
func (c *Coordinator) handleBar(symbol string, bar barfeed.Bar) {
	if ok, reason := c.stopCtl.StopRequested(); ok {
		c.logger.Printf("session: stop requested (%s), skipping bar for %s", reason, symbol)
		return
	}

	if c.calendar != nil && c.stopCtl.ShouldFlatten(c.calendar, c.flattenCfg, bar.Timestamp) {
		c.logger.Printf("session: EOD flatten window reached at %s", bar.Timestamp)
		go c.runFlatten(context.Background(), "eod_flatten")
	}

	result := c.pipe.OnBar(context.Background(), symbol, bar)
	if result.Err != nil {
		c.logger.Printf("session: OnBar(%s) error: %v", symbol, result.Err)
	}
	if result.Outcome == pipeline.OutcomeSubmitted {
		c.mu.Lock()
		c.pending[symbol] = pendingDecision{state: result.Decision.State, action: result.Decision.Action}
		c.mu.Unlock()
	}

	c.maybeCheckCapital(bar.Timestamp)
	c.maybeCheckpoint(symbol, bar)
}

// handleFill is registered with the broker as its fill callback.
func (c *Coordinator) handleFill(report barfeed.ExecutionReport) {
	c.mu.Lock()
	pending, ok := c.pending[report.Symbol]
	delete(c.pending, report.Symbol)
	c.mu.Unlock()

	if !ok {
		c.logger.Printf("session: fill for %s with no pending decision, skipping learning update", report.Symbol)
		if err := c.ledger.ApplyFill(report); err != nil {
			c.logger.Printf("session: ApplyFill(%s) error: %v", report.Symbol, err)
		}
		c.enqueueCheckpoint()
		return
	}

	pos, _ := c.ledger.Position(report.Symbol)
	nextPositionQty := pos.Quantity.Add(report.SignedQuantity())
	nextAllowed := qlearn.AllowedActions(nextPositionQty)

	reward, err := c.pipe.OnFill(report, pending.state, pending.action, pending.state, nextAllowed)
	if err != nil {
		c.logger.Printf("session: OnFill(%s) error: %v", report.Symbol, err)
		return
	}
	c.logger.Printf("session: fill %s %s qty=%s reward=%.4f", report.Symbol, report.Side, report.FilledQuantity, reward)

	// Every fill enqueues a checkpoint save regardless of the periodic
	// bar-count cadence (spec §4.9/§4.10: "enqueue checkpoint save" is
	// explicit on every fill, not just every N events).
	c.enqueueCheckpoint()
}

// maybeCheckCapital invokes the capital manager's cadence-gated check
// and, if a withdrawal is due, applies it to the ledger (spec §4.12).
func (c *Coordinator) maybeCheckCapital(now time.Time) {
	if c.capitalMgr == nil {
		return
	}
	prices := c.pipe.LastPrices()
	equity, err := c.ledger.GetEquity(prices)
	if err != nil {
		return
	}
	amount, ok := c.capitalMgr.MaybeCheck(now, equity, c.ledger.Cash())
	if !ok {
		return
	}
	if err := c.ledger.WithdrawCash(amount, "capital manager scheduled withdrawal", now); err != nil {
		c.logger.Printf("session: scheduled withdrawal failed: %v", err)
	}
}

// maybeCheckpoint enqueues a checkpoint every N events (bars processed),
// non-blocking so a full queue never stalls bar processing (spec §4.10).
func (c *Coordinator) maybeCheckpoint(symbol string, bar barfeed.Bar) {
	if c.checkpointEveryNEvents <= 0 {
		return
	}
	c.mu.Lock()
	c.eventsSinceCheckpoint++
	due := c.eventsSinceCheckpoint >= c.checkpointEveryNEvents
	if due {
		c.eventsSinceCheckpoint = 0
	}
	c.mu.Unlock()
	if !due {
		return
	}
	c.enqueueCheckpoint()
}

// enqueueCheckpoint submits non-blocking checkpoint save requests for
// portfolio.json and risk_state.json and persists the Q-table alongside
// them. Called on the periodic bar cadence
// from maybeCheckpoint and unconditionally on every fill (spec §4.9:
// "on_fill ... enqueue checkpoint save"; spec §4.10: "saves every N
// events and on every fill").
func (c *Coordinator) enqueueCheckpoint() {
	c.checkpointMgr.TryEnqueue(checkpoint.Request{Name: "portfolio.json", Data: c.ledger.Snapshot()})
	c.checkpointMgr.TryEnqueue(checkpoint.Request{Name: "risk_state.json", Data: c.riskEngine.Snapshot()})
	if c.qtablePath != "" {
		if err := c.agent.SaveState(c.qtablePath); err != nil {
			c.logger.Printf("session: q-table save failed: %v", err)
		}
	}
}

// ledgerPositionCloser adapts the ledger and broker to stopctl's
// PositionCloser so graceful shutdown can submit closing orders without
// stopctl importing either package directly.
type ledgerPositionCloser struct {
	ledger *portfolio.Ledger
	brk    broker.Broker
}

func (l *ledgerPositionCloser) CancelAllOrders(ctx context.Context) error {
	return l.brk.CancelAll(ctx)
}

func (l *ledgerPositionCloser) SubmitMarketClose(ctx context.Context, symbol string, quantity money.Decimal) error {
	pos, ok := l.ledger.Position(symbol)
	if !ok || pos.IsFlat() {
		return nil
	}
	side := barfeed.Sell
	if pos.Quantity.IsNegative() {
		side = barfeed.Buy
	}
	order := barfeed.Order{
		ClientOrderID: barfeed.NewClientOrderID(symbol, side, quantity.Abs(), nil, timeNowUTC()),
		Symbol:        symbol,
		Side:          side,
		Quantity:      quantity.Abs(),
		Kind:          barfeed.Market,
		Multiplier:    pos.Multiplier,
		SubmittedAt:   timeNowUTC(),
	}
	_, err := l.brk.Submit(ctx, order)
	return err
}

func (l *ledgerPositionCloser) OpenPositions() map[string]money.Decimal {
	out := make(map[string]money.Decimal)
	for symbol, pos := range l.ledger.Positions() {
		if !pos.IsFlat() {
			out[symbol] = pos.Quantity
		}
	}
	return out
}

// timeNowUTC is the one place session reaches for wall-clock time
// outside of bar/fill timestamps, kept in a named function so a future
// clock-injection seam is a one-line change.
func timeNowUTC() time.Time {
	return time.Now().UTC()
}

// RequestStop flags a manual stop (spec §4.13's manual-stop path); the
// coordinator's next bar callback will observe it and stop trading.
func (c *Coordinator) RequestStop(reason string) {
	c.stopCtl.RequestStop(reason)
}

// runFlatten executes the graceful-shutdown sequence without tearing
// down the rest of the session — used for EOD flatten, which must
// resume normal operation (and accept new positions) the next trading
// day, unlike a manual Stop.
func (c *Coordinator) runFlatten(ctx context.Context, reason string) {
	pc := &ledgerPositionCloser{ledger: c.ledger, brk: c.brk}
	status := c.stopCtl.GracefulShutdown(ctx, pc)
	c.logger.Printf("session: %s flatten outcome=%s attempts=%d reason=%s", reason, status.Outcome, status.Attempts, status.Reason)
}

// Stop transitions RUNNING -> STOPPING -> STOPPED: flags a manual stop,
// runs the graceful-shutdown sequence, stops the broker, drains the
// checkpoint queue with one final save, per spec §4.9/§4.13's ordering
// (broker first, then checkpoint).
func (c *Coordinator) Stop(ctx context.Context, reason string) stopctl.Status {
	c.setState(StateStopping)
	c.stopCtl.RequestStop(reason)

	pc := &ledgerPositionCloser{ledger: c.ledger, brk: c.brk}
	status := c.stopCtl.GracefulShutdown(ctx, pc)

	if err := c.brk.Stop(ctx); err != nil {
		c.logger.Printf("session: broker stop error: %v", err)
	}

	final := checkpoint.Request{Name: "portfolio.json", Data: c.ledger.Snapshot()}
	if err := c.checkpointMgr.Shutdown(ctx, 10*time.Second, &final); err != nil {
		c.logger.Printf("session: checkpoint shutdown error: %v", err)
	}

	c.setState(StateStopped)
	return status
}
