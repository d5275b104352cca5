// Package stopctl implements the manual stop flag and graceful-shutdown
// sequence of spec §4.13, plus EOD-flatten scheduling against an exchange
// calendar.
package stopctl

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nitinkhare/tradingcore/internal/market"
	"github.com/nitinkhare/tradingcore/internal/money"
)

// Outcome classifies a graceful-shutdown attempt's overall result.
type Outcome string

const (
	Success Outcome = "success"
	Partial Outcome = "partial"
	Failed  Outcome = "failed"
)

// Status is the result of a graceful shutdown, with a per-symbol outcome.
type Status struct {
	Outcome        Outcome
	PerSymbol      map[string]bool // true = confirmed flat
	Attempts       int
	Reason         string
}

// PositionCloser is the narrow surface stopctl needs from the broker and
// portfolio: cancel all open orders, submit a market closing order per
// open position, and read back current flatness.
type PositionCloser interface {
	CancelAllOrders(ctx context.Context) error
	SubmitMarketClose(ctx context.Context, symbol string, quantity money.Decimal) error
	OpenPositions() map[string]money.Decimal // symbol -> signed qty, only nonzero entries
}

// Controller owns the manual-stop flag and drives graceful shutdown.
type Controller struct {
	requested int32 // atomic bool
	reason    string
	mu        sync.Mutex

	pollInterval   time.Duration
	perAttemptTO   time.Duration
	maxAttempts    int

	eodFlattenFiredDate time.Time
}

// Config parameterizes the controller (spec §4.13).
type Config struct {
	PollInterval    time.Duration // default 500ms
	PerAttemptTimeout time.Duration // default 30s
	MaxAttempts     int           // default 3
}

// New creates a Controller with defaults applied for zero-valued fields.
func New(cfg Config) *Controller {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.PerAttemptTimeout == 0 {
		cfg.PerAttemptTimeout = 30 * time.Second
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	return &Controller{pollInterval: cfg.PollInterval, perAttemptTO: cfg.PerAttemptTimeout, maxAttempts: cfg.MaxAttempts}
}

// RequestStop is thread-safe and idempotent: the first call records
// reason; subsequent calls before the flag is consumed are no-ops.
func (c *Controller) RequestStop(reason string) {
	if atomic.CompareAndSwapInt32(&c.requested, 0, 1) {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
	}
}

// StopRequested reports whether a stop has been requested, and its
// reason. Checked by the coordinator between bar/fill events.
func (c *Controller) StopRequested() (bool, string) {
	if atomic.LoadInt32(&c.requested) == 0 {
		return false, ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return true, c.reason
}

// GracefulShutdown runs the sequence from spec §4.13: cancel all orders,
// submit a market close per open position, then poll until flat or the
// per-attempt timeout elapses, retrying up to maxAttempts times.
func (c *Controller) GracefulShutdown(ctx context.Context, pc PositionCloser) Status {
	status := Status{PerSymbol: make(map[string]bool)}

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		status.Attempts = attempt

		attemptCtx, cancel := context.WithTimeout(ctx, c.perAttemptTO)
		ok := c.attempt(attemptCtx, pc, &status)
		cancel()

		if ok {
			status.Outcome = Success
			return status
		}
	}

	anyFlat := false
	for _, flat := range status.PerSymbol {
		if flat {
			anyFlat = true
		}
	}
	if anyFlat {
		status.Outcome = Partial
	} else {
		status.Outcome = Failed
	}
	status.Reason = fmt.Sprintf("did not reach flat within %d attempts", c.maxAttempts)
	return status
}

func (c *Controller) attempt(ctx context.Context, pc PositionCloser, status *Status) bool {
	if err := pc.CancelAllOrders(ctx); err != nil {
		status.Reason = fmt.Sprintf("cancel_all_orders: %v", err)
		return false
	}

	open := pc.OpenPositions()
	for symbol, qty := range open {
		if err := pc.SubmitMarketClose(ctx, symbol, qty); err != nil {
			status.Reason = fmt.Sprintf("submit market close for %s: %v", symbol, err)
		}
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		remaining := pc.OpenPositions()
		for symbol := range open {
			_, stillOpen := remaining[symbol]
			status.PerSymbol[symbol] = !stillOpen
		}
		if len(remaining) == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// EODFlattenConfig holds the flatten scheduling parameters (spec §4.13).
type EODFlattenConfig struct {
	MinutesBeforeClose int
}

// ShouldFlatten reports whether now has crossed into the flatten window
// for today's session close (adjusted for early-close days) and the
// one-shot flag has not already fired today. The caller is responsible
// for calling RequestStop/GracefulShutdown when this returns true. The
// flag re-arms by itself on the first call with a later UTC date.
func (c *Controller) ShouldFlatten(cal *market.Calendar, cfg EODFlattenConfig, now time.Time) bool {
	today := money.UTCDate(now)
	if !c.eodFlattenFiredDate.IsZero() && !c.eodFlattenFiredDate.Before(today) {
		return false
	}
	if !cal.IsTradingDay(now) {
		return false
	}
	flattenAt := cal.SessionClose(now).Add(-time.Duration(cfg.MinutesBeforeClose) * time.Minute)
	if now.Before(flattenAt) {
		return false
	}
	c.eodFlattenFiredDate = today
	return true
}

// ResetDailyFlag clears the EOD-flatten one-shot flag at once (spec
// §4.13). The session coordinator does not call it; ShouldFlatten
// re-arms on a new UTC date without it.
func (c *Controller) ResetDailyFlag() {
	c.eodFlattenFiredDate = time.Time{}
}
