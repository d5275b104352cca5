// Package broker defines the common broker contract (spec §4.8) and two
// implementations: PaperBroker, a deterministic bar-driven simulator, and
// ExternalBroker, a websocket-streaming adapter for a live brokerage whose
// wire protocol is informative only.
package broker

import (
	"context"
	"time"

	"github.com/nitinkhare/tradingcore/internal/barfeed"
)

// OnBarFunc is invoked by the broker, on the broker's own thread, for
// every bar it produces or receives. The coordinator treats this call as
// thread-foreign for ExternalBroker and as synchronous, same-thread for
// PaperBroker (spec §4.8).
type OnBarFunc func(symbol string, bar barfeed.Bar)

// OnFillFunc is invoked for every (possibly partial) execution report.
type OnFillFunc func(report barfeed.ExecutionReport)

// Broker is the contract every execution venue implements (spec §4.8).
// Submissions must be idempotent under retries within a short window —
// the broker itself de-duplicates on ClientOrderID, independent of and
// in addition to the coordinator's own idempotency.Tracker.
type Broker interface {
	// Start begins delivering bars/fills via the callbacks registered
	// through OnBar/OnFill. It must be called before Submit.
	Start(ctx context.Context) error
	// Stop halts bar/fill delivery. After Stop returns, no further
	// callback invocations occur.
	Stop(ctx context.Context) error
	// Submit places an order and returns a broker-assigned order id.
	Submit(ctx context.Context, order barfeed.Order) (orderID string, err error)
	// Cancel cancels a single open order by broker-assigned id.
	Cancel(ctx context.Context, orderID string) error
	// CancelAll cancels every open order across all symbols.
	CancelAll(ctx context.Context) error
	// ReconcilePositions returns the broker's authoritative signed
	// quantity per symbol, used by the startup and periodic reconciler.
	ReconcilePositions(ctx context.Context, timeout time.Duration) (map[string]Position, error)
	// SubscribeBars requests bar delivery for the given symbols and
	// timeframes.
	SubscribeBars(symbols []string, timeframes []time.Duration) error
	// OnBar registers the bar callback. Must be called before Start.
	OnBar(fn OnBarFunc)
	// OnFill registers the fill callback. Must be called before Start.
	OnFill(fn OnFillFunc)
}

// Position is the broker's view of a held quantity, independent of the
// internal portfolio ledger's cost-basis bookkeeping.
type Position struct {
	Symbol   string
	Quantity string // decimal string; broker quantities cross a wire boundary
}
