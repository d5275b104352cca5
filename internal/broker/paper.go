package broker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nitinkhare/tradingcore/internal/barfeed"
	"github.com/nitinkhare/tradingcore/internal/money"
)

// PaperConfig parameterizes the simulator (spec §4.8).
type PaperConfig struct {
	SlippageBps            money.Decimal
	PartialFillProbability float64 // in [0,1]; 0 disables partial fills
	PartialFillFraction    float64 // fraction of quantity filled when a partial occurs
}

type pendingOrder struct {
	order       barfeed.Order
	orderID     string
	triggered   bool // STOP orders become MARKET once triggered
	remainingQty money.Decimal
}

// PaperBroker is a deterministic simulator driven by a chronological bar
// stream supplied up front. It satisfies Broker and emits fills
// synchronously on the same goroutine that delivers the triggering bar,
// matching spec §4.8's "emits fills synchronously in the same thread the
// bar is delivered on."
type PaperBroker struct {
	mu      sync.Mutex
	cfg     PaperConfig
	bars    []barfeed.Bar
	pending map[string][]*pendingOrder

	onBar  OnBarFunc
	onFill OnFillFunc

	rng *rand.Rand

	stopped bool
}

// NewPaperBroker creates a PaperBroker over a chronologically-ordered bar
// stream (bars for different symbols may be interleaved; each symbol's
// own bars must be in timestamp order).
func NewPaperBroker(bars []barfeed.Bar, cfg PaperConfig, seed int64) *PaperBroker {
	return &PaperBroker{
		cfg:     cfg,
		bars:    bars,
		pending: make(map[string][]*pendingOrder),
		rng:     rand.New(rand.NewSource(seed)),
	}
}

func (p *PaperBroker) OnBar(fn OnBarFunc)   { p.onBar = fn }
func (p *PaperBroker) OnFill(fn OnFillFunc) { p.onFill = fn }

// SubscribeBars is a no-op for PaperBroker: the bar stream is fixed at
// construction time and every symbol in it is implicitly subscribed.
func (p *PaperBroker) SubscribeBars(symbols []string, timeframes []time.Duration) error {
	return nil
}

// Start replays the bar stream, filling pending orders against each bar
// before delivering it. Start blocks until the stream is exhausted or ctx
// is canceled.
func (p *PaperBroker) Start(ctx context.Context) error {
	for _, bar := range p.bars {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		p.mu.Lock()
		if p.stopped {
			p.mu.Unlock()
			return nil
		}
		p.fillAgainstBarLocked(bar)
		onBar := p.onBar
		p.mu.Unlock()

		if onBar != nil {
			onBar(bar.Symbol, bar)
		}
	}
	return nil
}

// Stop marks the broker stopped; any in-flight Start loop exits at its
// next iteration boundary.
func (p *PaperBroker) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	return nil
}

// Submit queues order for fill against the symbol's next bar. The
// returned id is a fresh UUID; PaperBroker de-duplicates resubmission of
// the same ClientOrderID while an order for it is still pending.
func (p *PaperBroker) Submit(ctx context.Context, order barfeed.Order) (string, error) {
	if err := order.Validate(); err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, existing := range p.pending[order.Symbol] {
		if existing.order.ClientOrderID == order.ClientOrderID {
			return existing.orderID, nil
		}
	}

	orderID := uuid.NewString()
	p.pending[order.Symbol] = append(p.pending[order.Symbol], &pendingOrder{
		order:        order,
		orderID:      orderID,
		remainingQty: order.Quantity,
	})
	return orderID, nil
}

// Cancel removes a single pending order.
func (p *PaperBroker) Cancel(ctx context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for symbol, orders := range p.pending {
		for i, o := range orders {
			if o.orderID == orderID {
				p.pending[symbol] = append(orders[:i], orders[i+1:]...)
				return nil
			}
		}
	}
	return fmt.Errorf("broker: unknown order id %s", orderID)
}

// CancelAll clears every pending order across all symbols.
func (p *PaperBroker) CancelAll(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = make(map[string][]*pendingOrder)
	return nil
}

// ReconcilePositions is not meaningful for a paper broker on its own —
// the simulator has no independent ledger to reconcile against, so it
// returns an empty map. The session coordinator's reconciler treats an
// empty map as "nothing to reconcile" rather than a mismatch.
func (p *PaperBroker) ReconcilePositions(ctx context.Context, timeout time.Duration) (map[string]Position, error) {
	return map[string]Position{}, nil
}

// fillAgainstBarLocked applies price-into-bar fill rules (spec §4.8) to
// every order pending for bar.Symbol, using bar's prices. Must be called
// with p.mu held.
func (p *PaperBroker) fillAgainstBarLocked(bar barfeed.Bar) {
	orders := p.pending[bar.Symbol]
	if len(orders) == 0 {
		return
	}

	remaining := orders[:0]
	for _, po := range orders {
		fillPrice, eligible := p.resolveFillPrice(po, bar)
		if !eligible {
			remaining = append(remaining, po)
			continue
		}

		fillQty := po.remainingQty
		partial := p.cfg.PartialFillProbability > 0 && p.rng.Float64() < p.cfg.PartialFillProbability
		if partial && p.cfg.PartialFillFraction > 0 && p.cfg.PartialFillFraction < 1 {
			fillQty = po.remainingQty.Mul(money.NewFromFloat(p.cfg.PartialFillFraction))
		}
		if fillQty.GreaterThan(po.remainingQty) {
			fillQty = po.remainingQty
		}

		report := barfeed.ExecutionReport{
			ClientOrderID:  po.order.ClientOrderID,
			Symbol:         po.order.Symbol,
			Side:           po.order.Side,
			FillPrice:      fillPrice,
			FilledQuantity: fillQty,
			Commission:     money.Zero,
			Multiplier:     po.order.Multiplier,
			Timestamp:      bar.Timestamp,
		}
		if p.onFill != nil {
			p.onFill(report)
		}

		po.remainingQty = po.remainingQty.Sub(fillQty)
		if po.remainingQty.IsPositive() {
			remaining = append(remaining, po)
		}
	}
	p.pending[bar.Symbol] = remaining
}

// resolveFillPrice implements the MARKET/LIMIT/STOP price-into-bar rules.
func (p *PaperBroker) resolveFillPrice(po *pendingOrder, bar barfeed.Bar) (money.Decimal, bool) {
	slip := p.cfg.SlippageBps.Div(money.NewFromInt(10000))

	switch po.order.Kind {
	case barfeed.Market:
		return applySlippage(bar.Open, po.order.Side, slip), true

	case barfeed.Limit:
		if po.order.LimitPrice == nil {
			return money.Zero, false
		}
		limit := *po.order.LimitPrice
		if po.order.Side == barfeed.Buy && bar.Low.LessThanOrEqual(limit) {
			return limit, true
		}
		if po.order.Side == barfeed.Sell && bar.High.GreaterThanOrEqual(limit) {
			return limit, true
		}
		return money.Zero, false

	case barfeed.Stop:
		if po.order.StopPrice == nil {
			return money.Zero, false
		}
		stop := *po.order.StopPrice
		if !po.triggered {
			triggered := (po.order.Side == barfeed.Buy && bar.High.GreaterThanOrEqual(stop)) ||
				(po.order.Side == barfeed.Sell && bar.Low.LessThanOrEqual(stop))
			if !triggered {
				return money.Zero, false
			}
			po.triggered = true
		}
		return applySlippage(stop, po.order.Side, slip), true
	}
	return money.Zero, false
}

func applySlippage(price money.Decimal, side barfeed.Side, slipFraction money.Decimal) money.Decimal {
	if side == barfeed.Buy {
		return price.Mul(money.NewFromInt(1).Add(slipFraction))
	}
	return price.Mul(money.NewFromInt(1).Sub(slipFraction))
}
