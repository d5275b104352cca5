package barfeed

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/nitinkhare/tradingcore/internal/money"
)

// Side is the direction of an order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Kind is the order type.
type Kind string

const (
	Market Kind = "MARKET"
	Limit  Kind = "LIMIT"
	Stop   Kind = "STOP"
)

// Order is an immutable order intent. ClientOrderID is a deterministic,
// side-effect-free fingerprint (spec §3, §6) computed by NewClientOrderID.
type Order struct {
	ClientOrderID string
	Symbol        string
	Side          Side
	Quantity      money.Decimal
	Kind          Kind
	LimitPrice    *money.Decimal
	StopPrice     *money.Decimal
	Multiplier    int
	SubmittedAt   time.Time
}

// Validate enforces the Order invariants from spec §3.
func (o Order) Validate() error {
	if o.Symbol == "" {
		return fmt.Errorf("barfeed: order has empty symbol")
	}
	if o.Side != Buy && o.Side != Sell {
		return fmt.Errorf("barfeed: order %s has invalid side %q", o.Symbol, o.Side)
	}
	if !o.Quantity.IsPositive() {
		return fmt.Errorf("barfeed: order %s quantity must be positive, got %s", o.Symbol, o.Quantity)
	}
	if o.Multiplier < 1 {
		return fmt.Errorf("barfeed: order %s multiplier must be >= 1, got %d", o.Symbol, o.Multiplier)
	}
	if err := money.RequireUTC(o.SubmittedAt); err != nil {
		return fmt.Errorf("barfeed: order %s: %w", o.Symbol, err)
	}
	return nil
}

// NewClientOrderID computes the deterministic fingerprint from spec §6:
// SHA-256 (hex, truncated to 16 chars) of
// symbol|side|qty|price_or_NULL|submission_instant_ms.
//
// price is the limit/stop price driving the order, or nil for a market
// order (serialized as the literal string "NULL"). submittedAt is
// wall-clock UTC, not bar time, so identical retries within the
// idempotency TTL produce an identical fingerprint.
func NewClientOrderID(symbol string, side Side, qty money.Decimal, price *money.Decimal, submittedAt time.Time) string {
	priceStr := "NULL"
	if price != nil {
		priceStr = price.String()
	}
	raw := fmt.Sprintf("%s|%s|%s|%s|%d", symbol, side, qty.String(), priceStr, submittedAt.UTC().UnixMilli())
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:16]
}

// ExecutionReport is a (possibly partial) fill against an Order.
type ExecutionReport struct {
	ClientOrderID  string
	Symbol         string
	Side           Side
	FillPrice      money.Decimal
	FilledQuantity money.Decimal
	Commission     money.Decimal
	Multiplier     int
	Timestamp      time.Time
}

// Validate enforces the ExecutionReport invariants from spec §3.
func (r ExecutionReport) Validate() error {
	if r.ClientOrderID == "" {
		return fmt.Errorf("barfeed: execution report has empty client order id")
	}
	if !r.FilledQuantity.IsPositive() {
		return fmt.Errorf("barfeed: fill %s has non-positive filled quantity %s", r.ClientOrderID, r.FilledQuantity)
	}
	if r.FillPrice.IsNegative() {
		return fmt.Errorf("barfeed: fill %s has negative price %s", r.ClientOrderID, r.FillPrice)
	}
	if err := money.RequireUTC(r.Timestamp); err != nil {
		return fmt.Errorf("barfeed: fill %s: %w", r.ClientOrderID, err)
	}
	return nil
}

// SignedQuantity returns the fill's quantity signed by side: positive for
// BUY, negative for SELL. This is the Δq the Portfolio Ledger's fill
// algorithm operates on (spec §4.1).
func (r ExecutionReport) SignedQuantity() money.Decimal {
	if r.Side == Sell {
		return r.FilledQuantity.Neg()
	}
	return r.FilledQuantity
}
