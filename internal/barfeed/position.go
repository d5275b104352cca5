package barfeed

import (
	"time"

	"github.com/nitinkhare/tradingcore/internal/money"
)

// Position is a snapshot of a single symbol's holding. Quantity is signed:
// positive is long, negative is short, zero means the position is absent
// (and is removed from the owning Portfolio's map — spec §3).
type Position struct {
	Symbol         string
	Quantity       money.Decimal
	AverageCost    money.Decimal
	Multiplier     int
	EntryTimestamp time.Time
}

// IsFlat reports whether the position carries no quantity.
func (p Position) IsFlat() bool {
	return p.Quantity.IsZero()
}

// NotionalValue returns quantity * price * multiplier, signed.
func (p Position) NotionalValue(price money.Decimal) money.Decimal {
	return p.Quantity.Mul(price).Mul(money.NewFromInt(int64(p.Multiplier)))
}
