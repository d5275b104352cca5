// Package money provides the exact-decimal and UTC-instant primitives the
// rest of the engine builds on.
//
// Design rules:
//   - No float64 ever enters a monetary or quantity field. Floats are only
//     permitted inside the statistics the Q-learning agent discretizes
//     (volatility, ratios) — never in the ledger.
//   - Every timestamp the engine stores or compares is UTC. Naive timestamps
//     are rejected at the boundary (see RequireUTC).
package money

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Decimal is the exact-precision type used for every price, quantity, and
// cash amount in the engine.
type Decimal = decimal.Decimal

// Zero is the additive identity, exported for readability at call sites.
var Zero = decimal.Zero

// NewFromInt builds a Decimal from an integer share count.
func NewFromInt(i int64) Decimal {
	return decimal.NewFromInt(i)
}

// ParseDecimal parses a decimal string, as used when restoring a checkpoint.
func ParseDecimal(s string) (Decimal, error) {
	return decimal.NewFromString(s)
}

// Sign returns -1, 0, or 1, matching math.Signbit semantics for decimals.
func Sign(d Decimal) int {
	return d.Sign()
}

// NewFromFloat builds a Decimal from a float64 statistic computed inside
// the Q-learning agent's discretization pipeline — the one place floats
// are permitted (spec §9) — before it re-enters exact-decimal territory.
func NewFromFloat(f float64) Decimal {
	return decimal.NewFromFloat(f)
}

// MustParse parses a decimal literal, panicking on error. Reserved for
// constants baked into code (default config values, test fixtures) where
// the input is known at compile time, never for untrusted input.
func MustParse(s string) Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(fmt.Sprintf("money: invalid decimal literal %q: %v", s, err))
	}
	return d
}

// RequireUTC validates that t carries UTC location information and is not
// the zero value. The source's "naive timestamps are rejected" invariant
// (spec §6) is enforced here, at the single boundary every bar and fill
// passes through.
func RequireUTC(t time.Time) error {
	if t.IsZero() {
		return fmt.Errorf("money: timestamp is zero")
	}
	if t.Location() != time.UTC {
		return fmt.Errorf("money: timestamp %s is not UTC-aware", t.Format(time.RFC3339))
	}
	return nil
}

// UTCDate truncates t to its UTC calendar date, used for daily risk
// rotation and EOD-flatten one-shot tracking. Never use the local calendar
// date — spec §4.2 is explicit that daily rotation is always UTC.
func UTCDate(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// FormatTimestamp renders t as RFC3339 UTC for checkpoint serialization.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTimestamp is the inverse of FormatTimestamp.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("money: parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
