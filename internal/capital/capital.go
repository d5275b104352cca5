// Package capital implements the two capital-management modes from spec
// §4.12: compounding (no action) and fixed-capital-with-withdrawal
// (periodically sweeps profit above a target back out of the account).
package capital

import (
	"fmt"
	"sync"
	"time"

	"github.com/nitinkhare/tradingcore/internal/money"
)

// Mode selects the capital-management strategy.
type Mode string

const (
	Compounding     Mode = "compounding"
	FixedWithdrawal Mode = "fixed_withdrawal"
)

// Frequency is the minimum spacing between withdrawals.
type Frequency string

const (
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
)

func (f Frequency) duration() time.Duration {
	switch f {
	case Daily:
		return 24 * time.Hour
	case Weekly:
		return 7 * 24 * time.Hour
	case Monthly:
		return 30 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// Config holds the manager's parameters (spec §6).
type Config struct {
	Mode                Mode
	TargetCapital       money.Decimal
	WithdrawalThreshold money.Decimal
	Frequency           Frequency
	CheckEveryNBars     int
}

// AuditRecord logs a single withdrawal for the checkpointed capital
// ledger.
type AuditRecord struct {
	Timestamp time.Time
	Amount    money.Decimal
	Equity    money.Decimal
	Reason    string
}

// Manager tracks withdrawal cadence and produces WithdrawCash decisions;
// it never touches the portfolio ledger directly — the session
// coordinator applies the returned amount via ledger.WithdrawCash so the
// cash-equity invariant is enforced in one place.
type Manager struct {
	mu              sync.Mutex
	cfg             Config
	lastWithdrawal  time.Time
	barsSinceCheck  int
	auditLog        []AuditRecord
}

// New creates a Manager. lastWithdrawal seeds the cooldown clock (zero
// value means "never withdrawn", so the first eligible check can fire
// immediately).
func New(cfg Config, lastWithdrawal time.Time) *Manager {
	return &Manager{cfg: cfg, lastWithdrawal: lastWithdrawal}
}

// MaybeCheck is called by the coordinator once per bar; it only performs
// the actual evaluation every CheckEveryNBars calls (spec §4.12's "fixed
// cadence"). cash is the ledger's free cash, never including position
// notional — withdrawals only ever draw from cash.
func (m *Manager) MaybeCheck(now time.Time, equity, cash money.Decimal) (withdraw money.Decimal, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.barsSinceCheck++
	if m.cfg.CheckEveryNBars > 0 && m.barsSinceCheck < m.cfg.CheckEveryNBars {
		return money.Zero, false
	}
	m.barsSinceCheck = 0

	if m.cfg.Mode != FixedWithdrawal {
		return money.Zero, false
	}

	if !m.lastWithdrawal.IsZero() && now.Sub(m.lastWithdrawal) < m.cfg.Frequency.duration() {
		return money.Zero, false
	}

	threshold := m.cfg.TargetCapital.Add(m.cfg.WithdrawalThreshold)
	if equity.LessThan(threshold) {
		return money.Zero, false
	}

	amount := equity.Sub(m.cfg.TargetCapital)
	if amount.GreaterThan(cash) {
		amount = cash // never liquidate positions to fund a withdrawal
	}
	if !amount.IsPositive() {
		return money.Zero, false
	}

	m.lastWithdrawal = now
	m.auditLog = append(m.auditLog, AuditRecord{
		Timestamp: now, Amount: amount, Equity: equity,
		Reason: fmt.Sprintf("equity %s reached target+threshold %s", equity, threshold),
	})
	return amount, true
}

// AuditLog returns a copy of the recorded withdrawals, most recent last.
func (m *Manager) AuditLog() []AuditRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AuditRecord, len(m.auditLog))
	copy(out, m.auditLog)
	return out
}

// LastWithdrawal returns the timestamp of the most recent withdrawal, or
// the zero time if none has occurred.
func (m *Manager) LastWithdrawal() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastWithdrawal
}
