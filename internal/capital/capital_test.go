package capital

import (
	"testing"
	"time"

	"github.com/nitinkhare/tradingcore/internal/money"
	"github.com/shopspring/decimal"
)

func dec(s string) money.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestMaybeCheck_CompoundingNeverWithdraws(t *testing.T) {
	m := New(Config{Mode: Compounding, CheckEveryNBars: 1}, time.Time{})
	_, ok := m.MaybeCheck(time.Now().UTC(), dec("1000000"), dec("1000000"))
	if ok {
		t.Fatalf("compounding mode should never withdraw")
	}
}

func TestMaybeCheck_FixedWithdrawal_BelowThresholdDoesNothing(t *testing.T) {
	cfg := Config{Mode: FixedWithdrawal, TargetCapital: dec("100000"), WithdrawalThreshold: dec("5000"), Frequency: Daily, CheckEveryNBars: 1}
	m := New(cfg, time.Time{})
	_, ok := m.MaybeCheck(time.Now().UTC(), dec("103000"), dec("103000"))
	if ok {
		t.Fatalf("expected no withdrawal below target+threshold")
	}
}

func TestMaybeCheck_FixedWithdrawal_AboveThresholdWithdraws(t *testing.T) {
	cfg := Config{Mode: FixedWithdrawal, TargetCapital: dec("100000"), WithdrawalThreshold: dec("5000"), Frequency: Daily, CheckEveryNBars: 1}
	m := New(cfg, time.Time{})
	now := time.Date(2026, 1, 5, 16, 0, 0, 0, time.UTC)
	amount, ok := m.MaybeCheck(now, dec("110000"), dec("110000"))
	if !ok {
		t.Fatalf("expected a withdrawal")
	}
	if !amount.Equal(dec("10000")) {
		t.Fatalf("expected withdrawal of 10000 (equity - target), got %s", amount)
	}
}

func TestMaybeCheck_NeverExceedsFreeCash(t *testing.T) {
	cfg := Config{Mode: FixedWithdrawal, TargetCapital: dec("100000"), WithdrawalThreshold: dec("5000"), Frequency: Daily, CheckEveryNBars: 1}
	m := New(cfg, time.Time{})
	now := time.Date(2026, 1, 5, 16, 0, 0, 0, time.UTC)
	// Equity is 110000 but only 2000 is free cash (rest tied up in positions).
	amount, ok := m.MaybeCheck(now, dec("110000"), dec("2000"))
	if !ok {
		t.Fatalf("expected a (capped) withdrawal")
	}
	if !amount.Equal(dec("2000")) {
		t.Fatalf("expected withdrawal capped at free cash 2000, got %s", amount)
	}
}

func TestMaybeCheck_RespectsCooldownFrequency(t *testing.T) {
	cfg := Config{Mode: FixedWithdrawal, TargetCapital: dec("100000"), WithdrawalThreshold: dec("5000"), Frequency: Daily, CheckEveryNBars: 1}
	now := time.Date(2026, 1, 5, 16, 0, 0, 0, time.UTC)
	m := New(cfg, now)
	_, ok := m.MaybeCheck(now.Add(time.Hour), dec("200000"), dec("200000"))
	if ok {
		t.Fatalf("expected cooldown to block a second withdrawal within the same day")
	}
}

func TestMaybeCheck_SkipsUntilCadenceReached(t *testing.T) {
	cfg := Config{Mode: FixedWithdrawal, TargetCapital: dec("100000"), WithdrawalThreshold: dec("5000"), Frequency: Daily, CheckEveryNBars: 3}
	m := New(cfg, time.Time{})
	now := time.Date(2026, 1, 5, 16, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		if _, ok := m.MaybeCheck(now, dec("200000"), dec("200000")); ok {
			t.Fatalf("expected no check before cadence is reached")
		}
	}
	if _, ok := m.MaybeCheck(now, dec("200000"), dec("200000")); !ok {
		t.Fatalf("expected check to fire on the 3rd bar")
	}
}
