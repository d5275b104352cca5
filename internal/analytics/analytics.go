// Package analytics computes performance metrics from a ledger's closed
// trade log: win rate, total and average P&L, max drawdown, Sharpe ratio,
// and profit factor. All functions are stateless and operate on a
// snapshot slice of portfolio.TradeLogEntry.
package analytics

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/nitinkhare/tradingcore/internal/portfolio"
)

// Report holds the computed performance metrics for one trade log.
type Report struct {
	TotalFills   int
	WinningFills int
	LosingFills  int
	WinRate      float64 // percentage, 0-100

	TotalPnL    float64
	AveragePnL  float64
	GrossProfit float64
	GrossLoss   float64

	MaxDrawdown    float64
	MaxDrawdownPct float64
	SharpeRatio    float64
	ProfitFactor   float64

	TotalCommission float64
}

// Analyze computes a Report from the ledger's trade log as of the moment
// it was captured. Only "fill" entries with a nonzero realized P&L count
// toward win/loss stats and move the equity curve used for drawdown;
// deposits and withdrawals are skipped, apart from their commission,
// which is summed for every entry.
func Analyze(log []portfolio.TradeLogEntry, initialCapital float64) *Report {
	report := &Report{}
	if len(log) == 0 {
		return report
	}

	sorted := make([]portfolio.TradeLogEntry, len(log))
	copy(sorted, log)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	var pnls []float64
	equity := initialCapital
	peak := equity

	for _, entry := range sorted {
		commission, _ := entry.Commission.Float64()
		report.TotalCommission += commission

		if entry.Kind != "fill" {
			continue
		}
		pnl, _ := entry.RealizedPnL.Float64()
		if pnl == 0 {
			continue
		}

		report.TotalFills++
		report.TotalPnL += pnl
		pnls = append(pnls, pnl)

		if pnl > 0 {
			report.WinningFills++
			report.GrossProfit += pnl
		} else {
			report.LosingFills++
			report.GrossLoss += math.Abs(pnl)
		}

		equity += pnl
		if equity > peak {
			peak = equity
		}
		dd := peak - equity
		if dd > report.MaxDrawdown {
			report.MaxDrawdown = dd
			if peak > 0 {
				report.MaxDrawdownPct = (dd / peak) * 100
			}
		}
	}

	if report.TotalFills == 0 {
		return report
	}

	report.WinRate = float64(report.WinningFills) / float64(report.TotalFills) * 100
	report.AveragePnL = report.TotalPnL / float64(report.TotalFills)

	if report.GrossLoss > 0 {
		report.ProfitFactor = report.GrossProfit / report.GrossLoss
	} else if report.GrossProfit > 0 {
		report.ProfitFactor = math.Inf(1)
	}

	report.SharpeRatio = computeSharpeRatio(pnls)
	return report
}

// computeSharpeRatio annualizes the per-trade P&L series assuming 252
// trading days, matching the teacher's own assumption.
func computeSharpeRatio(pnls []float64) float64 {
	if len(pnls) < 2 {
		return 0
	}
	mean := 0.0
	for _, p := range pnls {
		mean += p
	}
	mean /= float64(len(pnls))

	var variance float64
	for _, p := range pnls {
		d := p - mean
		variance += d * d
	}
	variance /= float64(len(pnls) - 1)
	stddev := math.Sqrt(variance)
	if stddev == 0 {
		return 0
	}
	return (mean / stddev) * math.Sqrt(252)
}

// Format returns a human-readable text summary of the report.
func Format(r *Report) string {
	if r == nil || r.TotalFills == 0 {
		return "No closed fills to analyze."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Fills: %d (win rate %.1f%%, %d winning / %d losing)\n", r.TotalFills, r.WinRate, r.WinningFills, r.LosingFills)
	fmt.Fprintf(&b, "P&L: total %.2f, average %.2f, gross profit %.2f, gross loss %.2f\n", r.TotalPnL, r.AveragePnL, r.GrossProfit, r.GrossLoss)
	fmt.Fprintf(&b, "Profit factor: %.2f\n", r.ProfitFactor)
	fmt.Fprintf(&b, "Max drawdown: %.2f (%.2f%%)\n", r.MaxDrawdown, r.MaxDrawdownPct)
	fmt.Fprintf(&b, "Sharpe ratio (annualized): %.2f\n", r.SharpeRatio)
	fmt.Fprintf(&b, "Total commission paid: %.2f\n", r.TotalCommission)
	return b.String()
}
