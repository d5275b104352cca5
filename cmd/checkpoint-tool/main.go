// Package main - Checkpoint Inspector CLI
// Shows portfolio, risk, and performance state from a checkpoint
// directory without starting the engine.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/nitinkhare/tradingcore/internal/analytics"
	"github.com/nitinkhare/tradingcore/internal/checkpoint"
	"github.com/nitinkhare/tradingcore/internal/money"
	"github.com/nitinkhare/tradingcore/internal/portfolio"
	"github.com/nitinkhare/tradingcore/internal/risk"
)

const (
	Reset  = "\033[0m"
	Red    = "\033[0;31m"
	Green  = "\033[0;32m"
	Yellow = "\033[1;33m"
	Cyan   = "\033[0;36m"
)

func main() {
	dirFlag := flag.String("checkpoint-dir", "data/checkpoints", "directory containing portfolio.json and risk_state.json")
	initialCapitalFlag := flag.String("initial-capital", "100000", "initial capital, for the performance report's return calculation")
	flag.Parse()

	var ledgerSnap portfolio.Snapshot
	foundLedger, err := checkpoint.Load(*dirFlag, "portfolio.json", &ledgerSnap)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read portfolio.json: %v\n", err)
		os.Exit(1)
	}
	if !foundLedger {
		fmt.Fprintf(os.Stderr, "no portfolio.json found in %s\n", *dirFlag)
		os.Exit(1)
	}
	ledger, err := portfolio.Restore(ledgerSnap)
	if err != nil {
		fmt.Fprintf(os.Stderr, "restore portfolio: %v\n", err)
		os.Exit(1)
	}

	var riskSnap risk.Snapshot
	foundRisk, err := checkpoint.Load(*dirFlag, "risk_state.json", &riskSnap)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read risk_state.json: %v\n", err)
		os.Exit(1)
	}

	displayPortfolio(ledger)
	if foundRisk {
		displayRisk(riskSnap)
	} else {
		fmt.Printf("\n%sRisk state:%s no risk_state.json found\n", Yellow, Reset)
	}

	initialCapital, err := money.ParseDecimal(*initialCapitalFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -initial-capital: %v\n", err)
		os.Exit(1)
	}
	ic, _ := initialCapital.Float64()
	report := analytics.Analyze(ledger.TradeLog(), ic)
	fmt.Println()
	fmt.Println(analytics.Format(report))
}

func displayPortfolio(ledger *portfolio.Ledger) {
	fmt.Printf("%s=== Portfolio ===%s\n", Cyan, Reset)
	fmt.Printf("Cash:                    %s\n", ledger.Cash())
	fmt.Printf("Realized PnL (cum.):     %s\n", colorSigned(ledger.RealizedPnLCumulative()))
	fmt.Printf("Commissions paid (cum.): %s\n", ledger.CommissionsPaidCumulative())

	positions := ledger.Positions()
	if len(positions) == 0 {
		fmt.Println("Open positions:          none")
		return
	}
	fmt.Printf("Open positions (%d):\n", len(positions))
	for symbol, pos := range positions {
		fmt.Printf("  %-8s qty=%-12s avg_cost=%-12s multiplier=%d\n", symbol, pos.Quantity, pos.AverageCost, pos.Multiplier)
	}
}

func displayRisk(snap risk.Snapshot) {
	fmt.Printf("\n%s=== Risk Engine ===%s\n", Cyan, Reset)
	fmt.Printf("Daily start equity: %s\n", snap.DailyStartEquity)
	fmt.Printf("Peak equity:        %s\n", snap.PeakEquity)
	fmt.Printf("Daily realized PnL: %s\n", snap.DailyRealizedPnL)
	fmt.Printf("Current date:       %s\n", snap.CurrentDate)
	if snap.Halt == risk.Running {
		fmt.Printf("Halt state:         %sRUNNING%s\n", Green, Reset)
	} else {
		fmt.Printf("Halt state:         %s%s%s (%s)\n", Red, snap.Halt, Reset, snap.HaltReason)
	}
}

func colorSigned(d money.Decimal) string {
	if d.Sign() < 0 {
		return Red + d.String() + Reset
	}
	return Green + d.String() + Reset
}
