// Package main is the entry point for the tradingcore engine.
//
// The engine:
//  1. Loads configuration (and its decimal/duration-typed Built form).
//  2. Constructs every component of the decision pipeline: aggregator,
//     edge checks, Q-learning agent, risk engine, idempotency tracker,
//     the paper or external broker, the capital manager, and the
//     checkpoint worker.
//  3. Restores a prior checkpoint, if one exists, before any bar is
//     processed.
//  4. Wires everything into a session.Coordinator and runs until a
//     signal or manual stop request triggers graceful shutdown.
//
// Modes:
//   - "paper":  trade against the deterministic PaperBroker over a
//     historical bar stream read from disk.
//   - "live":   trade against ExternalBroker, a real brokerage.
//   - "status": print the market calendar's current status and exit.
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/nitinkhare/tradingcore/internal/aggregator"
	"github.com/nitinkhare/tradingcore/internal/analytics"
	"github.com/nitinkhare/tradingcore/internal/barfeed"
	"github.com/nitinkhare/tradingcore/internal/broker"
	"github.com/nitinkhare/tradingcore/internal/capital"
	"github.com/nitinkhare/tradingcore/internal/checkpoint"
	"github.com/nitinkhare/tradingcore/internal/config"
	"github.com/nitinkhare/tradingcore/internal/events"
	"github.com/nitinkhare/tradingcore/internal/idempotency"
	"github.com/nitinkhare/tradingcore/internal/market"
	"github.com/nitinkhare/tradingcore/internal/metrics"
	"github.com/nitinkhare/tradingcore/internal/money"
	"github.com/nitinkhare/tradingcore/internal/pipeline"
	"github.com/nitinkhare/tradingcore/internal/portfolio"
	"github.com/nitinkhare/tradingcore/internal/qlearn"
	"github.com/nitinkhare/tradingcore/internal/risk"
	"github.com/nitinkhare/tradingcore/internal/session"
	"github.com/nitinkhare/tradingcore/internal/storage"
)

func main() {
	configPath := flag.String("config", "config/config.json", "path to configuration file")
	mode := flag.String("mode", "status", "run mode: paper | live | status")
	confirmLive := flag.Bool("confirm-live", false, "required safety flag to run in live trading mode")
	flag.Parse()

	logger := log.New(os.Stdout, "[engine] ", log.LstdFlags|log.Lshortfile)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("failed to load config: %v", err)
	}
	logger.Printf("config loaded: broker=%s mode=%s capital=%s", cfg.ActiveBroker, cfg.TradingMode, cfg.InitialCapital)

	if cfg.TradingMode == config.ModeLive {
		envConfirmed := os.Getenv("TRADINGCORE_LIVE_CONFIRMED") == "true"
		if !*confirmLive || !envConfirmed {
			fmt.Fprintln(os.Stderr, "")
			fmt.Fprintln(os.Stderr, "  ╔═══════════════════════════════════════════════════════════╗")
			fmt.Fprintln(os.Stderr, "  ║                    ⚠  LIVE MODE BLOCKED  ⚠                ║")
			fmt.Fprintln(os.Stderr, "  ╠═══════════════════════════════════════════════════════════╣")
			fmt.Fprintln(os.Stderr, "  ║  Live trading requires TWO explicit confirmations:       ║")
			fmt.Fprintln(os.Stderr, "  ║                                                           ║")
			fmt.Fprintln(os.Stderr, "  ║  1. CLI flag:   --confirm-live                            ║")
			fmt.Fprintln(os.Stderr, "  ║  2. Env var:    TRADINGCORE_LIVE_CONFIRMED=true           ║")
			fmt.Fprintln(os.Stderr, "  ║                                                           ║")
			fmt.Fprintln(os.Stderr, "  ║  Example:                                                 ║")
			fmt.Fprintln(os.Stderr, "  ║  TRADINGCORE_LIVE_CONFIRMED=true go run ./cmd/engine \\     ║")
			fmt.Fprintln(os.Stderr, "  ║    --mode live --confirm-live                             ║")
			fmt.Fprintln(os.Stderr, "  ╚═══════════════════════════════════════════════════════════╝")
			fmt.Fprintln(os.Stderr, "")
			if !*confirmLive {
				fmt.Fprintln(os.Stderr, "  MISSING: --confirm-live flag")
			}
			if !envConfirmed {
				fmt.Fprintln(os.Stderr, "  MISSING: TRADINGCORE_LIVE_CONFIRMED=true environment variable")
			}
			fmt.Fprintln(os.Stderr, "")
			os.Exit(1)
		}
		logger.Println("LIVE MODE ACTIVE — real orders will be placed with the connected brokerage")
	} else {
		logger.Println("PAPER MODE — simulated orders only, no real money at risk")
	}

	built, err := cfg.Build()
	if err != nil {
		logger.Fatalf("failed to build typed config: %v", err)
	}

	cal := loadCalendar(cfg, built, logger)

	if *mode == "status" {
		runStatus(logger, cal, cfg)
		return
	}

	if *mode != "paper" && *mode != "live" {
		logger.Fatalf("unknown mode: %s (expected: paper, live, status)", *mode)
	}

	if err := os.MkdirAll(cfg.Paths.CheckpointDir, 0755); err != nil {
		logger.Fatalf("create checkpoint dir: %v", err)
	}

	ledger, riskEngine := restoreOrInit(cfg, built, logger)

	agent := qlearn.New(built.QLearn, cfg.Session.QLearnSeed)
	if cfg.Paths.QTablePath != "" {
		if err := agent.LoadState(cfg.Paths.QTablePath); err != nil {
			logger.Printf("qtable load: %v (starting from a fresh table)", err)
		}
	}

	idempotencyTTL := time.Duration(cfg.IdempotencyTTLSeconds) * time.Second
	if idempotencyTTL <= 0 {
		idempotencyTTL = 30 * time.Second
	}
	idem := idempotency.New(idempotencyTTL, cfg.Paths.IdempotencyFile)
	if err := idem.Load(time.Now().UTC()); err != nil {
		logger.Printf("idempotency load: %v (starting empty)", err)
	}

	agg := aggregator.New(built.AggregatorRetention, rollupsFrom(built))

	edgeCfg := built.Edgecheck

	var brk broker.Broker
	symbols := symbolNames(built)
	if *mode == "paper" {
		bars, err := loadHistoricalBars(cfg.Session.PaperDataDir, symbols, built.BaseBarInterval)
		if err != nil {
			logger.Fatalf("load historical bars: %v", err)
		}
		logger.Printf("loaded %d historical bars across %d symbols from %s", len(bars), len(symbols), cfg.Session.PaperDataDir)
		paperCfg := broker.PaperConfig{
			SlippageBps:             built.PaperSlippageBps,
			PartialFillProbability:  built.PaperPartialFillProbability,
			PartialFillFraction:     built.PaperPartialFillFraction,
		}
		seed := cfg.Session.PaperSeed
		if seed == 0 {
			seed = 1
		}
		brk = broker.NewPaperBroker(bars, paperCfg, seed)
	} else {
		extCfg := broker.ExternalConfig{
			BaseURL:      cfg.External.BaseURL,
			WebsocketURL: cfg.External.WebsocketURL,
			APIKey:       cfg.External.APIKey,
			DialTimeout:  time.Duration(cfg.External.DialTimeoutSeconds) * time.Second,
			HTTPTimeout:  time.Duration(cfg.External.HTTPTimeoutSeconds) * time.Second,
		}
		brk = broker.NewExternalBroker(extCfg)
	}

	pipe := pipeline.New(pipeline.Config{Symbols: pipelineSymbols(built)}, agg, edgeCfg, agent, riskEngine, idem, brk, ledger)

	var capitalMgr *capital.Manager
	if built.Capital.Mode == capital.FixedWithdrawal {
		capitalMgr = capital.New(built.Capital, time.Time{})
	}

	checkpointMgr := checkpoint.New(cfg.Paths.CheckpointDir, 64)

	sessCfg := session.Config{
		FlattenMinutesBeforeClose: cfg.Market.FlattenMinutesBeforeClose,
		CheckpointEveryNEvents:    cfg.CheckpointEveryNEvents,
		QTablePath:                cfg.Paths.QTablePath,
		CriticalMismatchThreshold: built.CriticalMismatchThreshold,
		InitialReconcileTimeout:   built.InitialReconcileTimeout,
	}
	coord := session.New(sessCfg, ledger, riskEngine, agent, brk, pipe, capitalMgr, checkpointMgr, cal, logger)

	metricsReg := metrics.New()
	bus := events.NewBroadcaster(logger)
	go bus.Run()
	defer bus.Shutdown()

	var store *storage.Store
	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		s, err := storage.Open(ctx, cfg.DatabaseURL)
		cancel()
		if err != nil {
			logger.Printf("WARNING: database not available: %v — audit trail disabled", err)
		} else {
			store = s
			defer store.Close()
			if err := store.Migrate(context.Background()); err != nil {
				logger.Printf("WARNING: migration failed: %v", err)
			}
			logger.Println("database connected — audit trail enabled")
		}
	}
	coord.SetObservability(metricsReg, bus, store)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsReg.Handler())
	mux.HandleFunc("/events", bus.ServeHTTP)
	httpServer := &http.Server{Addr: ":8090", Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("observability http server: %v", err)
		}
	}()

	watcher := config.NewWatcher(*configPath, cfg, logger)
	watcher.OnChange(func(old, new config.Reloadable) {
		logger.Printf("config hot-reload: log_level=%s checkpoint_every_n_events=%d", new.LogLevel, new.CheckpointEveryNEvents)
	})
	if err := watcher.Start(); err != nil {
		logger.Printf("WARNING: config watcher failed to start: %v", err)
	}
	defer watcher.Stop()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := coord.Start(ctx); err != nil {
		logger.Fatalf("session start: %v", err)
	}
	if err := brk.SubscribeBars(symbols, built.Timeframes); err != nil {
		logger.Printf("WARNING: subscribe bars failed: %v", err)
	}
	logger.Printf("session running: state=%s symbols=%v", coord.State(), symbols)

	stopReason := "process shutdown signal"
	if *mode == "paper" {
		// PaperBroker.Start replays its bar stream to completion before
		// returning, so coord.Start has already finished the whole
		// backtest by the time we get here — there is no live signal to
		// wait on.
		logger.Println("paper replay complete, running graceful stop sequence")
		stopReason = "paper replay complete"
	} else {
		<-ctx.Done()
		logger.Println("shutdown signal received, running graceful stop sequence")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	status := coord.Stop(stopCtx, stopReason)
	stopCancel()
	logger.Printf("graceful shutdown outcome=%s attempts=%d", status.Outcome, status.Attempts)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = httpServer.Shutdown(shutdownCtx)
	shutdownCancel()

	report := analytics.Analyze(ledger.TradeLog(), mustFloat(built.InitialCapital))
	logger.Println(analytics.Format(report))
}

// restoreOrInit loads the ledger and risk engine from the prior
// checkpoint's portfolio.json/risk_state.json if present, else builds
// both fresh from config (spec §4.9 step 1).
func restoreOrInit(cfg *config.Config, built config.Built, logger *log.Logger) (*portfolio.Ledger, *risk.Engine) {
	var ledgerSnap portfolio.Snapshot
	foundLedger, err := checkpoint.Load(cfg.Paths.CheckpointDir, "portfolio.json", &ledgerSnap)
	if err != nil {
		logger.Printf("WARNING: portfolio checkpoint unreadable, starting fresh: %v", err)
		foundLedger = false
	}

	var ledger *portfolio.Ledger
	if foundLedger {
		ledger, err = portfolio.Restore(ledgerSnap)
		if err != nil {
			logger.Printf("WARNING: portfolio checkpoint invalid, starting fresh: %v", err)
			ledger = nil
		} else {
			logger.Println("restored portfolio from checkpoint")
		}
	}
	if ledger == nil {
		ledger = portfolio.New(built.InitialCapital)
	}

	now := time.Now().UTC()
	var riskSnap risk.Snapshot
	foundRisk, err := checkpoint.Load(cfg.Paths.CheckpointDir, "risk_state.json", &riskSnap)
	if err != nil {
		logger.Printf("WARNING: risk checkpoint unreadable, starting fresh: %v", err)
		foundRisk = false
	}

	var riskEngine *risk.Engine
	if foundRisk {
		riskEngine, err = risk.Restore(built.Risk, riskSnap)
		if err != nil {
			logger.Printf("WARNING: risk checkpoint invalid, starting fresh: %v", err)
			riskEngine = nil
		} else {
			logger.Println("restored risk state from checkpoint")
		}
	}
	approxPrices := make(map[string]money.Decimal)
	for symbol, pos := range ledger.Positions() {
		approxPrices[symbol] = pos.AverageCost
	}
	approxEquity, err := ledger.GetEquity(approxPrices)
	if err != nil {
		approxEquity = built.InitialCapital
	}

	if riskEngine == nil {
		riskEngine = risk.New(built.Risk, approxEquity, now)
	}
	riskEngine.DailyReset(now, approxEquity)

	return ledger, riskEngine
}

// loadCalendar builds the exchange calendar from the configured holiday
// file, or an empty calendar (no holidays, no early closes) if none is
// configured — paper-mode backtests over synthetic data often have no
// calendar file at all.
func loadCalendar(cfg *config.Config, built config.Built, logger *log.Logger) *market.Calendar {
	if cfg.Market.CalendarPath == "" {
		return market.NewCalendarFromData(built.Market, nil, nil)
	}
	cal, err := market.NewCalendar(built.Market, cfg.Market.CalendarPath)
	if err != nil {
		logger.Printf("WARNING: calendar load failed (%v), proceeding with no holidays", err)
		return market.NewCalendarFromData(built.Market, nil, nil)
	}
	return cal
}

// runStatus prints the current market-calendar status and exits, mirroring
// the teacher's "status" mode.
func runStatus(logger *log.Logger, cal *market.Calendar, cfg *config.Config) {
	now := time.Now().UTC()
	logger.Println("=== System Status ===")
	logger.Printf("Time (UTC): %s", now.Format("2006-01-02 15:04:05"))
	logger.Printf("Trading day: %v", cal.IsTradingDay(now))
	logger.Printf("Market open: %v", cal.IsMarketOpen(now))
	logger.Printf("Mode: %s", cfg.TradingMode)
	logger.Printf("Broker: %s", cfg.ActiveBroker)
	if reason := cal.HolidayReason(now); reason != "" {
		logger.Printf("Holiday: %s", reason)
	}
}

// rollupsFrom derives the aggregator's source-timeframe -> coarser-
// timeframes map: every configured timeframe above the base interval
// rolls up directly from the base bar.
func rollupsFrom(built config.Built) map[time.Duration][]time.Duration {
	if built.BaseBarInterval <= 0 || len(built.Timeframes) == 0 {
		return nil
	}
	var coarser []time.Duration
	for _, tf := range built.Timeframes {
		if tf > built.BaseBarInterval {
			coarser = append(coarser, tf)
		}
	}
	if len(coarser) == 0 {
		return nil
	}
	return map[time.Duration][]time.Duration{built.BaseBarInterval: coarser}
}

func symbolNames(built config.Built) []string {
	names := make([]string, 0, len(built.Symbols))
	for s := range built.Symbols {
		names = append(names, s)
	}
	sort.Strings(names)
	return names
}

func pipelineSymbols(built config.Built) map[string]pipeline.SymbolConfig {
	out := make(map[string]pipeline.SymbolConfig, len(built.Symbols))
	for symbol, s := range built.Symbols {
		primary := s.PrimaryTimeframe
		if primary <= 0 {
			primary = built.BaseBarInterval
		}
		out[symbol] = pipeline.SymbolConfig{
			Multiplier:       s.Multiplier,
			PrimaryTimeframe: primary,
			ConfirmTimeframe: s.ConfirmTimeframe,
			MinDeltaQuantity: s.MinDeltaQuantity,
			HistoryLookback:  s.HistoryLookback,
		}
	}
	return out
}

// loadHistoricalBars reads one CSV file per symbol from dir (named
// SYMBOL.csv, columns timestamp,open,high,low,close,volume with an
// RFC3339 UTC timestamp) to build the chronological bar stream
// PaperBroker replays. This is the bar-stream producer contract the
// specification leaves external to the core engine — only the shape the
// paper simulator needs is implemented here, not a general data-loading
// framework.
func loadHistoricalBars(dir string, symbols []string, timeframe time.Duration) ([]barfeed.Bar, error) {
	if dir == "" {
		return nil, fmt.Errorf("session.paper_data_dir is required in paper mode")
	}
	var all []barfeed.Bar
	for _, symbol := range symbols {
		path := filepath.Join(dir, symbol+".csv")
		bars, err := loadSymbolCSV(path, symbol, timeframe)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", symbol, err)
		}
		all = append(all, bars...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Timestamp.Before(all[j].Timestamp) })
	return all, nil
}

func loadSymbolCSV(path, symbol string, timeframe time.Duration) ([]barfeed.Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	wantHeader := []string{"timestamp", "open", "high", "low", "close", "volume"}
	for i, col := range wantHeader {
		if i >= len(header) || strings.TrimSpace(strings.ToLower(header[i])) != col {
			return nil, fmt.Errorf("unexpected header, want %v", wantHeader)
		}
	}

	var bars []barfeed.Bar
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read record: %w", err)
		}
		if len(record) < 6 {
			continue
		}
		ts, err := time.Parse(time.RFC3339, record[0])
		if err != nil {
			return nil, fmt.Errorf("parse timestamp %q: %w", record[0], err)
		}
		open, err := money.ParseDecimal(record[1])
		if err != nil {
			return nil, fmt.Errorf("parse open %q: %w", record[1], err)
		}
		high, err := money.ParseDecimal(record[2])
		if err != nil {
			return nil, fmt.Errorf("parse high %q: %w", record[2], err)
		}
		low, err := money.ParseDecimal(record[3])
		if err != nil {
			return nil, fmt.Errorf("parse low %q: %w", record[3], err)
		}
		closeP, err := money.ParseDecimal(record[4])
		if err != nil {
			return nil, fmt.Errorf("parse close %q: %w", record[4], err)
		}
		volume, err := money.ParseDecimal(record[5])
		if err != nil {
			return nil, fmt.Errorf("parse volume %q: %w", record[5], err)
		}
		bar := barfeed.Bar{
			Symbol: symbol, Timeframe: timeframe, Timestamp: ts.UTC(),
			Open: open, High: high, Low: low, Close: closeP, Volume: volume,
		}
		if err := bar.Validate(); err != nil {
			return nil, fmt.Errorf("invalid bar: %w", err)
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func mustFloat(d money.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
