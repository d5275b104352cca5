// Package config provides application-wide configuration management.
// All configuration is loaded from a JSON file plus environment variable
// overrides; nothing governing trading behavior is hardcoded into the
// session coordinator, risk engine, or Q-learning agent.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nitinkhare/tradingcore/internal/capital"
	"github.com/nitinkhare/tradingcore/internal/edgecheck"
	"github.com/nitinkhare/tradingcore/internal/market"
	"github.com/nitinkhare/tradingcore/internal/money"
	"github.com/nitinkhare/tradingcore/internal/qlearn"
	"github.com/nitinkhare/tradingcore/internal/risk"
)

// Mode controls whether the engine trades against the paper simulator or
// a live brokerage.
type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

// Config holds all system configuration as read from disk. Decimal
// fields are strings — JSON has no exact decimal type, and this is the
// boundary where text is parsed into money.Decimal, once, at Build time.
type Config struct {
	ActiveBroker string `json:"active_broker"`
	TradingMode  Mode   `json:"trading_mode"`

	InitialCapital string `json:"initial_capital"`

	Risk       RiskConfig       `json:"risk"`
	QLearn     QLearnConfig     `json:"qlearn"`
	Edgecheck  EdgecheckConfig  `json:"edgecheck"`
	Capital    CapitalConfig    `json:"capital"`
	Paths      PathsConfig      `json:"paths"`
	External   ExternalConfig   `json:"external_broker"`
	Market     MarketConfig     `json:"market"`
	Session    SessionConfig    `json:"session"`
	Reconciliation ReconciliationConfig `json:"reconciliation"`

	DatabaseURL string `json:"database_url"`

	IdempotencyTTLSeconds  int    `json:"idempotency_ttl_seconds"`
	LogLevel               string `json:"log_level"`
	CheckpointEveryNEvents int    `json:"checkpoint_every_n_events"`
}

// RiskConfig is the JSON shape of risk.Config; percentages and amounts
// are decimal strings. This subset is never hot-reloadable (spec §4.2,
// §6): changing it mid-session would let safety thresholds move under a
// running strategy.
type RiskConfig struct {
	MaxPositionPct           string `json:"max_position_pct"`
	MaxConcurrentPositions   int    `json:"max_concurrent_positions"`
	MaxOrdersPerWindow       int    `json:"max_orders_per_window"`
	OrderWindowSeconds       int    `json:"order_window_seconds"`
	MaxDailyLossPct          string `json:"max_daily_loss_pct"`
	MaxDrawdownPct           string `json:"max_drawdown_pct"`
	MinimumBalance           string `json:"minimum_balance"`
	MinimumBalanceEnabled    bool   `json:"minimum_balance_enabled"`
	// RateLimitBypassesWhenHalted controls whether reducing orders skip
	// the rate limiter while halted (spec §9 Open Questions). Defaults to
	// false: the rate limit still applies.
	RateLimitBypassesWhenHalted bool `json:"rate_limit_bypasses_when_halted"`
}

// ReconciliationConfig is the JSON shape of the spec §6 reconciliation
// options: the mismatch threshold that triggers HALTED_RECONCILIATION and
// the timeout for the startup reconcile call.
type ReconciliationConfig struct {
	CriticalMismatchThreshold       string `json:"critical_mismatch_threshold"`
	InitialReconcileTimeoutSeconds  int    `json:"initial_reconcile_timeout_seconds"`
}

// QLearnConfig is the JSON shape of qlearn.Config.
type QLearnConfig struct {
	Epsilon             float64 `json:"epsilon"`
	EpsilonMin          float64 `json:"epsilon_min"`
	EpsilonDecayRate    float64 `json:"epsilon_decay_rate"`
	Alpha               float64 `json:"alpha"`
	Gamma               float64 `json:"gamma"`
	MaxStates           int     `json:"max_states"`
	LowVolThreshold     float64 `json:"low_vol_threshold"`
	HighVolThreshold    float64 `json:"high_vol_threshold"`
	ShortMAWindow       int     `json:"short_ma_window"`
	LongMAWindow        int     `json:"long_ma_window"`
	BaseSizeFraction    string  `json:"base_size_fraction"`
	MaxPositionPct      string  `json:"max_position_pct"`
	MinConfidence       string  `json:"min_confidence"`
	RiskPenalty         float64 `json:"risk_penalty"`
	TransactionCost     float64 `json:"transaction_cost"`
	BrokerMinimumShares string  `json:"broker_minimum_shares"`
	QValueDecayLambda   float64 `json:"q_value_decay_lambda"`
	QValueDecayEveryN   int     `json:"q_value_decay_every_n_events"`
}

// EdgecheckConfig is the JSON shape of edgecheck.Config.
type EdgecheckConfig struct {
	StaleThresholdSeconds int    `json:"stale_threshold_seconds"`
	ChaseThresholdPct     string `json:"chase_threshold_pct"`
	LowLiquidityFraction  string `json:"low_liquidity_fraction"`
	CircuitBreakerStreak  int    `json:"circuit_breaker_streak"`
}

// CapitalConfig selects compounding vs fixed-capital-with-withdrawal mode
// (spec §4.12).
type CapitalConfig struct {
	Mode                 string `json:"mode"` // "compounding" or "fixed_withdrawal"
	TargetCapital        string `json:"target_capital"`
	WithdrawalThreshold  string `json:"withdrawal_threshold"`
	WithdrawalFrequency  string `json:"withdrawal_frequency"` // daily/weekly/monthly
	CheckEveryNBars      int    `json:"check_every_n_bars"`
}

// PathsConfig defines filesystem paths the engine reads/writes.
type PathsConfig struct {
	CheckpointDir   string `json:"checkpoint_dir"`
	IdempotencyFile string `json:"idempotency_file"`
	QTablePath      string `json:"qtable_path"`
	LogDir          string `json:"log_dir"`
}

// ExternalConfig is the JSON shape of broker.ExternalConfig, plus an
// inbound webhook port and path that no component reads; cmd/engine uses
// this section only in live mode.
type ExternalConfig struct {
	BaseURL              string `json:"base_url"`
	WebsocketURL         string `json:"websocket_url"`
	APIKey               string `json:"api_key"`
	DialTimeoutSeconds   int    `json:"dial_timeout_seconds"`
	HTTPTimeoutSeconds   int    `json:"http_timeout_seconds"`
	WebhookPort          int    `json:"webhook_port"`
	WebhookPath          string `json:"webhook_path"`
}

// MarketConfig is the JSON shape of market.Config plus the calendar data
// file path.
type MarketConfig struct {
	TimeZone           string `json:"timezone"`
	OpenHour           int    `json:"open_hour"`
	OpenMinute         int    `json:"open_minute"`
	CloseHour          int    `json:"close_hour"`
	CloseMinute        int    `json:"close_minute"`
	CalendarPath       string `json:"calendar_path"`
	FlattenMinutesBeforeClose int `json:"flatten_minutes_before_close"`
}

// SymbolEntry is the JSON shape of one traded symbol's pipeline
// parameterization (spec §4.7's SymbolConfig, plus the contract
// multiplier from spec §3's Order/Position).
type SymbolEntry struct {
	Symbol                  string `json:"symbol"`
	Multiplier              int    `json:"multiplier"`
	PrimaryTimeframeSeconds int    `json:"primary_timeframe_seconds"`
	ConfirmTimeframeSeconds int    `json:"confirm_timeframe_seconds"` // 0 disables cross-timeframe confirmation
	MinDeltaQuantity        string `json:"min_delta_quantity"`
	HistoryLookback         int    `json:"history_lookback"`
}

// SessionConfig carries the spec §6 options that are neither a single
// decimal nor owned by one existing subsystem config: the traded
// universe, the base bar interval and its rollup timeframes, warmup
// depth, and the paper simulator's tunables.
type SessionConfig struct {
	Symbols                     []SymbolEntry `json:"symbols"`
	BaseBarIntervalSeconds      int           `json:"base_bar_interval_seconds"`
	TimeframesSeconds           []int         `json:"timeframes_seconds"`
	WarmupBars                  int           `json:"warmup_bars"`
	AggregatorRetention         int           `json:"aggregator_retention"`
	PaperDataDir                string        `json:"paper_data_dir"`
	PaperSlippageBps            string        `json:"paper_slippage_bps"`
	PaperPartialFillProbability float64       `json:"paper_partial_fill_probability"`
	PaperPartialFillFraction    float64       `json:"paper_partial_fill_fraction"`
	PaperSeed                   int64         `json:"paper_seed"`
	QLearnSeed                  int64         `json:"qlearn_seed"`
}

// Load reads configuration from a JSON file, applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve path: %w", err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config: read file %s: %w", absPath, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse json: %w", err)
	}

	if v := os.Getenv("TRADINGCORE_TRADING_MODE"); v != "" {
		cfg.TradingMode = Mode(v)
	}
	if v := os.Getenv("TRADINGCORE_DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("TRADINGCORE_ACTIVE_BROKER"); v != "" {
		cfg.ActiveBroker = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks structural and sanity constraints. It does not build
// the typed subsystem configs — see Build for that, which also surfaces
// decimal-parse errors.
func (c *Config) Validate() error {
	if c.ActiveBroker == "" {
		return fmt.Errorf("active_broker is required")
	}
	if c.TradingMode != ModePaper && c.TradingMode != ModeLive {
		return fmt.Errorf("trading_mode must be 'paper' or 'live', got %q", c.TradingMode)
	}
	if c.InitialCapital == "" {
		return fmt.Errorf("initial_capital is required")
	}
	if c.Risk.MaxConcurrentPositions <= 0 {
		return fmt.Errorf("risk.max_concurrent_positions must be positive")
	}
	if c.Paths.CheckpointDir == "" {
		return fmt.Errorf("paths.checkpoint_dir is required")
	}
	if c.TradingMode == ModeLive {
		if c.External.BaseURL == "" || c.External.WebsocketURL == "" {
			return fmt.Errorf("external_broker.base_url and websocket_url are required in live mode")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("database_url is required in live mode (audit trail)")
		}
	}
	return nil
}

// BuiltSymbol is one symbol's parsed pipeline parameterization.
type BuiltSymbol struct {
	Multiplier       int
	PrimaryTimeframe time.Duration
	ConfirmTimeframe time.Duration
	MinDeltaQuantity money.Decimal
	HistoryLookback  int
}

// Built holds every subsystem's fully-typed, ready-to-construct
// configuration, produced once from the raw JSON Config.
type Built struct {
	InitialCapital money.Decimal
	Risk           risk.Config
	QLearn         qlearn.Config
	Edgecheck      edgecheck.Config
	Market         market.Config
	Capital        capital.Config

	Symbols             map[string]BuiltSymbol
	BaseBarInterval     time.Duration
	Timeframes          []time.Duration
	WarmupBars          int
	AggregatorRetention int

	PaperSlippageBps            money.Decimal
	PaperPartialFillProbability float64
	PaperPartialFillFraction    float64

	CriticalMismatchThreshold      money.Decimal
	InitialReconcileTimeout        time.Duration
}

// Build parses every decimal string and assembles the typed subsystem
// configs. Called once at startup; its output, not the raw Config, is
// what session.Coordinator and its components are constructed from.
func (c *Config) Build() (Built, error) {
	var b Built
	var err error

	if b.InitialCapital, err = money.ParseDecimal(c.InitialCapital); err != nil {
		return b, fmt.Errorf("config: initial_capital: %w", err)
	}

	if b.Risk.MaxPositionPct, err = money.ParseDecimal(c.Risk.MaxPositionPct); err != nil {
		return b, fmt.Errorf("config: risk.max_position_pct: %w", err)
	}
	if b.Risk.MaxDailyLossPct, err = money.ParseDecimal(c.Risk.MaxDailyLossPct); err != nil {
		return b, fmt.Errorf("config: risk.max_daily_loss_pct: %w", err)
	}
	if b.Risk.MaxDrawdownPct, err = money.ParseDecimal(c.Risk.MaxDrawdownPct); err != nil {
		return b, fmt.Errorf("config: risk.max_drawdown_pct: %w", err)
	}
	if b.Risk.MinimumBalance, err = money.ParseDecimal(c.Risk.MinimumBalance); err != nil {
		return b, fmt.Errorf("config: risk.minimum_balance: %w", err)
	}
	b.Risk.MaxConcurrentPositions = c.Risk.MaxConcurrentPositions
	b.Risk.MaxOrdersPerWindow = c.Risk.MaxOrdersPerWindow
	b.Risk.OrderWindowSeconds = c.Risk.OrderWindowSeconds
	b.Risk.MinimumBalanceEnabled = c.Risk.MinimumBalanceEnabled
	b.Risk.RateLimitBypassesWhenHalted = c.Risk.RateLimitBypassesWhenHalted

	if b.QLearn.BaseSizeFraction, err = money.ParseDecimal(c.QLearn.BaseSizeFraction); err != nil {
		return b, fmt.Errorf("config: qlearn.base_size_fraction: %w", err)
	}
	if b.QLearn.MaxPositionPct, err = money.ParseDecimal(c.QLearn.MaxPositionPct); err != nil {
		return b, fmt.Errorf("config: qlearn.max_position_pct: %w", err)
	}
	if b.QLearn.MinConfidence, err = money.ParseDecimal(c.QLearn.MinConfidence); err != nil {
		return b, fmt.Errorf("config: qlearn.min_confidence: %w", err)
	}
	if b.QLearn.BrokerMinimumShares, err = money.ParseDecimal(c.QLearn.BrokerMinimumShares); err != nil {
		return b, fmt.Errorf("config: qlearn.broker_minimum_shares: %w", err)
	}
	b.QLearn.Epsilon = c.QLearn.Epsilon
	b.QLearn.EpsilonMin = c.QLearn.EpsilonMin
	b.QLearn.EpsilonDecayRate = c.QLearn.EpsilonDecayRate
	b.QLearn.Alpha = c.QLearn.Alpha
	b.QLearn.Gamma = c.QLearn.Gamma
	b.QLearn.MaxStates = c.QLearn.MaxStates
	b.QLearn.LowVolThreshold = c.QLearn.LowVolThreshold
	b.QLearn.HighVolThreshold = c.QLearn.HighVolThreshold
	b.QLearn.ShortMAWindow = c.QLearn.ShortMAWindow
	b.QLearn.LongMAWindow = c.QLearn.LongMAWindow
	b.QLearn.RiskPenalty = c.QLearn.RiskPenalty
	b.QLearn.TransactionCost = c.QLearn.TransactionCost

	if b.Edgecheck.ChaseThresholdPct, err = money.ParseDecimal(c.Edgecheck.ChaseThresholdPct); err != nil {
		return b, fmt.Errorf("config: edgecheck.chase_threshold_pct: %w", err)
	}
	if b.Edgecheck.LowLiquidityFraction, err = money.ParseDecimal(c.Edgecheck.LowLiquidityFraction); err != nil {
		return b, fmt.Errorf("config: edgecheck.low_liquidity_fraction: %w", err)
	}
	b.Edgecheck.StaleThreshold = time.Duration(c.Edgecheck.StaleThresholdSeconds) * time.Second
	b.Edgecheck.CircuitBreakerStreak = c.Edgecheck.CircuitBreakerStreak

	loc, err := time.LoadLocation(c.Market.TimeZone)
	if err != nil {
		return b, fmt.Errorf("config: market.timezone: %w", err)
	}
	b.Market = market.Config{
		Location: loc, OpenHour: c.Market.OpenHour, OpenMinute: c.Market.OpenMinute,
		CloseHour: c.Market.CloseHour, CloseMinute: c.Market.CloseMinute,
	}

	b.Capital.Mode = capital.Mode(c.Capital.Mode)
	b.Capital.Frequency = capital.Frequency(c.Capital.WithdrawalFrequency)
	b.Capital.CheckEveryNBars = c.Capital.CheckEveryNBars
	if c.Capital.TargetCapital != "" {
		if b.Capital.TargetCapital, err = money.ParseDecimal(c.Capital.TargetCapital); err != nil {
			return b, fmt.Errorf("config: capital.target_capital: %w", err)
		}
	}
	if c.Capital.WithdrawalThreshold != "" {
		if b.Capital.WithdrawalThreshold, err = money.ParseDecimal(c.Capital.WithdrawalThreshold); err != nil {
			return b, fmt.Errorf("config: capital.withdrawal_threshold: %w", err)
		}
	}

	b.WarmupBars = c.Session.WarmupBars
	b.AggregatorRetention = c.Session.AggregatorRetention
	if b.AggregatorRetention <= 0 {
		b.AggregatorRetention = 500
	}
	b.BaseBarInterval = time.Duration(c.Session.BaseBarIntervalSeconds) * time.Second
	for _, secs := range c.Session.TimeframesSeconds {
		b.Timeframes = append(b.Timeframes, time.Duration(secs)*time.Second)
	}

	b.Symbols = make(map[string]BuiltSymbol, len(c.Session.Symbols))
	for _, sym := range c.Session.Symbols {
		multiplier := sym.Multiplier
		if multiplier <= 0 {
			multiplier = 1
		}
		minDelta := money.NewFromInt(0)
		if sym.MinDeltaQuantity != "" {
			if minDelta, err = money.ParseDecimal(sym.MinDeltaQuantity); err != nil {
				return b, fmt.Errorf("config: session.symbols[%s].min_delta_quantity: %w", sym.Symbol, err)
			}
		}
		b.Symbols[sym.Symbol] = BuiltSymbol{
			Multiplier:       multiplier,
			PrimaryTimeframe: time.Duration(sym.PrimaryTimeframeSeconds) * time.Second,
			ConfirmTimeframe: time.Duration(sym.ConfirmTimeframeSeconds) * time.Second,
			MinDeltaQuantity: minDelta,
			HistoryLookback:  sym.HistoryLookback,
		}
	}

	if c.Session.PaperSlippageBps != "" {
		if b.PaperSlippageBps, err = money.ParseDecimal(c.Session.PaperSlippageBps); err != nil {
			return b, fmt.Errorf("config: session.paper_slippage_bps: %w", err)
		}
	}
	b.PaperPartialFillProbability = c.Session.PaperPartialFillProbability
	b.PaperPartialFillFraction = c.Session.PaperPartialFillFraction

	threshold := c.Reconciliation.CriticalMismatchThreshold
	if threshold == "" {
		threshold = "0.10" // spec §6 default
	}
	if b.CriticalMismatchThreshold, err = money.ParseDecimal(threshold); err != nil {
		return b, fmt.Errorf("config: reconciliation.critical_mismatch_threshold: %w", err)
	}
	timeoutSecs := c.Reconciliation.InitialReconcileTimeoutSeconds
	if timeoutSecs <= 0 {
		timeoutSecs = 30
	}
	b.InitialReconcileTimeout = time.Duration(timeoutSecs) * time.Second

	return b, nil
}
