package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nitinkhare/tradingcore/internal/money"
)

const sampleConfig = `{
  "active_broker": "paper",
  "trading_mode": "paper",
  "initial_capital": "100000",
  "risk": {
    "max_position_pct": "0.25",
    "max_concurrent_positions": 5,
    "max_orders_per_window": 10,
    "order_window_seconds": 60,
    "max_daily_loss_pct": "0.03",
    "max_drawdown_pct": "0.15",
    "minimum_balance": "10000",
    "minimum_balance_enabled": true
  },
  "qlearn": {
    "epsilon": 0.1, "epsilon_min": 0.01, "epsilon_decay_rate": 0.995,
    "alpha": 0.1, "gamma": 0.9, "max_states": 200000,
    "low_vol_threshold": 0.002, "high_vol_threshold": 0.01,
    "short_ma_window": 5, "long_ma_window": 20,
    "base_size_fraction": "0.1", "max_position_pct": "0.25",
    "min_confidence": "0.5", "risk_penalty": 0.001, "transaction_cost": 0.0005,
    "broker_minimum_shares": "1"
  },
  "edgecheck": {
    "stale_threshold_seconds": 300, "chase_threshold_pct": "0.05",
    "low_liquidity_fraction": "0.3", "circuit_breaker_streak": 3
  },
  "capital": {"mode": "compounding", "check_every_n_bars": 100},
  "paths": {"checkpoint_dir": "/tmp/checkpoints", "idempotency_file": "/tmp/idempotency.tsv", "qtable_path": "/tmp/qtable.json"},
  "external_broker": {"base_url": "", "websocket_url": ""},
  "market": {"timezone": "America/New_York", "open_hour": 9, "open_minute": 30, "close_hour": 16, "close_minute": 0},
  "database_url": "",
  "idempotency_ttl_seconds": 300,
  "log_level": "info",
  "checkpoint_every_n_events": 50
}`

func writeTempConfig(t *testing.T) string {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(sampleConfig), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_ValidConfigParsesAndValidates(t *testing.T) {
	path := writeTempConfig(t)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ActiveBroker != "paper" {
		t.Fatalf("active broker = %s, want paper", cfg.ActiveBroker)
	}
}

func TestBuild_ParsesDecimalsAndTimezone(t *testing.T) {
	path := writeTempConfig(t)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	built, err := cfg.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want, _ := money.ParseDecimal("100000")
	if !built.InitialCapital.Equal(want) {
		t.Fatalf("initial capital = %s, want 100000", built.InitialCapital)
	}
	if built.Market.Location == nil {
		t.Fatalf("expected market location to be set")
	}
}

func TestValidate_RejectsMissingActiveBroker(t *testing.T) {
	cfg := &Config{TradingMode: ModePaper, InitialCapital: "1000", Risk: RiskConfig{MaxConcurrentPositions: 1}, Paths: PathsConfig{CheckpointDir: "/tmp"}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for missing active_broker")
	}
}

func TestValidate_LiveModeRequiresExternalBrokerAndDatabase(t *testing.T) {
	cfg := &Config{
		ActiveBroker: "external", TradingMode: ModeLive, InitialCapital: "1000",
		Risk: RiskConfig{MaxConcurrentPositions: 1}, Paths: PathsConfig{CheckpointDir: "/tmp"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for live mode missing external broker config")
	}
}
