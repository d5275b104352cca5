// Package storage persists the ledger's trade log and agent decisions to
// Postgres for audit and offline analysis. It registers the pgx/v5
// stdlib driver and talks to the database through database/sql, the
// same pattern the teacher's own migration runner uses.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nitinkhare/tradingcore/internal/portfolio"
)

// Store is a Postgres-backed audit trail. It is additive-only: nothing
// in the decision pipeline reads from it, so a Store outage degrades to
// "audit trail temporarily incomplete", never to "engine can't trade".
type Store struct {
	db *sql.DB
}

// Open connects to connStr using the pgx stdlib driver and verifies the
// connection with a Ping. Callers should defer Close.
func Open(ctx context.Context, connStr string) (*Store, error) {
	if connStr == "" {
		return nil, fmt.Errorf("storage: connection string is required")
	}
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies schemaSQL idempotently (CREATE TABLE IF NOT EXISTS
// statements only), matching the teacher's run_migration.go in spirit
// but executed in-process at startup rather than as a separate CLI step.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("storage: migrate: %w", err)
	}
	return nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS trade_log (
	id           BIGSERIAL PRIMARY KEY,
	ts           TIMESTAMPTZ NOT NULL,
	kind         TEXT NOT NULL,
	symbol       TEXT NOT NULL,
	quantity     NUMERIC NOT NULL,
	price        NUMERIC NOT NULL,
	realized_pnl NUMERIC NOT NULL,
	commission   NUMERIC NOT NULL,
	cash_after   NUMERIC NOT NULL,
	reason       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS trade_log_ts_idx ON trade_log (ts);
CREATE INDEX IF NOT EXISTS trade_log_symbol_idx ON trade_log (symbol);

CREATE TABLE IF NOT EXISTS decision_log (
	id           BIGSERIAL PRIMARY KEY,
	ts           TIMESTAMPTZ NOT NULL,
	symbol       TEXT NOT NULL,
	outcome      TEXT NOT NULL,
	action       TEXT NOT NULL,
	confidence   NUMERIC NOT NULL,
	reason       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS decision_log_ts_idx ON decision_log (ts);
`

// AppendTradeLog persists a batch of ledger trade log entries. Callers
// typically pass the tail of portfolio.Ledger.TradeLog() not yet
// flushed, keyed by an external cursor.
func (s *Store) AppendTradeLog(ctx context.Context, entries []portfolio.TradeLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO trade_log (ts, kind, symbol, quantity, price, realized_pnl, commission, cash_after, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`)
	if err != nil {
		return fmt.Errorf("storage: prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.Timestamp, e.Kind, e.Symbol,
			e.Quantity.String(), e.Price.String(), e.RealizedPnL.String(),
			e.Commission.String(), e.CashAfter.String(), e.Reason); err != nil {
			return fmt.Errorf("storage: insert trade_log: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit: %w", err)
	}
	return nil
}

// DecisionRecord is one audited pipeline decision, independent of
// whether it resulted in an order.
type DecisionRecord struct {
	Timestamp  time.Time
	Symbol     string
	Outcome    string
	Action     string
	Confidence string
	Reason     string
}

// AppendDecisionLog persists a batch of pipeline decisions.
func (s *Store) AppendDecisionLog(ctx context.Context, records []DecisionRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO decision_log (ts, symbol, outcome, action, confidence, reason)
		VALUES ($1, $2, $3, $4, $5, $6)
	`)
	if err != nil {
		return fmt.Errorf("storage: prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.Timestamp, r.Symbol, r.Outcome, r.Action, r.Confidence, r.Reason); err != nil {
			return fmt.Errorf("storage: insert decision_log: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit: %w", err)
	}
	return nil
}

// DailyPnL sums realized P&L from trade_log entries within [start, end).
func (s *Store) DailyPnL(ctx context.Context, start, end time.Time) (string, error) {
	var sum sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(realized_pnl), 0)::TEXT FROM trade_log
		WHERE ts >= $1 AND ts < $2 AND kind = 'fill'
	`, start, end).Scan(&sum)
	if err != nil {
		return "", fmt.Errorf("storage: daily pnl query: %w", err)
	}
	if !sum.Valid {
		return "0", nil
	}
	return sum.String, nil
}

// Ping verifies the connection is alive, used by health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
