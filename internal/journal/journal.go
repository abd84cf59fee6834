// Package journal records closed trades in a local SQLite database. The
// circuit breaker reads the current UTC day's trades from it, so the daily
// loss tally survives restarts.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"perps-trading-bot/internal/position"
)

const schema = `
CREATE TABLE IF NOT EXISTS trades (
	id           TEXT PRIMARY KEY,
	symbol       TEXT NOT NULL,
	side         TEXT NOT NULL,
	entry_time   TIMESTAMP NOT NULL,
	exit_time    TIMESTAMP NOT NULL,
	entry_price  REAL NOT NULL,
	exit_price   REAL NOT NULL,
	size         REAL NOT NULL,
	pnl          REAL NOT NULL,
	exit_reason  TEXT NOT NULL,
	order_id     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_trades_exit_time ON trades (exit_time);
`

// Trade is one closed trade as persisted in the journal.
type Trade struct {
	ID         string
	Symbol     string
	Side       position.Side
	EntryTime  time.Time
	ExitTime   time.Time
	EntryPrice float64
	ExitPrice  float64
	Size       float64
	PnL        float64
	ExitReason string
	OrderID    int64
}

// Journal is an append-only log of closed trades.
type Journal struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open creates the database file and schema if needed.
func Open(path string, logger zerolog.Logger) (*Journal, error) {
	if path == "" {
		return nil, errors.New("journal path is empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite prefers a single writer.
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create journal schema: %w", err)
	}

	return &Journal{
		db:     db,
		logger: logger.With().Str("component", "journal").Logger(),
	}, nil
}

// Close releases the database handle.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Record appends a closed trade. A duplicate ID is ignored so a retried
// close cannot double-count.
func (j *Journal) Record(ctx context.Context, t Trade) error {
	if t.ID == "" {
		return errors.New("trade ID is empty")
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO trades
			(id, symbol, side, entry_time, exit_time, entry_price, exit_price, size, pnl, exit_reason, order_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Symbol, string(t.Side),
		t.EntryTime.UTC(), t.ExitTime.UTC(),
		t.EntryPrice, t.ExitPrice, t.Size, t.PnL, t.ExitReason, t.OrderID,
	)
	if err != nil {
		return fmt.Errorf("record trade %s: %w", t.ID, err)
	}
	j.logger.Info().
		Str("trade_id", t.ID).
		Str("symbol", t.Symbol).
		Str("side", string(t.Side)).
		Float64("pnl", t.PnL).
		Str("reason", t.ExitReason).
		Msg("trade journaled")
	return nil
}

// TradesSince returns trades that exited at or after the given time, oldest
// first.
func (j *Journal) TradesSince(ctx context.Context, since time.Time) ([]Trade, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, symbol, side, entry_time, exit_time, entry_price, exit_price, size, pnl, exit_reason, order_id
		FROM trades
		WHERE exit_time >= ?
		ORDER BY exit_time ASC`,
		since.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		var t Trade
		var side string
		if err := rows.Scan(
			&t.ID, &t.Symbol, &side,
			&t.EntryTime, &t.ExitTime,
			&t.EntryPrice, &t.ExitPrice, &t.Size, &t.PnL, &t.ExitReason, &t.OrderID,
		); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		t.Side = position.Side(side)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// TodayTrades returns the trades closed since UTC midnight.
func (j *Journal) TodayTrades(ctx context.Context) ([]Trade, error) {
	now := time.Now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return j.TradesSince(ctx, midnight)
}

// DailyPnL sums realized PnL for trades closed since UTC midnight.
func (j *Journal) DailyPnL(ctx context.Context) (float64, error) {
	trades, err := j.TodayTrades(ctx)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, t := range trades {
		total += t.PnL
	}
	return total, nil
}
