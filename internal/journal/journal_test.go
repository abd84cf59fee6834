package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"perps-trading-bot/internal/position"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "trades.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func sampleTrade(id string, pnl float64, exitTime time.Time) Trade {
	return Trade{
		ID:         id,
		Symbol:     "BTCUSDT",
		Side:       position.SideLong,
		EntryTime:  exitTime.Add(-time.Hour),
		ExitTime:   exitTime,
		EntryPrice: 100,
		ExitPrice:  100 + pnl,
		Size:       1,
		PnL:        pnl,
		ExitReason: "stop_loss",
		OrderID:    42,
	}
}

func TestRecordAndQuery(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := j.Record(ctx, sampleTrade("t1", -5, now.Add(-2*time.Minute))); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := j.Record(ctx, sampleTrade("t2", 10, now.Add(-time.Minute))); err != nil {
		t.Fatalf("record: %v", err)
	}

	trades, err := j.TradesSince(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(trades))
	}
	if trades[0].ID != "t1" || trades[1].ID != "t2" {
		t.Errorf("expected oldest-first order, got %s then %s", trades[0].ID, trades[1].ID)
	}
	if trades[0].Side != position.SideLong {
		t.Errorf("side round-trip failed: %s", trades[0].Side)
	}
	if trades[0].PnL != -5 {
		t.Errorf("pnl round-trip failed: %v", trades[0].PnL)
	}
}

func TestRecordIgnoresDuplicateID(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	now := time.Now().UTC()

	tr := sampleTrade("dup", -5, now)
	if err := j.Record(ctx, tr); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := j.Record(ctx, tr); err != nil {
		t.Fatalf("duplicate record should not error: %v", err)
	}

	trades, err := j.TradesSince(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(trades) != 1 {
		t.Errorf("expected 1 trade after duplicate insert, got %d", len(trades))
	}
}

func TestRecordRejectsEmptyID(t *testing.T) {
	j := openTestJournal(t)
	tr := sampleTrade("", -5, time.Now().UTC())
	if err := j.Record(context.Background(), tr); err == nil {
		t.Error("expected error for empty trade ID")
	}
}

func TestTradesSinceExcludesOlder(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := j.Record(ctx, sampleTrade("old", 1, now.Add(-48*time.Hour))); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := j.Record(ctx, sampleTrade("new", 1, now)); err != nil {
		t.Fatalf("record: %v", err)
	}

	trades, err := j.TradesSince(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(trades) != 1 || trades[0].ID != "new" {
		t.Errorf("expected only the recent trade, got %d trades", len(trades))
	}
}

func TestDailyPnL(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	now := time.Now().UTC()
	if now.Hour() == 0 && now.Minute() < 5 {
		t.Skip("too close to UTC midnight for a stable day window")
	}

	if err := j.Record(ctx, sampleTrade("a", -30, now.Add(-time.Minute))); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := j.Record(ctx, sampleTrade("b", 12, now)); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := j.Record(ctx, sampleTrade("yesterday", -100, now.Add(-36*time.Hour))); err != nil {
		t.Fatalf("record: %v", err)
	}

	pnl, err := j.DailyPnL(ctx)
	if err != nil {
		t.Fatalf("daily pnl: %v", err)
	}
	if pnl != -18 {
		t.Errorf("DailyPnL = %v, want -18", pnl)
	}
}
