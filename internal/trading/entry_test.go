package trading

import (
	"context"
	"math"
	"testing"

	"perps-trading-bot/internal/position"
	"perps-trading-bot/internal/risk"
)

func TestEntryOpensPosition(t *testing.T) {
	env := newTestEnv(t)
	env.cache.Set("BTCUSDT", 100)

	env.entry().HandleSignal(context.Background(), "BTCUSDT", longSignal())

	if env.gateway.openCount() != 1 {
		t.Fatalf("expected 1 order, got %d", env.gateway.openCount())
	}
	pos, ok := env.store.Get("BTCUSDT", position.SideLong)
	if !ok {
		t.Fatal("position not persisted")
	}
	// risk 1000*0.02=20 over a 1.00 stop distance (min_stop_pct of price).
	if math.Abs(pos.Size-20) > 1e-9 {
		t.Errorf("size = %v, want 20", pos.Size)
	}
	if math.Abs(pos.StopLoss-99) > 1e-9 {
		t.Errorf("stop = %v, want 99", pos.StopLoss)
	}
	if math.Abs(pos.TakeProfit-102) > 1e-9 {
		t.Errorf("target = %v, want 102", pos.TakeProfit)
	}
	if pos.TrailingStop != pos.StopLoss {
		t.Errorf("trailing level should start at the stop, got %v", pos.TrailingStop)
	}
	if !pos.Trailing.Enabled {
		t.Error("trailing settings not carried onto position")
	}

	if e := env.notifier.wait(t); e.Type != "entry" {
		t.Errorf("expected entry notification, got %s", e.Type)
	}
}

func TestEntryBlockedWhilePaused(t *testing.T) {
	env := newTestEnv(t)
	env.cache.Set("BTCUSDT", 100)
	env.breaker.Observe([]risk.ClosedTrade{{ID: "big-loss", PnL: -1000}})
	if !env.breaker.Paused() {
		t.Fatal("breaker should be paused")
	}

	pipeline := env.entry()
	for i := 0; i < 5; i++ {
		pipeline.HandleSignal(context.Background(), "BTCUSDT", longSignal())
	}

	if env.gateway.openCount() != 0 {
		t.Errorf("paused breaker must block all orders, got %d", env.gateway.openCount())
	}
}

func TestEntryRefusesSecondPositionSameDirection(t *testing.T) {
	env := newTestEnv(t)
	env.cache.Set("BTCUSDT", 100)
	openTestPosition(t, env.store, "BTCUSDT", position.SideLong, 100, 95, 110)

	env.entry().HandleSignal(context.Background(), "BTCUSDT", longSignal())

	if env.gateway.openCount() != 0 {
		t.Errorf("duplicate direction must be refused, got %d orders", env.gateway.openCount())
	}
}

func TestEntryHonorsMaxOpenPositions(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Trading.MaxOpenPositions = 1
	env.cache.Set("BTCUSDT", 100)
	openTestPosition(t, env.store, "ETHUSDT", position.SideLong, 3000, 2900, 3200)

	env.entry().HandleSignal(context.Background(), "BTCUSDT", longSignal())

	if env.gateway.openCount() != 0 {
		t.Errorf("position cap must block the entry, got %d orders", env.gateway.openCount())
	}
}

func TestEntrySkipsOnSlippage(t *testing.T) {
	env := newTestEnv(t)
	env.cache.Set("BTCUSDT", 102) // 2% above the signal's reference price

	env.entry().HandleSignal(context.Background(), "BTCUSDT", longSignal())

	if env.gateway.openCount() != 0 {
		t.Errorf("slippage beyond 1%% must be refused, got %d orders", env.gateway.openCount())
	}
}

func TestEntrySkipsWithoutPrice(t *testing.T) {
	env := newTestEnv(t)

	env.entry().HandleSignal(context.Background(), "BTCUSDT", longSignal())

	if env.gateway.openCount() != 0 {
		t.Errorf("no cached price must mean no order, got %d", env.gateway.openCount())
	}
}

func TestEntrySkipsLiquidationRisk(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Symbols[0].Risk.Leverage = 50
	env.cfg.Symbols[0].Risk.LiquidationThreshold = 0.03
	env.cache.Set("BTCUSDT", 100)

	env.entry().HandleSignal(context.Background(), "BTCUSDT", longSignal())

	if env.gateway.openCount() != 0 {
		t.Errorf("50x at 3%% threshold must be refused, got %d orders", env.gateway.openCount())
	}
}

func TestEntryShortSide(t *testing.T) {
	env := newTestEnv(t)
	env.cache.Set("BTCUSDT", 100)

	sig := longSignal()
	sig.Long, sig.Short = false, true
	env.entry().HandleSignal(context.Background(), "BTCUSDT", sig)

	pos, ok := env.store.Get("BTCUSDT", position.SideShort)
	if !ok {
		t.Fatal("short position not persisted")
	}
	if pos.StopLoss <= pos.EntryPrice {
		t.Errorf("short stop %v must sit above entry %v", pos.StopLoss, pos.EntryPrice)
	}
	if pos.TakeProfit >= pos.EntryPrice {
		t.Errorf("short target %v must sit below entry %v", pos.TakeProfit, pos.EntryPrice)
	}
}

func TestEntryDailyTradeCap(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.Trading.MaxTradesPerDay = 1
	env.cache.Set("BTCUSDT", 100)
	pipeline := env.entry()

	pipeline.HandleSignal(context.Background(), "BTCUSDT", longSignal())
	if env.gateway.openCount() != 1 {
		t.Fatalf("first trade should pass, got %d orders", env.gateway.openCount())
	}

	// Close it locally so the duplicate-side gate is not what blocks.
	if _, err := env.store.Remove("BTCUSDT", position.SideLong); err != nil {
		t.Fatalf("remove: %v", err)
	}

	pipeline.HandleSignal(context.Background(), "BTCUSDT", longSignal())
	if env.gateway.openCount() != 1 {
		t.Errorf("daily cap of 1 must block the second trade, got %d orders", env.gateway.openCount())
	}
}
