package trading

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"perps-trading-bot/internal/position"
)

func TestExitClosesOnStopBreach(t *testing.T) {
	env := newTestEnv(t)
	openTestPosition(t, env.store, "BTCUSDT", position.SideLong, 100, 95, 110)
	env.cache.Set("BTCUSDT", 94)
	monitor := env.exit()

	monitor.Tick(context.Background())

	if env.gateway.closeCount() != 1 {
		t.Fatalf("expected 1 close order, got %d", env.gateway.closeCount())
	}
	if env.store.Count() != 0 {
		t.Fatalf("position not removed, %d remain", env.store.Count())
	}

	trades, err := env.journal.TodayTrades(context.Background())
	if err != nil {
		t.Fatalf("journal query: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("expected 1 journal row, got %d", len(trades))
	}
	if trades[0].ExitReason != ExitReasonStop {
		t.Errorf("exit reason = %q, want %q", trades[0].ExitReason, ExitReasonStop)
	}
	if math.Abs(trades[0].PnL-(-6)) > 1e-9 {
		t.Errorf("pnl = %v, want -6 (entry 100, exit 94, size 1)", trades[0].PnL)
	}

	// A second tick finds nothing to close.
	monitor.Tick(context.Background())
	if env.gateway.closeCount() != 1 {
		t.Errorf("second tick placed another close, count %d", env.gateway.closeCount())
	}
}

func TestExitClosesOnTakeProfit(t *testing.T) {
	env := newTestEnv(t)
	openTestPosition(t, env.store, "BTCUSDT", position.SideLong, 100, 95, 110)
	env.cache.Set("BTCUSDT", 111)

	env.exit().Tick(context.Background())

	trades, err := env.journal.TodayTrades(context.Background())
	if err != nil {
		t.Fatalf("journal query: %v", err)
	}
	if len(trades) != 1 || trades[0].ExitReason != ExitReasonTakeProfit {
		t.Fatalf("expected one take_profit close, got %+v", trades)
	}
	if trades[0].PnL <= 0 {
		t.Errorf("take profit close should be a win, pnl %v", trades[0].PnL)
	}
}

func TestExitStopWinsOverTarget(t *testing.T) {
	// A degenerate position where one price satisfies both conditions: the
	// stop check runs first, so the conservative reason is recorded.
	env := newTestEnv(t)
	openTestPosition(t, env.store, "BTCUSDT", position.SideLong, 100, 105, 104)
	env.cache.Set("BTCUSDT", 104.5)

	env.exit().Tick(context.Background())

	trades, _ := env.journal.TodayTrades(context.Background())
	if len(trades) != 1 || trades[0].ExitReason != ExitReasonStop {
		t.Fatalf("stop must win the tie, got %+v", trades)
	}
}

func TestExitClosesOnMaxHold(t *testing.T) {
	env := newTestEnv(t)
	openTestPosition(t, env.store, "BTCUSDT", position.SideLong, 100, 90, 120)
	for i := 0; i < 100; i++ {
		if err := env.store.IncrementBarsHeld("BTCUSDT", position.SideLong); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}
	env.cache.Set("BTCUSDT", 100) // neither stop nor target

	env.exit().Tick(context.Background())

	trades, _ := env.journal.TodayTrades(context.Background())
	if len(trades) != 1 || trades[0].ExitReason != ExitReasonMaxHold {
		t.Fatalf("expected max_hold close, got %+v", trades)
	}
}

func TestExitAdvancesTrailingStop(t *testing.T) {
	env := newTestEnv(t)
	pos := openTestPosition(t, env.store, "BTCUSDT", position.SideLong, 100, 95, 120)
	pos.Trailing = position.TrailingSettings{
		Enabled:    true,
		Mode:       position.TrailingPercent,
		OffsetPct:  1,
		TriggerPct: 1,
	}
	// Re-persist with trailing enabled.
	if _, err := env.store.Remove("BTCUSDT", position.SideLong); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := env.store.Put(pos); err != nil {
		t.Fatalf("put: %v", err)
	}

	env.cache.Set("BTCUSDT", 105)
	env.exit().Tick(context.Background())

	got, ok := env.store.Get("BTCUSDT", position.SideLong)
	if !ok {
		t.Fatal("position should still be open at 105")
	}
	want := 105 * 0.99
	if math.Abs(got.TrailingStop-want) > 1e-9 {
		t.Errorf("trailing stop = %v, want %v", got.TrailingStop, want)
	}

	// Price falls back through the tightened stop: close as a stop exit.
	env.cache.Set("BTCUSDT", 103)
	env.exit().Tick(context.Background())
	if env.store.Count() != 0 {
		t.Error("position should be closed after breaching the trailed stop")
	}
}

func TestExitSkipsPositionWithoutPrice(t *testing.T) {
	env := newTestEnv(t)
	openTestPosition(t, env.store, "BTCUSDT", position.SideLong, 100, 95, 110)

	env.exit().Tick(context.Background())

	if env.store.Count() != 1 {
		t.Error("position without a cached price must be left alone")
	}
	if env.gateway.closeCount() != 0 {
		t.Errorf("no close order expected, got %d", env.gateway.closeCount())
	}
}

func TestExitRetriesAfterCloseFailure(t *testing.T) {
	env := newTestEnv(t)
	openTestPosition(t, env.store, "BTCUSDT", position.SideLong, 100, 95, 110)
	env.cache.Set("BTCUSDT", 94)
	env.gateway.closeErr = errors.New("exchange unavailable")
	monitor := env.exit()

	monitor.Tick(context.Background())
	if env.store.Count() != 1 {
		t.Fatal("failed close must keep the position tracked")
	}

	env.gateway.closeErr = nil
	monitor.Tick(context.Background())
	if env.store.Count() != 0 {
		t.Error("close should succeed on the next tick")
	}
}

func TestConcurrentCloseSubmitsOneOrder(t *testing.T) {
	env := newTestEnv(t)
	pos := openTestPosition(t, env.store, "BTCUSDT", position.SideLong, 100, 95, 110)
	env.cache.Set("BTCUSDT", 94)
	monitor := env.exit()

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if err := monitor.ClosePosition(context.Background(), pos, ExitReasonStop); err != nil {
				t.Errorf("close: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := env.gateway.closeCount(); got != 1 {
		t.Fatalf("close orders placed = %d, want exactly 1", got)
	}
	trades, err := env.journal.TodayTrades(context.Background())
	if err != nil {
		t.Fatalf("journal query: %v", err)
	}
	if len(trades) != 1 {
		t.Errorf("journal rows = %d, want 1", len(trades))
	}
}

func TestFlattenDuringTickIsSafe(t *testing.T) {
	env := newTestEnv(t)
	openTestPosition(t, env.store, "BTCUSDT", position.SideLong, 100, 95, 110)
	openTestPosition(t, env.store, "ETHUSDT", position.SideShort, 3000, 3100, 2800)
	// Prices sit inside the stop/target band so ticks only advance
	// bookkeeping; the flatten is the only close path.
	env.cache.Set("BTCUSDT", 100)
	env.cache.Set("ETHUSDT", 3000)
	monitor := env.exit()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			monitor.Tick(context.Background())
		}
	}()
	monitor.FlattenAll(context.Background())
	wg.Wait()

	if env.store.Count() != 0 {
		t.Fatalf("flatten left %d positions", env.store.Count())
	}
	if got := env.gateway.closeCount(); got != 2 {
		t.Errorf("close orders placed = %d, want 2", got)
	}
}

func TestFlattenAllClosesEverything(t *testing.T) {
	env := newTestEnv(t)
	openTestPosition(t, env.store, "BTCUSDT", position.SideLong, 100, 95, 110)
	openTestPosition(t, env.store, "ETHUSDT", position.SideShort, 3000, 3100, 2800)
	env.cache.Set("BTCUSDT", 100)
	env.cache.Set("ETHUSDT", 3000)

	env.exit().FlattenAll(context.Background())

	if env.store.Count() != 0 {
		t.Fatalf("flatten left %d positions", env.store.Count())
	}
	trades, _ := env.journal.TodayTrades(context.Background())
	for _, tr := range trades {
		if tr.ExitReason != ExitReasonBreaker {
			t.Errorf("flatten close recorded as %q", tr.ExitReason)
		}
	}
	if len(trades) != 2 {
		t.Errorf("expected 2 journal rows, got %d", len(trades))
	}
}
