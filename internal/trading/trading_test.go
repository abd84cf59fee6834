package trading

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"perps-trading-bot/config"
	"perps-trading-bot/internal/exchange"
	"perps-trading-bot/internal/journal"
	"perps-trading-bot/internal/market"
	"perps-trading-bot/internal/notification"
	"perps-trading-bot/internal/position"
	"perps-trading-bot/internal/risk"
)

// fakeGateway records orders instead of talking to an exchange. Prices come
// from the shared PriceCache so tests set one price per symbol.
type fakeGateway struct {
	mu          sync.Mutex
	cache       *market.PriceCache
	balance     float64
	remote      []exchange.RemotePosition
	opened      []fakeOrder
	closed      []fakeOrder
	orderErr    error
	closeErr    error
	nextOrderID int64
}

type fakeOrder struct {
	symbol string
	side   position.Side
	qty    float64
}

func newFakeGateway(cache *market.PriceCache) *fakeGateway {
	return &fakeGateway{cache: cache, balance: 1000}
}

func (g *fakeGateway) price(symbol string) float64 {
	p, _ := g.cache.Price(symbol)
	return p
}

func (g *fakeGateway) PlaceMarketOrder(_ context.Context, symbol string, side position.Side, qty float64) (*exchange.OrderResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.orderErr != nil {
		return nil, g.orderErr
	}
	g.nextOrderID++
	g.opened = append(g.opened, fakeOrder{symbol, side, qty})
	return &exchange.OrderResponse{
		OrderID:     g.nextOrderID,
		Symbol:      symbol,
		Status:      "FILLED",
		AvgPrice:    g.price(symbol),
		OrigQty:     qty,
		ExecutedQty: qty,
	}, nil
}

func (g *fakeGateway) CloseAtMark(_ context.Context, pos *position.Position) (*exchange.OrderResponse, float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closeErr != nil {
		return nil, 0, g.closeErr
	}
	g.nextOrderID++
	g.closed = append(g.closed, fakeOrder{pos.Symbol, pos.Side, pos.Size})
	mark := g.price(pos.Symbol)
	return &exchange.OrderResponse{
		OrderID:     g.nextOrderID,
		Symbol:      pos.Symbol,
		Status:      "FILLED",
		AvgPrice:    mark,
		ExecutedQty: pos.Size,
	}, mark, nil
}

func (g *fakeGateway) OpenPositions(context.Context) ([]exchange.RemotePosition, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.remote, nil
}

func (g *fakeGateway) MarkPrice(_ context.Context, symbol string) (float64, error) {
	return g.price(symbol), nil
}

func (g *fakeGateway) LastPrice(_ context.Context, symbol string) (float64, error) {
	return g.MarkPrice(context.Background(), symbol)
}

func (g *fakeGateway) AccountBalance(context.Context, string) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.balance, nil
}

func (g *fakeGateway) SetLeverage(context.Context, string, int) error { return nil }

func (g *fakeGateway) Filters(symbol string) (exchange.SymbolFilters, bool) {
	return exchange.SymbolFilters{Symbol: symbol, StepSize: 0.001, TickSize: 0.01, MinQty: 0.001}, true
}

func (g *fakeGateway) openCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.opened)
}

func (g *fakeGateway) closeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.closed)
}

// countingNotifier captures events on a channel so tests can assert exact
// delivery counts despite the async dispatch.
type countingNotifier struct {
	events chan *notification.Event
}

func newCountingNotifier() *countingNotifier {
	return &countingNotifier{events: make(chan *notification.Event, 32)}
}

func (c *countingNotifier) Send(e *notification.Event) error {
	c.events <- e
	return nil
}

func (c *countingNotifier) Name() string  { return "counting" }
func (c *countingNotifier) Enabled() bool { return true }

// wait returns the next event, or fails the test after a timeout.
func (c *countingNotifier) wait(t *testing.T) *notification.Event {
	t.Helper()
	select {
	case e := <-c.events:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
		return nil
	}
}

// quiet asserts that no further event arrives within a short window.
func (c *countingNotifier) quiet(t *testing.T) {
	t.Helper()
	select {
	case e := <-c.events:
		t.Fatalf("unexpected notification: %s %s", e.Type, e.Title)
	case <-time.After(100 * time.Millisecond):
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Exchange: config.ExchangeConfig{APIKey: "k", APISecret: "s", QuoteAsset: "USDT"},
		Trading: config.TradingConfig{
			Interval:             "5m",
			MaxOpenPositions:     2,
			MaxConcurrentSymbols: 2,
			MaxTradesPerDay:      10,
			Capital:              1000,
		},
		Symbols: []config.SymbolConfig{
			{
				Symbol: "BTCUSDT",
				Risk: config.RiskConfig{
					RiskPct:              0.02,
					Leverage:             5,
					MinStopPct:           1,
					RewardRisk:           2,
					MaxSlippagePct:       1,
					LiquidationThreshold: 0.05,
					MaxHoldBars:          100,
				},
				Trailing: config.TrailingConfig{
					Enabled:    true,
					Mode:       "percent",
					OffsetPct:  1,
					TriggerPct: 1,
				},
			},
		},
	}
}

type testEnv struct {
	cfg      *config.Config
	store    *position.Store
	journal  *journal.Journal
	breaker  *risk.CircuitBreaker
	cache    *market.PriceCache
	gateway  *fakeGateway
	manager  *notification.Manager
	notifier *countingNotifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	jrnl, err := journal.Open(filepath.Join(dir, "trades.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { jrnl.Close() })

	notifier := newCountingNotifier()
	manager := notification.NewManager(zerolog.Nop())
	manager.Add(notifier)

	cache := market.NewPriceCache()

	return &testEnv{
		cfg:     testConfig(),
		store:   position.NewStore(filepath.Join(dir, "positions.json"), zerolog.Nop()),
		journal: jrnl,
		breaker: risk.NewCircuitBreaker(risk.BreakerConfig{
			Enabled:              true,
			MaxDailyLoss:         500,
			MaxConsecutiveLosses: 50,
			StatePath:            filepath.Join(dir, "breaker.json"),
		}, zerolog.Nop()),
		cache:    cache,
		gateway:  newFakeGateway(cache),
		manager:  manager,
		notifier: notifier,
	}
}

func (e *testEnv) entry() *EntryPipeline {
	return NewEntryPipeline(e.cfg, e.store, e.gateway, e.cache, e.breaker, e.manager, zerolog.Nop())
}

func (e *testEnv) exit() *ExitMonitor {
	return NewExitMonitor(e.cfg, e.store, e.gateway, e.cache, e.journal, e.manager, zerolog.Nop())
}

func longSignal() market.Signal {
	return market.Signal{Long: true, Confidence: 0.8, ATR: 0, RefPrice: 100}
}

func openTestPosition(t *testing.T, store *position.Store, symbol string, side position.Side, entry, stop, target float64) *position.Position {
	t.Helper()
	pos := &position.Position{
		Symbol:       symbol,
		Side:         side,
		EntryTime:    time.Now().UTC().Add(-time.Hour),
		EntryPrice:   entry,
		Size:         1,
		StopLoss:     stop,
		TakeProfit:   target,
		TrailingStop: stop,
		OrderID:      7,
	}
	if err := store.Put(pos); err != nil {
		t.Fatalf("put position: %v", err)
	}
	return pos
}
