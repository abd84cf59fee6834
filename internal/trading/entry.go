// Package trading contains the decision loops: entry gating, exit
// monitoring, startup reconciliation and worker supervision.
package trading

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"perps-trading-bot/config"
	"perps-trading-bot/internal/exchange"
	"perps-trading-bot/internal/market"
	"perps-trading-bot/internal/metrics"
	"perps-trading-bot/internal/notification"
	"perps-trading-bot/internal/position"
	"perps-trading-bot/internal/risk"
)

// EntryPipeline turns a signal into an order, or a logged skip. Every gate
// failure is normal control flow, not an error.
type EntryPipeline struct {
	cfg      *config.Config
	store    *position.Store
	gateway  exchange.Gateway
	cache    *market.PriceCache
	breaker  *risk.CircuitBreaker
	notifier *notification.Manager
	counter  *risk.TradeCounter
	window   risk.TradingWindow
	logger   zerolog.Logger
}

func NewEntryPipeline(
	cfg *config.Config,
	store *position.Store,
	gateway exchange.Gateway,
	cache *market.PriceCache,
	breaker *risk.CircuitBreaker,
	notifier *notification.Manager,
	logger zerolog.Logger,
) *EntryPipeline {
	return &EntryPipeline{
		cfg:      cfg,
		store:    store,
		gateway:  gateway,
		cache:    cache,
		breaker:  breaker,
		notifier: notifier,
		counter:  &risk.TradeCounter{},
		window: risk.TradingWindow{
			StartHour: cfg.Trading.TradingStartHour,
			EndHour:   cfg.Trading.TradingEndHour,
		},
		logger: logger.With().Str("component", "entry").Logger(),
	}
}

// HandleSignal is the SignalFunc wired into the signal stream. Panics and
// errors are contained here so a bad symbol cannot kill the stream worker.
func (p *EntryPipeline) HandleSignal(ctx context.Context, symbol string, sig market.Signal) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Str("symbol", symbol).
				Interface("panic", r).
				Msg("entry pipeline panicked")
			p.notifier.PublishError("Entry pipeline failure", symbol)
		}
	}()

	if reason := p.evaluate(ctx, symbol, sig); reason != "" {
		metrics.EntriesSkipped.WithLabelValues(reason).Inc()
		p.logger.Debug().
			Str("symbol", symbol).
			Str("reason", reason).
			Msg("entry skipped")
	}
}

// evaluate runs the gates in order and places the order if all pass. It
// returns a skip reason code, or "" when an order was placed.
func (p *EntryPipeline) evaluate(ctx context.Context, symbol string, sig market.Signal) string {
	if p.breaker.Paused() {
		return "breaker_paused"
	}

	now := time.Now().UTC()
	if !p.window.Contains(now) {
		return "outside_trading_window"
	}
	if !p.counter.Allow(now, p.cfg.Trading.MaxTradesPerDay) {
		return "daily_trade_cap"
	}

	var side position.Side
	switch {
	case sig.Long:
		side = position.SideLong
	case sig.Short:
		side = position.SideShort
	default:
		return "no_direction"
	}

	symCfg, ok := p.cfg.Symbol(symbol)
	if !ok {
		return "unknown_symbol"
	}

	if p.store.IsOpen(symbol, side) {
		return "already_open"
	}
	if p.store.Count() >= p.cfg.Trading.MaxOpenPositions {
		return "max_positions"
	}
	if !p.symbolActive(symbol) && len(p.store.Symbols()) >= p.cfg.Trading.MaxConcurrentSymbols {
		return "max_symbols"
	}

	if risk.LiquidationRisk(symCfg.Risk.Leverage, symCfg.Risk.LiquidationThreshold) {
		return "liquidation_risk"
	}

	price, okPrice := p.cache.Price(symbol)
	if !okPrice {
		return "no_price"
	}
	if sig.RefPrice > 0 && risk.SlippageExceeded(sig.RefPrice, price, symCfg.Risk.MaxSlippagePct) {
		return "slippage"
	}

	stopDist := risk.StopDistance(price, symCfg.Risk.MinStopPct, sig.ATR, symCfg.Risk.ATRMultiplier)
	if stopDist <= 0 {
		return "degenerate_stop"
	}
	targetDist := risk.TargetDistance(stopDist, symCfg.Risk.RewardRisk)

	var stop, target float64
	if side == position.SideLong {
		stop, target = price-stopDist, price+targetDist
	} else {
		stop, target = price+stopDist, price-targetDist
	}
	if f, okF := p.gateway.Filters(symbol); okF {
		stop = f.RoundPrice(stop)
		target = f.RoundPrice(target)
	}

	capital, err := p.capital(ctx)
	if err != nil {
		p.logger.Warn().Err(err).Msg("could not determine capital")
		return "no_capital"
	}

	qty := risk.OrderQty(price, stop, capital, symCfg.Risk.RiskPct, symCfg.Risk.Leverage)
	if qty <= 0 {
		return "zero_quantity"
	}

	resp, err := p.gateway.PlaceMarketOrder(ctx, symbol, side, qty)
	if err != nil {
		p.logger.Error().
			Str("symbol", symbol).
			Str("side", string(side)).
			Err(err).
			Msg("order placement failed")
		p.notifier.PublishError("Order placement failed", symbol+": "+err.Error())
		return "order_failed"
	}

	entryPrice := resp.AvgPrice
	if entryPrice <= 0 {
		entryPrice = price
	}
	size := resp.ExecutedQty
	if size <= 0 {
		size = resp.OrigQty
	}

	pos := &position.Position{
		Symbol:     symbol,
		Side:       side,
		EntryTime:  now,
		EntryPrice: entryPrice,
		Size:       size,
		StopLoss:   stop,
		TakeProfit: target,
		// The trailing level starts at the initial stop and only tightens.
		TrailingStop: stop,
		Trailing:     trailingSettings(symCfg.Trailing, sig.ATR),
		OrderID:      resp.OrderID,
	}
	if err := p.store.Put(pos); err != nil {
		// The order is live; this must be loud.
		p.logger.Error().
			Str("symbol", symbol).
			Err(err).
			Msg("order placed but position could not be persisted")
		p.notifier.PublishError("Untracked position", symbol+": "+err.Error())
		return "persist_failed"
	}

	p.counter.Record(now)
	metrics.OpenPositions.Set(float64(p.store.Count()))
	p.notifier.PublishEntry(symbol, string(side), entryPrice, size, stop, target)
	p.logger.Info().
		Str("symbol", symbol).
		Str("side", string(side)).
		Float64("entry", entryPrice).
		Float64("size", size).
		Float64("stop", stop).
		Float64("target", target).
		Msg("position opened")
	return ""
}

func (p *EntryPipeline) symbolActive(symbol string) bool {
	for _, s := range p.store.Symbols() {
		if s == symbol {
			return true
		}
	}
	return false
}

// capital returns the configured fixed capital, or the live quote balance
// when none is set.
func (p *EntryPipeline) capital(ctx context.Context) (float64, error) {
	if p.cfg.Trading.Capital > 0 {
		return p.cfg.Trading.Capital, nil
	}
	return p.gateway.AccountBalance(ctx, p.cfg.Exchange.QuoteAsset)
}

// trailingSettings maps the configured policy onto a position, pinning the
// ATR observed at entry.
func trailingSettings(cfg config.TrailingConfig, atr float64) position.TrailingSettings {
	mode := position.TrailingPercent
	if cfg.Mode == "atr" {
		mode = position.TrailingATR
	}
	return position.TrailingSettings{
		Enabled:       cfg.Enabled,
		Mode:          mode,
		OffsetPct:     cfg.OffsetPct,
		ATRMultiplier: cfg.ATRMultiplier,
		TriggerPct:    cfg.TriggerPct,
		BreakevenPct:  cfg.BreakevenPct,
		ATR:           atr,
	}
}
