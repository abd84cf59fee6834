package trading

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"perps-trading-bot/config"
	"perps-trading-bot/internal/exchange"
	"perps-trading-bot/internal/journal"
	"perps-trading-bot/internal/market"
	"perps-trading-bot/internal/metrics"
	"perps-trading-bot/internal/notification"
	"perps-trading-bot/internal/position"
	"perps-trading-bot/internal/risk"
)

// Exit reasons recorded in the journal and exposed as metric labels.
const (
	ExitReasonStop       = "stop_loss"
	ExitReasonTakeProfit = "take_profit"
	ExitReasonMaxHold    = "max_hold"
	ExitReasonBreaker    = "breaker_flatten"
)

const defaultTickInterval = time.Second

// ExitMonitor walks the open positions on a short ticker, advances trailing
// stops and closes positions whose exit condition fired.
type ExitMonitor struct {
	cfg      *config.Config
	store    *position.Store
	gateway  exchange.Gateway
	cache    *market.PriceCache
	journal  *journal.Journal
	notifier *notification.Manager
	interval time.Duration
	logger   zerolog.Logger

	// lastBar tracks the last bar boundary per position key so BarsHeld
	// advances once per bar interval, not once per tick. Guarded by barMu:
	// the ticker goroutine advances it while a breaker flatten clears
	// entries from the breaker-loop goroutine.
	barMu   sync.Mutex
	lastBar map[string]time.Time
	barSpan time.Duration
}

func NewExitMonitor(
	cfg *config.Config,
	store *position.Store,
	gateway exchange.Gateway,
	cache *market.PriceCache,
	jrnl *journal.Journal,
	notifier *notification.Manager,
	logger zerolog.Logger,
) *ExitMonitor {
	return &ExitMonitor{
		cfg:      cfg,
		store:    store,
		gateway:  gateway,
		cache:    cache,
		journal:  jrnl,
		notifier: notifier,
		interval: defaultTickInterval,
		logger:   logger.With().Str("component", "exit_monitor").Logger(),
		lastBar:  make(map[string]time.Time),
		barSpan:  intervalDuration(cfg.Trading.Interval),
	}
}

// Run ticks until ctx is cancelled.
func (m *ExitMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick processes every open position once. A failure on one position is
// logged and the walk continues.
func (m *ExitMonitor) Tick(ctx context.Context) {
	for _, pos := range m.store.All() {
		m.processPosition(ctx, pos)
	}
	metrics.OpenPositions.Set(float64(m.store.Count()))
}

func (m *ExitMonitor) processPosition(ctx context.Context, pos *position.Position) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().
				Str("position", pos.Key()).
				Interface("panic", r).
				Msg("exit processing panicked")
		}
	}()

	price, ok := m.cache.Price(pos.Symbol)
	if !ok {
		return // no price yet this tick
	}

	m.advanceBars(pos)

	if pos.Trailing.Enabled {
		newStop := risk.AdvanceTrailingStop(price, pos.EntryPrice, pos.Side, pos.TrailingStop, pos.Trailing)
		if newStop != pos.TrailingStop {
			if err := m.store.UpdateTrailingStop(pos.Symbol, pos.Side, newStop); err != nil {
				m.logger.Warn().
					Str("position", pos.Key()).
					Err(err).
					Msg("trailing stop update failed")
			} else {
				pos.TrailingStop = newStop
				m.logger.Debug().
					Str("position", pos.Key()).
					Float64("stop", newStop).
					Msg("trailing stop tightened")
			}
		}
	}

	reason := m.exitReason(pos, price)
	if reason == "" {
		return
	}
	if err := m.ClosePosition(ctx, pos, reason); err != nil {
		m.logger.Error().
			Str("position", pos.Key()).
			Str("reason", reason).
			Err(err).
			Msg("close failed, will retry next tick")
	}
}

// exitReason returns the first exit condition that fired; the stop check
// runs before take-profit so the conservative outcome wins a tie.
func (m *ExitMonitor) exitReason(pos *position.Position, price float64) string {
	if pos.StopBreached(price) {
		return ExitReasonStop
	}
	if pos.TargetReached(price) {
		return ExitReasonTakeProfit
	}
	if symCfg, ok := m.cfg.Symbol(pos.Symbol); ok {
		if symCfg.Risk.MaxHoldBars > 0 && pos.BarsHeld >= symCfg.Risk.MaxHoldBars {
			return ExitReasonMaxHold
		}
	}
	return ""
}

// ClosePosition flattens one position, journals the realized result and
// removes the record. The record is claimed under the store lock BEFORE the
// close order goes out, so overlapping close paths (exit tick vs breaker
// flatten) submit at most one order: the loser finds no record and stops.
func (m *ExitMonitor) ClosePosition(ctx context.Context, pos *position.Position, reason string) error {
	removed, err := m.store.Remove(pos.Symbol, pos.Side)
	if err != nil {
		if errors.Is(err, position.ErrNotFound) {
			// Already claimed by another close path.
			return nil
		}
		return err
	}

	resp, mark, err := m.gateway.CloseAtMark(ctx, removed)
	if err != nil {
		// Hand the record back so the next tick retries the close.
		if perr := m.store.Put(removed); perr != nil {
			m.logger.Error().
				Str("position", removed.Key()).
				Err(perr).
				Msg("could not restore position after failed close")
		}
		return err
	}

	closePrice := resp.AvgPrice
	if closePrice <= 0 {
		closePrice = mark
	}
	pnl := removed.PnLAt(closePrice)
	pnlPct := 0.0
	if removed.EntryPrice > 0 {
		pnlPct = (closePrice - removed.EntryPrice) / removed.EntryPrice * 100
		if removed.Side == position.SideShort {
			pnlPct = -pnlPct
		}
	}

	now := time.Now().UTC()
	trade := journal.Trade{
		ID:         uuid.NewString(),
		Symbol:     removed.Symbol,
		Side:       removed.Side,
		EntryTime:  removed.EntryTime,
		ExitTime:   now,
		EntryPrice: removed.EntryPrice,
		ExitPrice:  closePrice,
		Size:       removed.Size,
		PnL:        pnl,
		ExitReason: reason,
		OrderID:    resp.OrderID,
	}
	if err := m.journal.Record(ctx, trade); err != nil {
		// The position is already flat; losing the journal row is bad but
		// must not resurrect the position.
		m.logger.Error().
			Str("position", removed.Key()).
			Err(err).
			Msg("journal append failed for closed trade")
	}

	m.barMu.Lock()
	delete(m.lastBar, removed.Key())
	m.barMu.Unlock()
	metrics.PositionsClosed.WithLabelValues(reason, string(removed.Side)).Inc()
	metrics.RealizedPnL.Add(pnl)
	m.notifier.PublishExit(removed.Symbol, string(removed.Side), removed.EntryPrice, closePrice, pnl, pnlPct, reason)
	m.logger.Info().
		Str("position", removed.Key()).
		Str("reason", reason).
		Float64("exit", closePrice).
		Float64("pnl", pnl).
		Msg("position closed")
	return nil
}

// FlattenAll force-closes every open position, used on circuit-breaker trip.
func (m *ExitMonitor) FlattenAll(ctx context.Context) {
	for _, pos := range m.store.All() {
		if err := m.ClosePosition(ctx, pos, ExitReasonBreaker); err != nil {
			m.logger.Error().
				Str("position", pos.Key()).
				Err(err).
				Msg("forced close failed")
		}
	}
}

// advanceBars increments BarsHeld when a bar boundary has passed since the
// last increment for this position.
func (m *ExitMonitor) advanceBars(pos *position.Position) {
	key := pos.Key()
	now := time.Now().UTC()

	m.barMu.Lock()
	last, ok := m.lastBar[key]
	if !ok {
		m.lastBar[key] = pos.EntryTime
		last = pos.EntryTime
	}
	due := now.Sub(last) >= m.barSpan
	m.barMu.Unlock()
	if !due {
		return
	}

	if err := m.store.IncrementBarsHeld(pos.Symbol, pos.Side); err == nil {
		pos.BarsHeld++
		m.barMu.Lock()
		m.lastBar[key] = last.Add(m.barSpan)
		m.barMu.Unlock()
	}
}

// intervalDuration parses intervals like 1m, 5m, 1h. Unrecognized values
// fall back to five minutes.
func intervalDuration(interval string) time.Duration {
	if d, err := time.ParseDuration(interval); err == nil && d > 0 {
		return d
	}
	return 5 * time.Minute
}
