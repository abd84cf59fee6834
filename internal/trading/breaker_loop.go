package trading

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"perps-trading-bot/internal/journal"
	"perps-trading-bot/internal/metrics"
	"perps-trading-bot/internal/notification"
	"perps-trading-bot/internal/risk"
)

// BreakerLoop feeds the circuit breaker with the day's closed trades and,
// on a trip, flattens everything. New entries are already blocked the
// moment the breaker pauses; the flatten removes existing exposure.
type BreakerLoop struct {
	breaker  *risk.CircuitBreaker
	journal  *journal.Journal
	monitor  *ExitMonitor
	notifier *notification.Manager
	interval time.Duration
	logger   zerolog.Logger
}

func NewBreakerLoop(
	breaker *risk.CircuitBreaker,
	jrnl *journal.Journal,
	monitor *ExitMonitor,
	notifier *notification.Manager,
	interval time.Duration,
	logger zerolog.Logger,
) *BreakerLoop {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &BreakerLoop{
		breaker:  breaker,
		journal:  jrnl,
		monitor:  monitor,
		notifier: notifier,
		interval: interval,
		logger:   logger.With().Str("component", "breaker_loop").Logger(),
	}
}

// Run ticks until ctx is cancelled.
func (b *BreakerLoop) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.Tick(ctx)
		}
	}
}

// Tick pulls today's journal entries and lets the breaker account them.
func (b *BreakerLoop) Tick(ctx context.Context) {
	trades, err := b.journal.TodayTrades(ctx)
	if err != nil {
		b.logger.Error().Err(err).Msg("could not read today's trades")
		return
	}

	closed := make([]risk.ClosedTrade, len(trades))
	for i, t := range trades {
		closed[i] = risk.ClosedTrade{ID: t.ID, Symbol: t.Symbol, PnL: t.PnL}
	}

	tripped := b.breaker.Observe(closed)
	if b.breaker.Paused() {
		metrics.BreakerPaused.Set(1)
	} else {
		metrics.BreakerPaused.Set(0)
	}
	if !tripped {
		return
	}

	loss, streak, _, reason := b.breaker.Stats()
	b.logger.Error().
		Str("reason", reason).
		Float64("cumulative_loss", loss).
		Int("consecutive_losses", streak).
		Msg("circuit breaker tripped, flattening all positions")
	b.notifier.PublishBreakerTrip(reason, loss, streak)
	b.monitor.FlattenAll(ctx)
}
