package trading

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"perps-trading-bot/internal/exchange"
	"perps-trading-bot/internal/notification"
	"perps-trading-bot/internal/position"
)

// SyncOrderID marks a position that was adopted from the exchange rather
// than opened by this process.
const SyncOrderID int64 = -1

// StartupReconciler aligns the local position store with the exchange's
// authoritative open-position list at boot.
type StartupReconciler struct {
	store    *position.Store
	gateway  exchange.Gateway
	notifier *notification.Manager
	logger   zerolog.Logger
}

func NewStartupReconciler(store *position.Store, gateway exchange.Gateway, notifier *notification.Manager, logger zerolog.Logger) *StartupReconciler {
	return &StartupReconciler{
		store:    store,
		gateway:  gateway,
		notifier: notifier,
		logger:   logger.With().Str("component", "reconciler").Logger(),
	}
}

// Reconcile adopts remote-only positions and drops local-only ones. Each
// (symbol, side) gets exactly one action and one notification per pass.
// Dropped positions are never force-closed: there is nothing open to close.
func (r *StartupReconciler) Reconcile(ctx context.Context) error {
	remote, err := r.gateway.OpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("fetch exchange positions: %w", err)
	}

	remoteByKey := make(map[string]exchange.RemotePosition, len(remote))
	for _, rp := range remote {
		side := position.SideLong
		if rp.PositionAmt < 0 {
			side = position.SideShort
		}
		remoteByKey[rp.Symbol+"/"+string(side)] = rp
	}

	// Drop local records the exchange no longer knows about.
	for _, local := range r.store.All() {
		if _, ok := remoteByKey[local.Key()]; ok {
			continue
		}
		if _, err := r.store.Remove(local.Symbol, local.Side); err != nil {
			r.logger.Error().
				Str("position", local.Key()).
				Err(err).
				Msg("could not drop stale position")
			continue
		}
		r.logger.Warn().
			Str("position", local.Key()).
			Float64("entry", local.EntryPrice).
			Msg("dropped position closed while process was down")
		r.notifier.PublishReconcile(local.Symbol, "dropped",
			fmt.Sprintf("%s %s was closed on the exchange while the bot was down; removed from local state.",
				local.Side, local.Symbol))
	}

	// Adopt remote positions we have no record of. Their original risk
	// parameters are unknown, so stops and targets stay at zero until an
	// operator sets them; only the max-hold rule applies.
	for key, rp := range remoteByKey {
		side := position.SideLong
		if rp.PositionAmt < 0 {
			side = position.SideShort
		}
		if r.store.IsOpen(rp.Symbol, side) {
			continue
		}
		adopted := &position.Position{
			Symbol:     rp.Symbol,
			Side:       side,
			EntryTime:  time.Now().UTC(),
			EntryPrice: rp.EntryPrice,
			Size:       math.Abs(rp.PositionAmt),
			OrderID:    SyncOrderID,
			Trailing:   position.TrailingSettings{Enabled: false},
		}
		if rp.UpdateTime > 0 {
			adopted.EntryTime = time.UnixMilli(rp.UpdateTime).UTC()
		}
		if err := r.store.Put(adopted); err != nil {
			r.logger.Error().
				Str("position", key).
				Err(err).
				Msg("could not adopt exchange position")
			continue
		}
		r.logger.Warn().
			Str("position", key).
			Float64("entry", rp.EntryPrice).
			Float64("size", adopted.Size).
			Msg("adopted untracked exchange position")
		r.notifier.PublishReconcile(rp.Symbol, "adopted",
			fmt.Sprintf("%s %s (size %.8f @ %.4f) is open on the exchange but was not tracked; adopted with no stop or target set.",
				side, rp.Symbol, adopted.Size, rp.EntryPrice))
	}

	return nil
}
