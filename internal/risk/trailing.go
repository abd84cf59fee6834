package risk

import (
	"math"

	"perps-trading-bot/internal/position"
)

// AdvanceTrailingStop computes the next trailing stop level for a position
// given the latest price. It is a pure function: callers persist the result.
//
// Three candidate sources, in order:
//   - trailing branch: once profit reaches TriggerPct, trail the price by
//     OffsetPct (percent mode) or ATR*ATRMultiplier (atr mode);
//   - breakeven branch: once profit reaches BreakevenPct (when set), move the
//     stop to the entry price;
//   - otherwise keep the current stop.
//
// Whichever branch fires, the result is merged monotonically: max(current,
// candidate) for longs, min for shorts. The stop never loosens, which is what
// lets the breakeven stage, the trailing stage and ATR mode compose without
// regression special cases.
func AdvanceTrailingStop(price, entry float64, side position.Side, current float64, cfg position.TrailingSettings) float64 {
	if !cfg.Enabled || entry <= 0 || price <= 0 {
		return current
	}

	profitPct := (price - entry) / entry * 100
	if side == position.SideShort {
		profitPct = -profitPct
	}

	candidate := current
	switch {
	case profitPct >= cfg.TriggerPct:
		candidate = trailCandidate(price, side, cfg)
	case cfg.BreakevenPct > 0 && profitPct >= cfg.BreakevenPct:
		candidate = entry
	}

	if side == position.SideLong {
		return math.Max(current, candidate)
	}
	if current <= 0 {
		// An adopted position has no stop yet; any candidate tightens.
		return candidate
	}
	return math.Min(current, candidate)
}

func trailCandidate(price float64, side position.Side, cfg position.TrailingSettings) float64 {
	var dist float64
	if cfg.Mode == position.TrailingATR && cfg.ATR > 0 {
		dist = cfg.ATR * cfg.ATRMultiplier
	} else {
		dist = price * cfg.OffsetPct / 100
	}
	if side == position.SideLong {
		return price - dist
	}
	return price + dist
}
