package risk

import "math"

// OrderQty computes the order quantity for a fixed-fractional risk model.
//
// riskAmount = capital * riskPct; qty = riskAmount / |entry - stop|.
//
// Leverage is deliberately NOT part of the formula: it changes the margin the
// exchange requires, not the dollars lost when the stop is hit. An earlier
// variant divided by leverage and produced systematically undersized
// positions. The parameter is kept so call sites state the leverage they
// trade at, but it only participates in the liquidation-distance gate.
//
// Returns 0 for a degenerate stop (distance 0) or non-positive inputs; the
// caller must skip the trade.
func OrderQty(entryPrice, stopPrice, capital, riskPct float64, leverage int) float64 {
	if entryPrice <= 0 || capital <= 0 || riskPct <= 0 {
		return 0
	}
	distance := math.Abs(entryPrice - stopPrice)
	if distance == 0 {
		return 0
	}
	qty := capital * riskPct / distance
	if qty < 0 || math.IsInf(qty, 0) || math.IsNaN(qty) {
		return 0
	}
	return qty
}

// StopDistance returns the adaptive stop distance: the wider of a minimum
// percentage of price and an ATR multiple, so quiet markets still get a
// floor and volatile ones get room to breathe.
func StopDistance(price, minStopPct, atr, atrMultiplier float64) float64 {
	pctDist := price * minStopPct / 100
	atrDist := atr * atrMultiplier
	return math.Max(pctDist, atrDist)
}

// TargetDistance converts a stop distance into a take-profit distance using
// the configured reward:risk ratio.
func TargetDistance(stopDistance, rewardRisk float64) float64 {
	if rewardRisk <= 0 {
		rewardRisk = 2
	}
	return stopDistance * rewardRisk
}
