package risk

import (
	"fmt"
	"math"
	"time"
)

// LiquidationRisk reports whether the liquidation distance implied by the
// leverage is uncomfortably close to normal price movement. With leverage L
// the position is liquidated after roughly a 1/L adverse move; if that is
// within threshold (a fraction, e.g. 0.03) the trade is rejected.
func LiquidationRisk(leverage int, threshold float64) bool {
	if leverage <= 0 {
		return true
	}
	minMove := 1.0 / float64(leverage)
	return minMove <= threshold
}

// SlippageExceeded reports whether the live quote deviates from the signal's
// reference price beyond maxSlippagePct (a percentage of the reference).
func SlippageExceeded(refPrice, livePrice, maxSlippagePct float64) bool {
	if refPrice <= 0 {
		return true
	}
	diff := math.Abs(livePrice-refPrice) / refPrice * 100
	return diff > maxSlippagePct
}

// TradingWindow is an allowed trading-hour range in UTC. Start == End means
// always open; a window crossing midnight (Start > End) is supported.
type TradingWindow struct {
	StartHour int `json:"start_hour"`
	EndHour   int `json:"end_hour"`
}

// Contains reports whether t falls inside the window.
func (w TradingWindow) Contains(t time.Time) bool {
	if w.StartHour == w.EndHour {
		return true
	}
	h := t.UTC().Hour()
	if w.StartHour < w.EndHour {
		return h >= w.StartHour && h < w.EndHour
	}
	return h >= w.StartHour || h < w.EndHour
}

func (w TradingWindow) String() string {
	return fmt.Sprintf("%02d:00-%02d:00 UTC", w.StartHour, w.EndHour)
}

// TradeCounter tracks the number of entries placed per UTC day.
type TradeCounter struct {
	day   string
	count int
}

// Allow reports whether another trade fits under the daily cap, rolling the
// counter over at each UTC day boundary.
func (c *TradeCounter) Allow(now time.Time, maxPerDay int) bool {
	day := now.UTC().Format("2006-01-02")
	if day != c.day {
		c.day = day
		c.count = 0
	}
	if maxPerDay <= 0 {
		return true
	}
	return c.count < maxPerDay
}

// Record counts a placed trade against today's budget.
func (c *TradeCounter) Record(now time.Time) {
	day := now.UTC().Format("2006-01-02")
	if day != c.day {
		c.day = day
		c.count = 0
	}
	c.count++
}
