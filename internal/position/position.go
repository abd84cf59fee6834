package position

import (
	"fmt"
	"time"
)

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Opposite returns the closing order direction for this side.
func (s Side) Opposite() string {
	if s == SideLong {
		return "SELL"
	}
	return "BUY"
}

// OrderSide returns the entry order direction for this side.
func (s Side) OrderSide() string {
	if s == SideLong {
		return "BUY"
	}
	return "SELL"
}

// TrailingMode selects how the trailing distance is computed.
type TrailingMode string

const (
	TrailingPercent TrailingMode = "percent"
	TrailingATR     TrailingMode = "atr"
)

// TrailingSettings holds the per-position trailing stop configuration,
// captured at entry time so a later config change does not alter a live
// position's behavior.
type TrailingSettings struct {
	Enabled       bool         `json:"enabled"`
	Mode          TrailingMode `json:"mode"`
	OffsetPct     float64      `json:"offset_pct"`
	ATRMultiplier float64      `json:"atr_multiplier"`
	TriggerPct    float64      `json:"trigger_pct"`
	BreakevenPct  float64      `json:"breakeven_pct,omitempty"`
	ATR           float64      `json:"atr,omitempty"`
}

// Position is an open trade. Exactly one may exist per (symbol, side).
// TrailingStop is the only field mutated after creation; the exit fields are
// filled in on the record handed to the journal, never on the stored copy.
type Position struct {
	Symbol       string           `json:"symbol"`
	Side         Side             `json:"side"`
	EntryTime    time.Time        `json:"entry_time"`
	EntryPrice   float64          `json:"entry_price"`
	Size         float64          `json:"size"`
	StopLoss     float64          `json:"stop_loss"`
	TakeProfit   float64          `json:"take_profit"`
	TrailingStop float64          `json:"trailing_stop"`
	Trailing     TrailingSettings `json:"trailing"`
	OrderID      int64            `json:"order_id"`
	BarsHeld     int              `json:"bars_held"`

	ExitTime    time.Time `json:"exit_time,omitempty"`
	ExitPrice   float64   `json:"exit_price,omitempty"`
	RealizedPnL float64   `json:"realized_pnl,omitempty"`
}

// Key identifies a position in the store.
func (p *Position) Key() string {
	return fmt.Sprintf("%s/%s", p.Symbol, p.Side)
}

// PnLAt returns the unrealized profit of the position at the given price.
func (p *Position) PnLAt(price float64) float64 {
	if p.Side == SideLong {
		return (price - p.EntryPrice) * p.Size
	}
	return (p.EntryPrice - price) * p.Size
}

// StopBreached reports whether the given price has crossed the trailing stop.
// A zero stop (adopted positions) never triggers.
func (p *Position) StopBreached(price float64) bool {
	if p.TrailingStop <= 0 {
		return false
	}
	if p.Side == SideLong {
		return price <= p.TrailingStop
	}
	return price >= p.TrailingStop
}

// TargetReached reports whether the given price has reached the take profit.
// A zero target (adopted positions) never triggers.
func (p *Position) TargetReached(price float64) bool {
	if p.TakeProfit <= 0 {
		return false
	}
	if p.Side == SideLong {
		return price >= p.TakeProfit
	}
	return price <= p.TakeProfit
}
