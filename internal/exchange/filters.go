package exchange

import (
	"context"
	"fmt"
	"math"
	"strconv"
)

// LoadSymbolFilters fetches exchangeInfo and extracts the trading rules for
// each requested symbol. Missing or non-trading symbols are an error so
// misconfiguration surfaces at startup.
func (c *Client) LoadSymbolFilters(ctx context.Context, symbols []string) (map[string]SymbolFilters, error) {
	var info exchangeInfo
	if err := c.publicGet(ctx, "/fapi/v1/exchangeInfo", nil, 1, &info); err != nil {
		return nil, fmt.Errorf("load exchange info: %w", err)
	}

	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		wanted[normalizeSymbol(s)] = true
	}

	filters := make(map[string]SymbolFilters, len(symbols))
	for _, sym := range info.Symbols {
		if !wanted[sym.Symbol] {
			continue
		}
		if sym.Status != "TRADING" {
			return nil, fmt.Errorf("symbol %s is not trading (status %s)", sym.Symbol, sym.Status)
		}
		f := SymbolFilters{Symbol: sym.Symbol}
		for _, raw := range sym.Filters {
			switch raw.FilterType {
			case "LOT_SIZE":
				f.StepSize = parseFloat(raw.StepSize)
				f.MinQty = parseFloat(raw.MinQty)
			case "PRICE_FILTER":
				f.TickSize = parseFloat(raw.TickSize)
			case "MIN_NOTIONAL":
				f.MinNotional = parseFloat(raw.MinNotional)
			}
		}
		filters[sym.Symbol] = f
	}

	for s := range wanted {
		if _, ok := filters[s]; !ok {
			return nil, fmt.Errorf("symbol %s not found in exchange info", s)
		}
	}
	return filters, nil
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// RoundQty floors a quantity to the symbol's step size. Flooring, not
// rounding, so the order never exceeds the sized risk.
func (f SymbolFilters) RoundQty(qty float64) float64 {
	if f.StepSize <= 0 {
		return qty
	}
	steps := math.Floor(qty / f.StepSize)
	return roundToStep(steps*f.StepSize, f.StepSize)
}

// RoundPrice rounds a price to the symbol's tick size.
func (f SymbolFilters) RoundPrice(price float64) float64 {
	if f.TickSize <= 0 {
		return price
	}
	ticks := math.Round(price / f.TickSize)
	return roundToStep(ticks*f.TickSize, f.TickSize)
}

// EnsureMinNotional bumps a rounded quantity up in whole steps until the
// order value meets the symbol's minimum notional. Returns 0 when the bump
// would more than double the requested quantity, so sizing mistakes surface
// instead of silently growing the position.
func (f SymbolFilters) EnsureMinNotional(qty, price float64) float64 {
	if f.MinNotional <= 0 || price <= 0 || qty*price >= f.MinNotional {
		return qty
	}
	step := f.StepSize
	if step <= 0 {
		step = f.MinQty
	}
	if step <= 0 {
		return 0
	}
	needed := roundToStep(math.Ceil(f.MinNotional/price/step)*step, step)
	if needed < f.MinQty {
		needed = f.MinQty
	}
	if qty > 0 && needed > 2*qty {
		return 0
	}
	return needed
}

// ValidateOrder checks a rounded quantity against the symbol's minimums.
func (f SymbolFilters) ValidateOrder(qty, price float64) error {
	if qty < f.MinQty {
		return fmt.Errorf("quantity %.8f below minimum %.8f for %s", qty, f.MinQty, f.Symbol)
	}
	if f.MinNotional > 0 && qty*price < f.MinNotional {
		return fmt.Errorf("notional %.2f below minimum %.2f for %s", qty*price, f.MinNotional, f.Symbol)
	}
	return nil
}

// FormatQty renders a quantity with the precision implied by the step size.
func (f SymbolFilters) FormatQty(qty float64) string {
	return strconv.FormatFloat(qty, 'f', decimalsOf(f.StepSize), 64)
}

// roundToStep clears the floating point noise multiplication introduces.
func roundToStep(v, step float64) float64 {
	prec := decimalsOf(step)
	scale := math.Pow10(prec)
	return math.Round(v*scale) / scale
}

// decimalsOf returns the number of decimal places of a step like 0.001.
func decimalsOf(step float64) int {
	if step <= 0 || step >= 1 {
		return 0
	}
	d := 0
	for step < 1 && d < 8 {
		step *= 10
		d++
	}
	return d
}
