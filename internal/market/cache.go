package market

import (
	"sync"
	"time"
)

type tick struct {
	price      float64
	observedAt time.Time
}

// PriceCache is a thread-safe map of symbol -> last observed price. The
// price-stream worker writes it, everything else reads it. Entries are never
// evicted; callers that care about staleness check the observation time.
type PriceCache struct {
	mu    sync.RWMutex
	ticks map[string]tick
}

// NewPriceCache creates an empty cache.
func NewPriceCache() *PriceCache {
	return &PriceCache{ticks: make(map[string]tick)}
}

// Set records the latest price for a symbol.
func (c *PriceCache) Set(symbol string, price float64) {
	c.mu.Lock()
	c.ticks[symbol] = tick{price: price, observedAt: time.Now()}
	c.mu.Unlock()
}

// Get returns the last price and when it was observed.
func (c *PriceCache) Get(symbol string) (price float64, observedAt time.Time, ok bool) {
	c.mu.RLock()
	t, ok := c.ticks[symbol]
	c.mu.RUnlock()
	return t.price, t.observedAt, ok
}

// Price returns just the last price for a symbol.
func (c *PriceCache) Price(symbol string) (float64, bool) {
	p, _, ok := c.Get(symbol)
	return p, ok
}

// Age returns how long ago the symbol's price was observed.
func (c *PriceCache) Age(symbol string) (time.Duration, bool) {
	_, at, ok := c.Get(symbol)
	if !ok {
		return 0, false
	}
	return time.Since(at), true
}

// Snapshot returns a copy of all cached prices, for the status surface.
func (c *PriceCache) Snapshot() map[string]float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]float64, len(c.ticks))
	for sym, t := range c.ticks {
		out[sym] = t.price
	}
	return out
}
