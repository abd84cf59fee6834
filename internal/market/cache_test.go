package market

import (
	"sync"
	"testing"
	"time"
)

func TestPriceCacheSetGet(t *testing.T) {
	cache := NewPriceCache()

	if _, ok := cache.Price("BTCUSDT"); ok {
		t.Fatal("empty cache returned a price")
	}

	cache.Set("BTCUSDT", 45000.5)
	price, observedAt, ok := cache.Get("BTCUSDT")
	if !ok {
		t.Fatal("price missing after Set")
	}
	if price != 45000.5 {
		t.Errorf("expected 45000.5, got %v", price)
	}
	if observedAt.IsZero() || time.Since(observedAt) > time.Second {
		t.Errorf("observation time not recorded: %v", observedAt)
	}
}

func TestPriceCacheOverwrite(t *testing.T) {
	cache := NewPriceCache()
	cache.Set("ETHUSDT", 3000)
	cache.Set("ETHUSDT", 3001)

	if price, _ := cache.Price("ETHUSDT"); price != 3001 {
		t.Errorf("expected latest price 3001, got %v", price)
	}
}

func TestPriceCacheAge(t *testing.T) {
	cache := NewPriceCache()
	if _, ok := cache.Age("BTCUSDT"); ok {
		t.Fatal("Age reported for missing symbol")
	}
	cache.Set("BTCUSDT", 45000)
	age, ok := cache.Age("BTCUSDT")
	if !ok || age > time.Second {
		t.Errorf("unexpected age %v ok=%v", age, ok)
	}
}

// TestPriceCacheConcurrent exercises the multi-writer/multi-reader contract
// under the race detector.
func TestPriceCacheConcurrent(t *testing.T) {
	cache := NewPriceCache()
	symbols := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}

	var wg sync.WaitGroup
	for _, sym := range symbols {
		wg.Add(2)
		go func(sym string) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				cache.Set(sym, float64(i))
			}
		}(sym)
		go func(sym string) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				cache.Price(sym)
				cache.Snapshot()
			}
		}(sym)
	}
	wg.Wait()

	snap := cache.Snapshot()
	if len(snap) != len(symbols) {
		t.Errorf("expected %d symbols in snapshot, got %d", len(symbols), len(snap))
	}
}
