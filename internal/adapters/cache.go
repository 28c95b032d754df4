package adapters

import (
	"sort"
	"sync"
	"time"

	"github.com/Rajchodisetti/signal-engine/internal/observ"
)

// PriceCache provides thread-safe caching of the last fetch result per symbol
type PriceCache struct {
	mu     sync.RWMutex
	prices map[string]CachedPrice
}

// CachedPrice is a quote with caching metadata. Available is false when the
// last fetch failed, timed out or returned a stale quote.
type CachedPrice struct {
	Quote     Quote     `json:"quote"`
	FetchedAt time.Time `json:"fetched_at"`
	Available bool      `json:"available"`
	Reason    string    `json:"reason,omitempty"`
}

// NewPriceCache creates an empty cache
func NewPriceCache() *PriceCache {
	return &PriceCache{prices: make(map[string]CachedPrice)}
}

// Get retrieves the last cached result for symbol
func (pc *PriceCache) Get(symbol string) (CachedPrice, bool) {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	cached, exists := pc.prices[symbol]
	if !exists {
		observ.IncCounter("price_cache_miss_total", map[string]string{})
	}
	return cached, exists
}

// Set stores a successful fetch
func (pc *PriceCache) Set(q Quote, fetchedAt time.Time) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.prices[q.Symbol] = CachedPrice{Quote: q, FetchedAt: fetchedAt, Available: true}
}

// MarkUnavailable records a failed fetch. The last good quote is kept for
// reference but is no longer reported as available.
func (pc *PriceCache) MarkUnavailable(symbol, reason string, fetchedAt time.Time) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	prev := pc.prices[symbol]
	prev.Quote.Symbol = symbol
	prev.FetchedAt = fetchedAt
	prev.Available = false
	prev.Reason = reason
	pc.prices[symbol] = prev
}

// Retain evicts every symbol not in keep and returns how many were evicted
func (pc *PriceCache) Retain(keep map[string]struct{}) int {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	evicted := 0
	for symbol := range pc.prices {
		if _, ok := keep[symbol]; !ok {
			delete(pc.prices, symbol)
			evicted++
		}
	}
	if evicted > 0 {
		observ.IncCounterBy("price_cache_evictions_total", map[string]string{}, float64(evicted))
	}
	observ.SetGauge("price_cache_size", float64(len(pc.prices)), map[string]string{})
	return evicted
}

// Symbols returns the cached symbols in sorted order
func (pc *PriceCache) Symbols() []string {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	out := make([]string, 0, len(pc.prices))
	for symbol := range pc.prices {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of cached symbols
func (pc *PriceCache) Len() int {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return len(pc.prices)
}
