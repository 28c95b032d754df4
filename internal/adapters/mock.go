package adapters

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MockPriceSource provides deterministic prices for testing. Latency and
// failures are configurable per symbol.
type MockPriceSource struct {
	mu      sync.Mutex
	quotes  map[string]Quote
	latency map[string]time.Duration
	errs    map[string]error
	calls   map[string]int
	now     func() time.Time
}

// NewMockPriceSource creates a mock source with a few predefined prices
func NewMockPriceSource() *MockPriceSource {
	m := &MockPriceSource{
		quotes:  make(map[string]Quote),
		latency: make(map[string]time.Duration),
		errs:    make(map[string]error),
		calls:   make(map[string]int),
		now:     time.Now,
	}
	m.SetPrice("AAPL", decimal.RequireFromString("206.80"))
	m.SetPrice("NVDA", decimal.RequireFromString("450.00"))
	m.SetPrice("BIOX", decimal.RequireFromString("12.50"))
	return m
}

// GetPrice returns the configured quote after the symbol's simulated latency
func (m *MockPriceSource) GetPrice(ctx context.Context, symbol string) (Quote, error) {
	symbol = NormalizeSymbol(symbol)

	m.mu.Lock()
	m.calls[symbol]++
	delay := m.latency[symbol]
	err := m.errs[symbol]
	q, exists := m.quotes[symbol]
	m.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Quote{}, NewTimeoutError(symbol, ctx.Err())
		case <-timer.C:
		}
	}
	if ctx.Err() != nil {
		return Quote{}, NewTimeoutError(symbol, ctx.Err())
	}
	if err != nil {
		return Quote{}, err
	}
	if !exists {
		return Quote{}, NewBadSymbolError(symbol, "symbol not found in mock data")
	}
	if q.AsOf.IsZero() {
		q.AsOf = m.now()
	}
	return q, nil
}

// SetPrice sets a fresh price; AsOf is stamped at read time
func (m *MockPriceSource) SetPrice(symbol string, price decimal.Decimal) {
	m.SetQuote(Quote{Symbol: symbol, Price: price})
}

// SetQuote stores a full quote, including an explicit AsOf for staleness tests
func (m *MockPriceSource) SetQuote(q Quote) {
	q.Symbol = NormalizeSymbol(q.Symbol)
	q.Source = "mock"
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes[q.Symbol] = q
}

// SetLatency allows tests to control simulated latency per symbol
func (m *MockPriceSource) SetLatency(symbol string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency[NormalizeSymbol(symbol)] = d
}

// SetError makes every fetch of symbol fail with err; nil clears it
func (m *MockPriceSource) SetError(symbol string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errs, NormalizeSymbol(symbol))
		return
	}
	m.errs[NormalizeSymbol(symbol)] = err
}

// RemoveQuote allows tests to remove quotes
func (m *MockPriceSource) RemoveQuote(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.quotes, NormalizeSymbol(symbol))
}

// Calls reports how many times symbol was fetched
func (m *MockPriceSource) Calls(symbol string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[NormalizeSymbol(symbol)]
}
