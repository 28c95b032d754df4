package pnl

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/signal-engine/internal/adapters"
	"github.com/Rajchodisetti/signal-engine/internal/trade"
)

type fakeTrades struct {
	mu     sync.Mutex
	trades []trade.Trade
}

func (f *fakeTrades) OpenTrades() []trade.Trade {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]trade.Trade(nil), f.trades...)
}

func (f *fakeTrades) set(trades ...trade.Trade) {
	f.mu.Lock()
	f.trades = trades
	f.mu.Unlock()
}

// stuckSource never returns until released, ignoring ctx
type stuckSource struct {
	release chan struct{}
	inner   adapters.PriceSource
	stuck   string
}

func (s *stuckSource) GetPrice(ctx context.Context, symbol string) (adapters.Quote, error) {
	if symbol == s.stuck {
		<-s.release
	}
	return s.inner.GetPrice(ctx, symbol)
}

func openTrade(id, symbol string, dir trade.Direction, entry string) trade.Trade {
	return trade.Trade{
		ID:         id,
		StrategyID: "strat-1",
		Symbol:     symbol,
		Direction:  dir,
		Status:     trade.StatusOpen,
		EntryPrice: decimal.RequireFromString(entry),
		EntryTime:  time.Now().Add(-time.Hour),
	}
}

func byTrade(snap Snapshot) map[string]PositionPnL {
	out := make(map[string]PositionPnL, len(snap.Positions))
	for _, p := range snap.Positions {
		out[p.TradeID] = p
	}
	return out
}

func TestTracker_PositionPnL(t *testing.T) {
	src := adapters.NewMockPriceSource()
	src.SetPrice("AAPL", decimal.NewFromInt(110))
	src.SetPrice("TSLA", decimal.NewFromInt(90))
	trades := &fakeTrades{}
	trades.set(
		openTrade("t-long", "AAPL", trade.Long, "100"),
		openTrade("t-short", "TSLA", trade.Short, "100"),
	)
	tr := NewTracker(trades, src, Config{FetchTimeout: time.Second})

	snap := tr.PollOnce(context.Background())
	got := byTrade(snap)
	require.Len(t, got, 2)
	for _, id := range []string{"t-long", "t-short"} {
		p := got[id]
		require.True(t, p.Available, id)
		assert.True(t, decimal.NewFromInt(10).Equal(*p.PnLPercent), "%s pnl %s", id, p.PnLPercent)
	}
	assert.Len(t, snap.Prices, 2)
	assert.Equal(t, snap, tr.Snapshot())
}

func TestTracker_SlowSymbolDoesNotStallOthers(t *testing.T) {
	src := adapters.NewMockPriceSource()
	src.SetPrice("AAPL", decimal.NewFromInt(200))
	src.SetPrice("SLOW", decimal.NewFromInt(10))
	src.SetLatency("SLOW", 5*time.Second)
	trades := &fakeTrades{}
	trades.set(openTrade("t-1", "AAPL", trade.Long, "100"), openTrade("t-2", "SLOW", trade.Long, "10"))
	tr := NewTracker(trades, src, Config{FetchTimeout: 50 * time.Millisecond})

	start := time.Now()
	snap := tr.PollOnce(context.Background())
	assert.Less(t, time.Since(start), time.Second)

	got := byTrade(snap)
	assert.True(t, got["t-1"].Available)
	assert.True(t, decimal.NewFromInt(100).Equal(*got["t-1"].PnLPercent))
	assert.False(t, got["t-2"].Available)
	assert.Nil(t, got["t-2"].PnLPercent)
}

func TestTracker_SourceIgnoringDeadline(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	src := &stuckSource{release: release, inner: adapters.NewMockPriceSource(), stuck: "NVDA"}
	trades := &fakeTrades{}
	trades.set(openTrade("t-1", "AAPL", trade.Long, "200"), openTrade("t-2", "NVDA", trade.Short, "400"))
	tr := NewTracker(trades, src, Config{FetchTimeout: 30 * time.Millisecond})

	start := time.Now()
	snap := tr.PollOnce(context.Background())
	assert.Less(t, time.Since(start), time.Second)
	got := byTrade(snap)
	assert.True(t, got["t-1"].Available)
	assert.False(t, got["t-2"].Available)
	for _, lp := range snap.Prices {
		if lp.Symbol == "NVDA" {
			assert.Equal(t, "timeout", lp.Reason)
		}
	}
}

func TestTracker_Unavailable(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name   string
		setup  func(m *adapters.MockPriceSource)
		reason string
	}{
		{
			name: "stale_quote",
			setup: func(m *adapters.MockPriceSource) {
				m.SetQuote(adapters.Quote{Symbol: "AAPL", Price: decimal.NewFromInt(1), AsOf: now.Add(-10 * time.Minute)})
			},
			reason: "stale",
		},
		{
			name:   "provider_error",
			setup:  func(m *adapters.MockPriceSource) { m.SetError("AAPL", adapters.NewProviderError("AAPL", "HTTP 500", nil)) },
			reason: "provider_error",
		},
		{
			name:   "unknown_symbol",
			setup:  func(m *adapters.MockPriceSource) { m.RemoveQuote("AAPL") },
			reason: "bad_symbol",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := adapters.NewMockPriceSource()
			tt.setup(src)
			trades := &fakeTrades{}
			trades.set(openTrade("t-1", "AAPL", trade.Long, "100"))
			tr := NewTracker(trades, src, Config{StaleAfter: 2 * time.Minute})

			snap := tr.PollOnce(context.Background())
			require.Len(t, snap.Prices, 1)
			assert.False(t, snap.Prices[0].Available)
			assert.Equal(t, tt.reason, snap.Prices[0].Reason)
			assert.False(t, snap.Positions[0].Available)
		})
	}
}

func TestTracker_EvictsClosedSymbols(t *testing.T) {
	src := adapters.NewMockPriceSource()
	trades := &fakeTrades{}
	trades.set(openTrade("t-1", "AAPL", trade.Long, "100"), openTrade("t-2", "NVDA", trade.Long, "100"))
	tr := NewTracker(trades, src, Config{})

	tr.PollOnce(context.Background())
	assert.Equal(t, []string{"AAPL", "NVDA"}, tr.cache.Symbols())

	trades.set(openTrade("t-1", "AAPL", trade.Long, "100"))
	snap := tr.PollOnce(context.Background())
	assert.Equal(t, []string{"AAPL"}, tr.cache.Symbols())
	require.Len(t, snap.Prices, 1)
	assert.Equal(t, 1, src.Calls("NVDA"), "closed symbols are no longer fetched")
}

func TestTracker_Subscribe(t *testing.T) {
	src := adapters.NewMockPriceSource()
	trades := &fakeTrades{}
	trades.set(openTrade("t-1", "AAPL", trade.Long, "100"))
	tr := NewTracker(trades, src, Config{})

	ch := tr.Subscribe(1)
	tr.PollOnce(context.Background())
	select {
	case snap := <-ch:
		assert.Len(t, snap.Positions, 1)
	case <-time.After(time.Second):
		t.Fatal("no snapshot published")
	}

	// a full buffer drops instead of blocking the cycle
	tr.PollOnce(context.Background())
	tr.PollOnce(context.Background())
	assert.Len(t, ch, 1)

	tr.Unsubscribe(ch)
	_, open := <-ch
	assert.True(t, open, "buffered snapshot still readable")
	_, open = <-ch
	assert.False(t, open)
}

func TestTracker_RunStopsOnCancel(t *testing.T) {
	src := adapters.NewMockPriceSource()
	trades := &fakeTrades{}
	trades.set(openTrade("t-1", "AAPL", trade.Long, "100"))
	tr := NewTracker(trades, src, Config{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()

	require.Eventually(t, func() bool { return src.Calls("AAPL") >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
