package pnl

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/Rajchodisetti/signal-engine/internal/adapters"
	"github.com/Rajchodisetti/signal-engine/internal/observ"
	"github.com/Rajchodisetti/signal-engine/internal/trade"
)

// OpenTrades is the tracker's view of the lifecycle engine.
type OpenTrades interface {
	OpenTrades() []trade.Trade
}

// Config controls the refresh cycle
type Config struct {
	Interval       time.Duration `yaml:"interval"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
	StaleAfter     time.Duration `yaml:"stale_after"`
	MaxConcurrency int           `yaml:"max_concurrency"`
}

// DefaultConfig returns the production cadence
func DefaultConfig() Config {
	return Config{
		Interval:       30 * time.Second,
		FetchTimeout:   5 * time.Second,
		StaleAfter:     2 * time.Minute,
		MaxConcurrency: 16,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = d.FetchTimeout
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = d.MaxConcurrency
	}
	return c
}

// LivePrice is the latest fetch result for one symbol
type LivePrice struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	AsOf      time.Time       `json:"as_of"`
	FetchedAt time.Time       `json:"fetched_at"`
	Available bool            `json:"available"`
	Reason    string          `json:"reason,omitempty"`
}

// PositionPnL is the unrealized P&L of one open trade
type PositionPnL struct {
	TradeID      string           `json:"trade_id"`
	StrategyID   string           `json:"strategy_id"`
	Symbol       string           `json:"symbol"`
	Direction    trade.Direction  `json:"direction"`
	EntryPrice   decimal.Decimal  `json:"entry_price"`
	EntryTime    time.Time        `json:"entry_time"`
	CurrentPrice *decimal.Decimal `json:"current_price,omitempty"`
	PnLPercent   *decimal.Decimal `json:"pnl_percent,omitempty"`
	Available    bool             `json:"available"`
	AsOf         *time.Time       `json:"as_of,omitempty"`
}

// Snapshot is the result of one refresh cycle
type Snapshot struct {
	At        time.Time     `json:"at"`
	Positions []PositionPnL `json:"positions"`
	Prices    []LivePrice   `json:"prices"`
}

// Tracker periodically prices every symbol with an open trade
type Tracker struct {
	trades OpenTrades
	source adapters.PriceSource
	cache  *adapters.PriceCache
	cfg    Config
	now    func() time.Time

	mu   sync.RWMutex
	snap Snapshot

	subsMu sync.Mutex
	subs   map[<-chan Snapshot]chan Snapshot
}

// Option configures a Tracker
type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a tracker over the engine's open trades
func NewTracker(trades OpenTrades, source adapters.PriceSource, cfg Config, opts ...Option) *Tracker {
	t := &Tracker{
		trades: trades,
		source: source,
		cache:  adapters.NewPriceCache(),
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		subs:   make(map[<-chan Snapshot]chan Snapshot),
	}
	for _, o := range opts {
		o(t)
	}
	t.snap = Snapshot{At: t.now(), Positions: []PositionPnL{}, Prices: []LivePrice{}}
	return t
}

// Run polls immediately and then every Interval until ctx is done
func (t *Tracker) Run(ctx context.Context) error {
	observ.Log("pnl_tracker_started", map[string]any{
		"interval_ms":      t.cfg.Interval.Milliseconds(),
		"fetch_timeout_ms": t.cfg.FetchTimeout.Milliseconds(),
	})
	t.PollOnce(ctx)

	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			observ.Log("pnl_tracker_stopped", nil)
			return nil
		case <-ticker.C:
			t.PollOnce(ctx)
		}
	}
}

// PollOnce runs one refresh cycle and publishes the snapshot
func (t *Tracker) PollOnce(ctx context.Context) Snapshot {
	start := time.Now()
	open := t.trades.OpenTrades()

	symbols := make(map[string]struct{}, len(open))
	for _, tr := range open {
		symbols[tr.Symbol] = struct{}{}
	}
	t.cache.Retain(symbols)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.cfg.MaxConcurrency)
	for symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			t.refresh(gctx, symbol)
			return nil
		})
	}
	_ = g.Wait()

	snap := t.build(open, symbols)
	t.mu.Lock()
	t.snap = snap
	t.mu.Unlock()
	t.publish(snap)

	observ.RecordDuration("pnl_poll_duration", time.Since(start), map[string]string{})
	observ.SetGauge("pnl_open_positions", float64(len(open)), map[string]string{})
	return snap
}

// refresh fetches one symbol under its own deadline
func (t *Tracker) refresh(ctx context.Context, symbol string) {
	fctx, cancel := context.WithTimeout(ctx, t.cfg.FetchTimeout)
	defer cancel()

	q, err := fetch(fctx, t.source, symbol)
	fetchedAt := t.now()
	if err != nil {
		reason := adapters.ErrorType(err)
		t.cache.MarkUnavailable(symbol, reason, fetchedAt)
		observ.IncCounter("price_unavailable_total", map[string]string{"reason": reason})
		observ.Warn("price_unavailable", map[string]any{"symbol": symbol, "reason": reason, "error": err.Error()})
		return
	}
	if q.IsStale(t.cfg.StaleAfter, fetchedAt) {
		t.cache.MarkUnavailable(symbol, "stale", fetchedAt)
		observ.IncCounter("price_unavailable_total", map[string]string{"reason": "stale"})
		return
	}
	q.Symbol = symbol
	t.cache.Set(q, fetchedAt)
}

type fetchResult struct {
	q   adapters.Quote
	err error
}

// fetch bounds a call by ctx even if the source ignores cancellation
func fetch(ctx context.Context, src adapters.PriceSource, symbol string) (adapters.Quote, error) {
	done := make(chan fetchResult, 1)
	go func() {
		q, err := src.GetPrice(ctx, symbol)
		done <- fetchResult{q, err}
	}()
	select {
	case r := <-done:
		return r.q, r.err
	case <-ctx.Done():
		return adapters.Quote{}, adapters.NewTimeoutError(symbol, ctx.Err())
	}
}

func (t *Tracker) build(open []trade.Trade, symbols map[string]struct{}) Snapshot {
	snap := Snapshot{
		At:        t.now(),
		Positions: make([]PositionPnL, 0, len(open)),
		Prices:    make([]LivePrice, 0, len(symbols)),
	}
	for symbol := range symbols {
		lp := LivePrice{Symbol: symbol, Reason: "not_fetched"}
		if cached, ok := t.cache.Get(symbol); ok {
			lp = LivePrice{
				Symbol:    symbol,
				Price:     cached.Quote.Price,
				AsOf:      cached.Quote.AsOf,
				FetchedAt: cached.FetchedAt,
				Available: cached.Available,
				Reason:    cached.Reason,
			}
		}
		snap.Prices = append(snap.Prices, lp)
	}
	sort.Slice(snap.Prices, func(i, j int) bool { return snap.Prices[i].Symbol < snap.Prices[j].Symbol })

	for _, tr := range open {
		snap.Positions = append(snap.Positions, position(tr, snap.Prices))
	}
	return snap
}

func position(tr trade.Trade, prices []LivePrice) PositionPnL {
	p := PositionPnL{
		TradeID:    tr.ID,
		StrategyID: tr.StrategyID,
		Symbol:     tr.Symbol,
		Direction:  tr.Direction,
		EntryPrice: tr.EntryPrice,
		EntryTime:  tr.EntryTime,
	}
	i := sort.Search(len(prices), func(i int) bool { return prices[i].Symbol >= tr.Symbol })
	if i == len(prices) || prices[i].Symbol != tr.Symbol || !prices[i].Available {
		return p
	}
	lp := prices[i]
	cur := lp.Price
	pnl := trade.PnLPercent(tr.Direction, tr.EntryPrice, cur)
	asOf := lp.AsOf
	p.CurrentPrice = &cur
	p.PnLPercent = &pnl
	p.AsOf = &asOf
	p.Available = true
	return p
}

// Snapshot returns the most recent cycle's result
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snap
}

// Subscribe registers for snapshots published after each cycle. Delivery is
// non-blocking; a subscriber whose buffer is full misses that snapshot.
func (t *Tracker) Subscribe(buffer int) <-chan Snapshot {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Snapshot, buffer)
	t.subsMu.Lock()
	t.subs[ch] = ch
	n := len(t.subs)
	t.subsMu.Unlock()
	observ.SetGauge("pnl_subscribers", float64(n), map[string]string{})
	return ch
}

// Unsubscribe removes and closes a subscription
func (t *Tracker) Unsubscribe(ch <-chan Snapshot) {
	t.subsMu.Lock()
	c, ok := t.subs[ch]
	if ok {
		delete(t.subs, ch)
		close(c)
	}
	n := len(t.subs)
	t.subsMu.Unlock()
	observ.SetGauge("pnl_subscribers", float64(n), map[string]string{})
}

func (t *Tracker) publish(snap Snapshot) {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()
	for _, ch := range t.subs {
		select {
		case ch <- snap:
		default:
			observ.IncCounter("pnl_snapshots_dropped_total", map[string]string{})
		}
	}
}
