package trade

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Rajchodisetti/signal-engine/internal/observ"
	"github.com/Rajchodisetti/signal-engine/internal/signal"
)

var (
	ErrTradeNotFound = errors.New("trade not found")
	ErrNotOpen       = errors.New("trade is not open")
)

// Writer persists trade transitions. The engine commits in-memory state only
// after UpsertTrade succeeds.
type Writer interface {
	UpsertTrade(ctx context.Context, t Trade) error
}

// Action is what processing one signal did to its key.
type Action string

const (
	ActionOpened    Action = "opened"
	ActionClosed    Action = "closed"
	ActionIgnored   Action = "ignored"
	ActionLate      Action = "late"
	ActionBuffered  Action = "buffered"
	ActionDuplicate Action = "duplicate"
)

// Outcome reports the effect of a signal. Trade is set for Opened and Closed.
type Outcome struct {
	Action Action `json:"action"`
	Trade  *Trade `json:"trade,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Changed reports whether the outcome mutated a trade.
func (o Outcome) Changed() bool {
	return o.Action == ActionOpened || o.Action == ActionClosed
}

// DefaultReorderWindow is what configuration loading fills in for an unset
// reorder_window.
const DefaultReorderWindow = 2 * time.Second

// Config tunes ordering behaviour.
type Config struct {
	// ReorderWindow buffers signals per key and applies them in signal-time
	// order once the window elapses. Zero or negative applies immediately;
	// configs use a negative value to opt out of DefaultReorderWindow.
	ReorderWindow time.Duration `yaml:"reorder_window"`
	// SeenLimit caps remembered signal ids per key before old ones are pruned.
	SeenLimit int `yaml:"seen_limit"`
}

const (
	defaultSeenLimit = 4096
	seenHorizon      = time.Hour
)

// OnApply is called after a buffered signal is applied by the flush timer.
type OnApply func(sig signal.Signal, out Outcome)

type keyState struct {
	mu        sync.Mutex
	open      *Trade
	watermark time.Time
	seen      map[string]time.Time
	pending   pendingQueue
	timer     *time.Timer
}

// Engine owns the trade lifecycle. Each (strategy, symbol) key has a single
// writer; different keys proceed in parallel.
type Engine struct {
	writer  Writer
	cfg     Config
	now     func() time.Time
	newID   func() string
	onApply OnApply

	mu     sync.Mutex
	keys   map[Key]*keyState
	openBy map[string]Key
}

// Option configures an Engine.
type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithIDs(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

// WithOnApply registers a hook for signals applied from the reorder buffer.
func WithOnApply(fn OnApply) Option {
	return func(e *Engine) { e.onApply = fn }
}

// NewEngine creates an engine that persists through w.
func NewEngine(w Writer, cfg Config, opts ...Option) *Engine {
	if cfg.SeenLimit <= 0 {
		cfg.SeenLimit = defaultSeenLimit
	}
	e := &Engine{
		writer: w,
		cfg:    cfg,
		now:    time.Now,
		newID:  uuid.NewString,
		keys:   make(map[Key]*keyState),
		openBy: make(map[string]Key),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) state(k Key) *keyState {
	e.mu.Lock()
	defer e.mu.Unlock()
	ks, ok := e.keys[k]
	if !ok {
		ks = &keyState{seen: make(map[string]time.Time)}
		e.keys[k] = ks
	}
	return ks
}

// Process feeds one accepted signal into its key's lifecycle.
func (e *Engine) Process(ctx context.Context, sig signal.Signal) (Outcome, error) {
	k := Key{StrategyID: sig.StrategyID, Symbol: sig.Symbol}
	ks := e.state(k)
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if e.cfg.ReorderWindow <= 0 {
		return e.apply(ctx, k, ks, sig)
	}
	if _, ok := ks.seen[sig.ID]; ok || ks.pending.contains(sig.ID) {
		return e.record(Outcome{Action: ActionDuplicate, Reason: "signal already processed"}), nil
	}
	ks.pending.push(sig)
	if ks.timer == nil {
		ks.timer = time.AfterFunc(e.cfg.ReorderWindow, func() { e.flushKey(k) })
	}
	return e.record(Outcome{Action: ActionBuffered}), nil
}

// apply runs one transition. Caller holds ks.mu.
func (e *Engine) apply(ctx context.Context, k Key, ks *keyState, sig signal.Signal) (Outcome, error) {
	if _, ok := ks.seen[sig.ID]; ok {
		return e.record(Outcome{Action: ActionDuplicate, Reason: "signal already processed"}), nil
	}
	if sig.SignalTime.Before(ks.watermark) {
		ks.markSeen(sig, e.cfg.SeenLimit)
		return e.record(Outcome{Action: ActionLate, Reason: "signal older than last applied signal"}), nil
	}

	next, out := e.transition(ks.open, sig)
	if next != nil {
		if err := e.writer.UpsertTrade(ctx, *next); err != nil {
			observ.IncCounter("trade_persist_failures_total", map[string]string{"action": string(out.Action)})
			return Outcome{}, fmt.Errorf("persist trade %s: %w", next.ID, err)
		}
		e.commit(k, ks, next)
		snapshot := *next
		out.Trade = &snapshot
	}
	if sig.SignalTime.After(ks.watermark) && sig.Type.Intent() != signal.IntentNone {
		ks.watermark = sig.SignalTime
	}
	ks.markSeen(sig, e.cfg.SeenLimit)
	return e.record(out), nil
}

// transition computes the next trade without mutating state; nil means no change.
func (e *Engine) transition(open *Trade, sig signal.Signal) (*Trade, Outcome) {
	intent := sig.Type.Intent()
	if intent == signal.IntentNone {
		return nil, Outcome{Action: ActionIgnored, Reason: "unknown signal type"}
	}
	now := e.now()

	if open == nil {
		if intent == signal.IntentClose {
			return nil, Outcome{Action: ActionIgnored, Reason: "no open trade"}
		}
		dir := Long
		if intent == signal.IntentShort {
			dir = Short
		}
		return &Trade{
			ID:              e.newID(),
			StrategyID:      sig.StrategyID,
			Symbol:          sig.Symbol,
			Direction:       dir,
			Status:          StatusOpen,
			EntryPrice:      sig.Price,
			EntryTime:       sig.SignalTime,
			OpeningSignalID: sig.ID,
			UpdatedAt:       now,
		}, Outcome{Action: ActionOpened}
	}

	if (open.Direction == Long && intent == signal.IntentLong) || (open.Direction == Short && intent == signal.IntentShort) {
		return nil, Outcome{Action: ActionIgnored, Reason: "same-direction re-entry"}
	}

	closed := *open
	exitPrice := sig.Price
	exitTime := sig.SignalTime
	pnl := PnLPercent(open.Direction, open.EntryPrice, exitPrice)
	closingID := sig.ID
	closed.Status = StatusClosed
	closed.ExitPrice = &exitPrice
	closed.ExitTime = &exitTime
	closed.PnLPercent = &pnl
	closed.ClosingSignalID = &closingID
	closed.UpdatedAt = now
	return &closed, Outcome{Action: ActionClosed}
}

// commit installs a persisted trade. Caller holds ks.mu; lock order is ks.mu then e.mu.
func (e *Engine) commit(k Key, ks *keyState, t *Trade) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ks.open != nil {
		delete(e.openBy, ks.open.ID)
	}
	if t.IsOpen() {
		cp := *t
		ks.open = &cp
		e.openBy[t.ID] = k
		return
	}
	ks.open = nil
}

func (e *Engine) record(out Outcome) Outcome {
	observ.IncCounter("trade_outcomes_total", map[string]string{"action": string(out.Action)})
	return out
}

func (ks *keyState) markSeen(sig signal.Signal, limit int) {
	ks.seen[sig.ID] = sig.SignalTime
	if len(ks.seen) <= limit {
		return
	}
	// Anything this far behind the watermark would be Late on re-delivery anyway.
	cutoff := ks.watermark.Add(-seenHorizon)
	for id, at := range ks.seen {
		if at.Before(cutoff) {
			delete(ks.seen, id)
		}
	}
}

func (e *Engine) flushKey(k Key) {
	e.mu.Lock()
	ks, ok := e.keys[k]
	e.mu.Unlock()
	if !ok {
		return
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.timer = nil
	e.drain(context.Background(), k, ks)
}

// drain applies buffered signals in order. On a persistence failure the failed
// signal is put back and the key is retried after another window.
func (e *Engine) drain(ctx context.Context, k Key, ks *keyState) error {
	for ks.pending.Len() > 0 {
		sig := ks.pending.pop()
		out, err := e.apply(ctx, k, ks, sig)
		if err != nil {
			ks.pending.push(sig)
			observ.LogError("trade_flush_failed", err, map[string]any{
				"strategy_id": k.StrategyID,
				"symbol":      k.Symbol,
				"pending":     ks.pending.Len(),
			})
			if ks.timer == nil && e.cfg.ReorderWindow > 0 {
				ks.timer = time.AfterFunc(e.cfg.ReorderWindow, func() { e.flushKey(k) })
			}
			return err
		}
		if e.onApply != nil {
			e.onApply(sig, out)
		}
	}
	return nil
}

// Flush drains every reorder buffer immediately.
func (e *Engine) Flush(ctx context.Context) error {
	e.mu.Lock()
	keys := make([]Key, 0, len(e.keys))
	for k := range e.keys {
		keys = append(keys, k)
	}
	e.mu.Unlock()

	var errs []error
	for _, k := range keys {
		ks := e.state(k)
		ks.mu.Lock()
		if ks.timer != nil {
			ks.timer.Stop()
			ks.timer = nil
		}
		if err := e.drain(ctx, k, ks); err != nil {
			errs = append(errs, err)
		}
		ks.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Restore loads open trades, typically from the store at start-up. Each
// restored key's watermark starts at the trade's entry time.
func (e *Engine) Restore(trades []Trade) int {
	n := 0
	for _, t := range trades {
		if !t.IsOpen() {
			continue
		}
		k := t.KeyOf()
		ks := e.state(k)
		ks.mu.Lock()
		cp := t
		e.commit(k, ks, &cp)
		if t.EntryTime.After(ks.watermark) {
			ks.watermark = t.EntryTime
		}
		ks.seen[t.OpeningSignalID] = t.EntryTime
		ks.mu.Unlock()
		n++
	}
	observ.Log("trades_restored", map[string]any{"count": n})
	return n
}

// Cancel moves an open trade to cancelled and frees its key.
func (e *Engine) Cancel(ctx context.Context, tradeID string) (Trade, error) {
	e.mu.Lock()
	k, ok := e.openBy[tradeID]
	e.mu.Unlock()
	if !ok {
		return Trade{}, ErrTradeNotFound
	}
	ks := e.state(k)
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ks.open == nil || ks.open.ID != tradeID {
		return Trade{}, ErrNotOpen
	}
	cancelled := *ks.open
	cancelled.Status = StatusCancelled
	cancelled.UpdatedAt = e.now()
	if err := e.writer.UpsertTrade(ctx, cancelled); err != nil {
		return Trade{}, fmt.Errorf("persist trade %s: %w", tradeID, err)
	}
	e.commit(k, ks, &cancelled)
	observ.Log("trade_cancelled", map[string]any{
		"trade_id":    tradeID,
		"strategy_id": k.StrategyID,
		"symbol":      k.Symbol,
	})
	return cancelled, nil
}

// Get returns an open trade by id.
func (e *Engine) Get(tradeID string) (Trade, bool) {
	e.mu.Lock()
	k, ok := e.openBy[tradeID]
	e.mu.Unlock()
	if !ok {
		return Trade{}, false
	}
	ks := e.state(k)
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ks.open == nil || ks.open.ID != tradeID {
		return Trade{}, false
	}
	return *ks.open, true
}

// OpenTrades snapshots all open trades ordered by entry time.
func (e *Engine) OpenTrades() []Trade {
	e.mu.Lock()
	states := make([]*keyState, 0, len(e.keys))
	for _, ks := range e.keys {
		states = append(states, ks)
	}
	e.mu.Unlock()

	out := make([]Trade, 0, len(states))
	for _, ks := range states {
		ks.mu.Lock()
		if ks.open != nil {
			out = append(out, *ks.open)
		}
		ks.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntryTime.Equal(out[j].EntryTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].EntryTime.Before(out[j].EntryTime)
	})
	return out
}

// Pending reports how many signals are buffered across all keys.
func (e *Engine) Pending() int {
	e.mu.Lock()
	states := make([]*keyState, 0, len(e.keys))
	for _, ks := range e.keys {
		states = append(states, ks)
	}
	e.mu.Unlock()
	n := 0
	for _, ks := range states {
		ks.mu.Lock()
		n += ks.pending.Len()
		ks.mu.Unlock()
	}
	return n
}
