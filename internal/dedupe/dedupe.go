package dedupe

import (
	"sync"
	"time"

	"github.com/Rajchodisetti/signal-engine/internal/observ"
	"github.com/Rajchodisetti/signal-engine/internal/signal"
)

// DefaultWindow is the signal-time distance under which two equivalent alerts are
// considered a probable re-send.
const DefaultWindow = 60 * time.Second

// Annotate returns the id of the closest earlier-or-later signal in recent that
// looks like the same alert: same strategy and symbol, equivalent type
// (BUY≈LONG, SELL≈SHORT) and signal times less than window apart.
// It never rejects; nil means no duplicate.
func Annotate(sig signal.Signal, recent []signal.Signal, window time.Duration) *string {
	if window <= 0 {
		window = DefaultWindow
	}
	var (
		best     *string
		bestDist time.Duration
	)
	for i := range recent {
		other := recent[i]
		if other.ID == sig.ID || other.StrategyID != sig.StrategyID || other.Symbol != sig.Symbol {
			continue
		}
		if !sig.Type.Equivalent(other.Type) {
			continue
		}
		dist := sig.SignalTime.Sub(other.SignalTime)
		if dist < 0 {
			dist = -dist
		}
		if dist >= window {
			continue
		}
		if best == nil || dist < bestDist {
			id := other.ID
			best, bestDist = &id, dist
		}
	}
	return best
}

// Detector adds a process-local memory of recently accepted signals so concurrent
// re-sends see each other before either has reached the store. Check-and-record is
// atomic per strategy.
type Detector struct {
	window time.Duration
	retain time.Duration
	now    func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

type bucket struct {
	mu      sync.Mutex
	signals []signal.Signal
	removed bool
}

// NewDetector keeps signals for retain (at least twice the window).
func NewDetector(window, retain time.Duration) *Detector {
	if window <= 0 {
		window = DefaultWindow
	}
	if retain < 2*window {
		retain = 2 * window
	}
	return &Detector{
		window:  window,
		retain:  retain,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Window is the duplicate threshold in use.
func (d *Detector) Window() time.Duration { return d.window }

// Lookback is how far back callers should read stored signals to feed Check.
func (d *Detector) Lookback() time.Duration { return d.retain }

// lock returns the strategy's live bucket, locked.
func (d *Detector) lock(strategyID string) *bucket {
	for {
		d.mu.Lock()
		b, ok := d.buckets[strategyID]
		if !ok {
			b = &bucket{}
			d.buckets[strategyID] = b
		}
		d.mu.Unlock()

		b.mu.Lock()
		if !b.removed {
			return b
		}
		b.mu.Unlock()
	}
}

// sweep drops buckets of strategies that sent nothing within retain of now.
// It runs at most once per retain period; busy buckets are left for next time.
func (d *Detector) sweep(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if now.Sub(d.lastSweep) < d.retain {
		return
	}
	d.lastSweep = now
	cutoff := now.Add(-d.retain)
	for id, b := range d.buckets {
		if !b.mu.TryLock() {
			continue
		}
		if b.idle(cutoff) {
			b.removed = true
			delete(d.buckets, id)
		}
		b.mu.Unlock()
	}
}

func (b *bucket) idle(cutoff time.Time) bool {
	for _, s := range b.signals {
		if s.ReceivedAt.After(cutoff) {
			return false
		}
	}
	return true
}

// Check annotates sig against stored plus the in-process window, then remembers it.
// Local memory older than retain before sig's arrival is pruned first.
// The returned signal carries PossibleDuplicateOf when a match was found.
func (d *Detector) Check(sig signal.Signal, stored []signal.Signal) signal.Signal {
	anchor := sig.ReceivedAt
	if anchor.IsZero() {
		anchor = d.now()
	}
	d.sweep(anchor)

	b := d.lock(sig.StrategyID)
	defer b.mu.Unlock()

	cutoff := anchor.Add(-d.retain)
	kept := b.signals[:0]
	for _, s := range b.signals {
		if s.ReceivedAt.After(cutoff) {
			kept = append(kept, s)
		}
	}
	b.signals = kept

	candidates := make([]signal.Signal, 0, len(stored)+len(b.signals))
	candidates = append(candidates, stored...)
	candidates = append(candidates, b.signals...)

	if ref := Annotate(sig, candidates, d.window); ref != nil {
		sig = sig.WithDuplicateOf(*ref)
		observ.IncCounter("duplicate_signals_total", map[string]string{"type": string(sig.Type)})
	}
	b.signals = append(b.signals, sig)
	return sig
}

// Forget drops a signal that was checked but never stored, so it cannot be
// reported as the original of a later alert.
func (d *Detector) Forget(strategyID, signalID string) {
	d.mu.Lock()
	b, ok := d.buckets[strategyID]
	d.mu.Unlock()
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.signals {
		if s.ID == signalID {
			b.signals = append(b.signals[:i], b.signals[i+1:]...)
			return
		}
	}
}
