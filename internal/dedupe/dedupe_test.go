package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/signal-engine/internal/signal"
)

var t0 = time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

func sig(id, symbol string, typ signal.Type, at time.Time) signal.Signal {
	return signal.Signal{
		ID:         id,
		StrategyID: "strat",
		Symbol:     symbol,
		Type:       typ,
		Price:      decimal.NewFromInt(100),
		SignalTime: at,
		ReceivedAt: at,
	}
}

func TestAnnotate(t *testing.T) {
	testCases := []struct {
		name   string
		prev   signal.Signal
		next   signal.Signal
		wantID string
	}{
		{
			name:   "same_type_10s_apart",
			prev:   sig("a", "AAPL", signal.TypeBuy, t0),
			next:   sig("b", "AAPL", signal.TypeBuy, t0.Add(10*time.Second)),
			wantID: "a",
		},
		{
			name: "same_type_70s_apart",
			prev: sig("a", "AAPL", signal.TypeBuy, t0),
			next: sig("b", "AAPL", signal.TypeBuy, t0.Add(70*time.Second)),
		},
		{
			name: "exactly_window_apart",
			prev: sig("a", "AAPL", signal.TypeBuy, t0),
			next: sig("b", "AAPL", signal.TypeBuy, t0.Add(60*time.Second)),
		},
		{
			name:   "buy_equivalent_to_long",
			prev:   sig("a", "AAPL", signal.TypeBuy, t0),
			next:   sig("b", "AAPL", signal.TypeLong, t0.Add(5*time.Second)),
			wantID: "a",
		},
		{
			name:   "sell_equivalent_to_short",
			prev:   sig("a", "AAPL", signal.TypeShort, t0),
			next:   sig("b", "AAPL", signal.TypeSell, t0.Add(5*time.Second)),
			wantID: "a",
		},
		{
			name: "opposite_direction",
			prev: sig("a", "AAPL", signal.TypeBuy, t0),
			next: sig("b", "AAPL", signal.TypeSell, t0.Add(5*time.Second)),
		},
		{
			name: "different_symbol",
			prev: sig("a", "MSFT", signal.TypeBuy, t0),
			next: sig("b", "AAPL", signal.TypeBuy, t0.Add(5*time.Second)),
		},
		{
			name:   "earlier_signal_time_still_matches",
			prev:   sig("a", "AAPL", signal.TypeClose, t0.Add(30*time.Second)),
			next:   sig("b", "AAPL", signal.TypeClose, t0),
			wantID: "a",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ref := Annotate(tc.next, []signal.Signal{tc.prev}, DefaultWindow)
			if tc.wantID == "" {
				assert.Nil(t, ref)
				return
			}
			require.NotNil(t, ref)
			assert.Equal(t, tc.wantID, *ref)
		})
	}
}

func TestAnnotate_PicksClosestAndSkipsSelfAndOtherStrategies(t *testing.T) {
	next := sig("n", "AAPL", signal.TypeBuy, t0.Add(40*time.Second))
	other := sig("x", "AAPL", signal.TypeBuy, t0.Add(39*time.Second))
	other.StrategyID = "someone-else"

	recent := []signal.Signal{
		sig("far", "AAPL", signal.TypeBuy, t0),
		sig("near", "AAPL", signal.TypeLong, t0.Add(35*time.Second)),
		next,
		other,
	}
	ref := Annotate(next, recent, DefaultWindow)
	require.NotNil(t, ref)
	assert.Equal(t, "near", *ref)
}

func TestDetector_SeesConcurrentResends(t *testing.T) {
	d := NewDetector(DefaultWindow, 0)

	var wg sync.WaitGroup
	results := make([]signal.Signal, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := sig(fmt.Sprintf("s%d", i), "AAPL", signal.TypeBuy, t0.Add(time.Duration(i)*time.Second))
			results[i] = d.Check(s, nil)
		}(i)
	}
	wg.Wait()

	unflagged := 0
	for _, r := range results {
		if r.PossibleDuplicateOf == nil {
			unflagged++
		}
	}
	assert.Equal(t, 1, unflagged, "exactly one of a burst of re-sends is the original")
}

func TestDetector_MergesStoredAndPrunes(t *testing.T) {
	d := NewDetector(DefaultWindow, 2*time.Minute)

	stored := []signal.Signal{sig("db", "AAPL", signal.TypeSell, t0.Add(-20*time.Second))}
	got := d.Check(sig("a", "AAPL", signal.TypeShort, t0), stored)
	require.NotNil(t, got.PossibleDuplicateOf)
	assert.Equal(t, "db", *got.PossibleDuplicateOf)

	// a delayed delivery arriving after retention no longer sees local memory
	late := sig("b", "AAPL", signal.TypeShort, t0.Add(30*time.Second))
	late.ReceivedAt = t0.Add(10 * time.Minute)
	got = d.Check(late, nil)
	assert.Nil(t, got.PossibleDuplicateOf)
}

func TestDetector_Forget(t *testing.T) {
	d := NewDetector(DefaultWindow, 0)

	first := d.Check(sig("a", "AAPL", signal.TypeBuy, t0), nil)
	require.Nil(t, first.PossibleDuplicateOf)
	d.Forget("strat", "a")

	second := d.Check(sig("b", "AAPL", signal.TypeBuy, t0.Add(time.Second)), nil)
	assert.Nil(t, second.PossibleDuplicateOf)
	assert.Equal(t, DefaultWindow, d.Window())
	assert.Equal(t, 2*DefaultWindow, d.Lookback())
}

// strategies is the number of strategies with local memory.
func (d *Detector) strategies() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buckets)
}

func TestDetector_DropsIdleStrategies(t *testing.T) {
	tests := []struct {
		name string
		gap  time.Duration
		want int
	}{
		{name: "idle_strategy_dropped", gap: 5 * time.Minute, want: 1},
		{name: "recent_strategy_kept", gap: time.Minute, want: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDetector(DefaultWindow, 2*time.Minute)

			quiet := sig("q", "AAPL", signal.TypeBuy, t0)
			quiet.StrategyID = "quiet"
			d.Check(quiet, nil)
			d.Check(sig("a", "AAPL", signal.TypeBuy, t0), nil)
			require.Equal(t, 2, d.strategies())

			d.Check(sig("b", "MSFT", signal.TypeBuy, t0.Add(tt.gap)), nil)
			assert.Equal(t, tt.want, d.strategies())

			// a dropped strategy starts over with fresh memory
			back := sig("q2", "AAPL", signal.TypeBuy, t0.Add(tt.gap+time.Second))
			back.StrategyID = "quiet"
			got := d.Check(back, nil)
			if tt.want == 1 {
				assert.Nil(t, got.PossibleDuplicateOf)
			}
			assert.Equal(t, 2, d.strategies())
		})
	}
}

func TestDetector_ForgetUnknownStrategy(t *testing.T) {
	d := NewDetector(DefaultWindow, 0)
	d.Forget("nobody", "x")
	assert.Zero(t, d.strategies())
}
