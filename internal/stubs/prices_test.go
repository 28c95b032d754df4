package stubs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/signal-engine/internal/adapters"
)

func TestPriceWalk_StaysWithinStep(t *testing.T) {
	start := decimal.RequireFromString("100")
	w := NewPriceWalk(WalkConfig{Seed: 7, StepPct: 0.01}, map[string]decimal.Decimal{"aapl": start})

	prev := start
	for i := 0; i < 200; i++ {
		q, ok := w.Next("AAPL")
		require.True(t, ok)
		limit := prev.Mul(decimal.NewFromFloat(0.01)).Add(decimal.RequireFromString("0.005"))
		assert.True(t, q.Price.Sub(prev).Abs().LessThanOrEqual(limit), "step %d: %s -> %s", i, prev, q.Price)
		assert.True(t, q.Price.IsPositive())
		prev = q.Price
	}
}

func TestPriceWalk_Deterministic(t *testing.T) {
	seed := map[string]decimal.Decimal{"NVDA": decimal.RequireFromString("450")}
	a := NewPriceWalk(WalkConfig{Seed: 42}, seed)
	b := NewPriceWalk(WalkConfig{Seed: 42}, seed)
	for i := 0; i < 20; i++ {
		qa, _ := a.Next("NVDA")
		qb, _ := b.Next("NVDA")
		require.True(t, qa.Price.Equal(qb.Price))
	}
}

func TestPriceWalk_UnknownSymbols(t *testing.T) {
	tests := []struct {
		name  string
		start decimal.Decimal
		ok    bool
	}{
		{name: "rejected_without_start", start: decimal.Zero, ok: false},
		{name: "seeded_from_start", start: decimal.RequireFromString("50"), ok: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewPriceWalk(WalkConfig{Seed: 1, Start: tt.start}, nil)
			_, ok := w.Next("ZZZ")
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestLoadSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"AAPL":"206.80","BIOX":12.5}`), 0o644))

	seed, err := LoadSeed(path)
	require.NoError(t, err)
	assert.Equal(t, "206.8", seed["AAPL"].String())
	assert.Equal(t, "12.5", seed["BIOX"].String())
}

// The stub speaks the same wire format the HTTP price source reads.
func TestPriceWalk_ServesHTTPPriceSource(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := NewPriceWalk(WalkConfig{Seed: 3}, map[string]decimal.Decimal{"AAPL": decimal.RequireFromString("206.80")})
	ts := httptest.NewServer(w.Handler())
	defer ts.Close()

	src, err := adapters.NewHTTPPriceSource(adapters.HTTPConfig{BaseURL: ts.URL, Timeout: time.Second})
	require.NoError(t, err)

	q, err := src.GetPrice(context.Background(), "aapl")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", q.Symbol)
	assert.True(t, q.Price.IsPositive())
	assert.WithinDuration(t, time.Now(), q.AsOf, 5*time.Second)

	_, err = src.GetPrice(context.Background(), "NOPE")
	require.Error(t, err)
	assert.Equal(t, "bad_symbol", adapters.ErrorType(err))

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
