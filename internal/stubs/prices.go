package stubs

import (
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/signal-engine/internal/observ"
)

var minPrice = decimal.RequireFromString("0.01")

// PriceQuote is the body served on /price; it matches what adapters.HTTPPriceSource parses
type PriceQuote struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	AsOf   time.Time       `json:"as_of"`
}

// WalkConfig tunes the random walk
type WalkConfig struct {
	Seed    int64
	StepPct float64         // max move per read, as a fraction (0.002 = 0.2%)
	Start   decimal.Decimal // starting price for symbols not seeded; zero means 404 for them
	Lag     time.Duration   // as_of is stamped this far in the past
}

// PriceWalk serves a deterministic random-walk price per symbol.
// Each read moves the symbol's price by at most StepPct.
type PriceWalk struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	rng    *rand.Rand
	cfg    WalkConfig
	now    func() time.Time
}

// NewPriceWalk creates a walk seeded with the given starting prices
func NewPriceWalk(cfg WalkConfig, seed map[string]decimal.Decimal) *PriceWalk {
	if cfg.StepPct <= 0 {
		cfg.StepPct = 0.002
	}
	w := &PriceWalk{
		prices: make(map[string]decimal.Decimal, len(seed)),
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		cfg:    cfg,
		now:    time.Now,
	}
	for sym, p := range seed {
		w.prices[strings.ToUpper(sym)] = p
	}
	return w
}

// LoadSeed reads a JSON object of symbol -> starting price
func LoadSeed(path string) (map[string]decimal.Decimal, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var seed map[string]decimal.Decimal
	if err := sonic.Unmarshal(b, &seed); err != nil {
		return nil, err
	}
	return seed, nil
}

// Next advances and returns the symbol's price
func (w *PriceWalk) Next(symbol string) (PriceQuote, bool) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	w.mu.Lock()
	defer w.mu.Unlock()

	p, ok := w.prices[symbol]
	if !ok {
		if w.cfg.Start.IsZero() {
			return PriceQuote{}, false
		}
		p = w.cfg.Start
	}
	move := (w.rng.Float64()*2 - 1) * w.cfg.StepPct
	p = p.Mul(decimal.NewFromFloat(1 + move)).Round(2)
	if p.LessThan(minPrice) {
		p = minPrice
	}
	w.prices[symbol] = p
	return PriceQuote{Symbol: symbol, Price: p, AsOf: w.now().UTC().Add(-w.cfg.Lag)}, true
}

// Handler serves GET /price?symbol=X and GET /health
func (w *PriceWalk) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	r.GET("/price", func(c *gin.Context) {
		symbol := c.Query("symbol")
		if symbol == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
			return
		}
		q, ok := w.Next(symbol)
		if !ok {
			observ.IncCounter("stub_price_unknown_total", map[string]string{})
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown symbol"})
			return
		}
		c.JSON(http.StatusOK, q)
	})
	return r
}
