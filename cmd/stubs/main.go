package main

import (
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/signal-engine/internal/observ"
	"github.com/Rajchodisetti/signal-engine/internal/stubs"
)

func defaultSeed() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"AAPL": decimal.RequireFromString("206.80"),
		"NVDA": decimal.RequireFromString("450.00"),
		"TSLA": decimal.RequireFromString("180.50"),
		"BIOX": decimal.RequireFromString("12.50"),
	}
}

func main() {
	addr := flag.String("addr", ":8090", "listen address")
	seedPath := flag.String("seed", "", "JSON file of symbol -> starting price")
	seed := flag.Int64("rand-seed", time.Now().UnixNano(), "random walk seed")
	step := flag.Float64("step", 0.002, "max move per read as a fraction")
	start := flag.String("start", "100", "starting price for unseeded symbols (0 to 404 them)")
	lag := flag.Duration("lag", 0, "report as_of this far in the past")
	flag.Parse()

	observ.InitLogger("info")
	defer observ.Sync()
	gin.SetMode(gin.ReleaseMode)

	prices := defaultSeed()
	if *seedPath != "" {
		loaded, err := stubs.LoadSeed(*seedPath)
		if err != nil {
			observ.LogError("stub_seed_failed", err, map[string]any{"path": *seedPath})
			os.Exit(1)
		}
		prices = loaded
	}
	startPrice, err := decimal.NewFromString(*start)
	if err != nil {
		observ.LogError("stub_start_invalid", err, map[string]any{"start": *start})
		os.Exit(1)
	}

	walk := stubs.NewPriceWalk(stubs.WalkConfig{Seed: *seed, StepPct: *step, Start: startPrice, Lag: *lag}, prices)
	srv := &http.Server{Addr: *addr, Handler: walk.Handler(), ReadHeaderTimeout: 5 * time.Second}

	go func() {
		observ.Log("stub_price_server_listening", map[string]any{"addr": *addr, "symbols": len(prices)})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			observ.LogError("stub_price_server_failed", err, nil)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	_ = srv.Close()
}
