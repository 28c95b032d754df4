package app

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/Rajchodisetti/signal-engine/internal/adapters"
	"github.com/Rajchodisetti/signal-engine/internal/admission"
	"github.com/Rajchodisetti/signal-engine/internal/config"
	"github.com/Rajchodisetti/signal-engine/internal/outbox"
	"github.com/Rajchodisetti/signal-engine/internal/plan"
	"github.com/Rajchodisetti/signal-engine/internal/store"
	"github.com/Rajchodisetti/signal-engine/internal/trade"
)

func writeConfig(t *testing.T, journal string) string {
	t.Helper()
	for _, k := range []string{config.EnvDSN, config.EnvHTTPAddr, config.EnvLogLevel} {
		t.Setenv(k, "")
	}
	path := filepath.Join(t.TempDir(), "ingestd.yaml")
	body := `
log_level: error
server:
  addr: "127.0.0.1:0"
  admin_token: root
engine:
  reorder_window: -1s
pnl:
  interval: 1h
outbox:
  enabled: true
  path: ` + journal + `
plans:
  accounts:
    acct-1: pro
credentials:
  - id: tok-1
    account_id: acct-1
    strategy_id: alpha
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestOptionsValidate(t *testing.T) {
	path := writeConfig(t, filepath.Join(t.TempDir(), "outbox.jsonl"))
	require.NoError(t, fx.ValidateApp(Options(path)))
}

func TestServiceEndToEnd(t *testing.T) {
	journal := filepath.Join(t.TempDir(), "outbox.jsonl")
	var (
		ln     *Listener
		engine *trade.Engine
	)
	app := fxtest.New(t, Options(writeConfig(t, journal)), fx.Populate(&ln, &engine))
	app.RequireStart()

	base := "http://" + ln.Addr()

	post := func(body string) *http.Response {
		resp, err := http.Post(base+"/v1/webhooks/tok-1", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		return resp
	}

	resp := post(`{"signal":"buy","symbol":"aapl","price":200}`)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Len(t, engine.OpenTrades(), 1)

	t.Run("health_reports_state", func(t *testing.T) {
		resp, err := http.Get(base + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var health struct {
			Status  string         `json:"status"`
			Details map[string]any `json:"details"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
		assert.Equal(t, "healthy", health.Status)
		assert.EqualValues(t, 1, health.Details["open_trades"])
		assert.EqualValues(t, 1, health.Details["credentials"])
	})

	t.Run("stream_serves_snapshot", func(t *testing.T) {
		client := &http.Client{Timeout: 2 * time.Second}
		resp, err := client.Get(base + "/v1/pnl/stream")
		require.NoError(t, err)
		defer resp.Body.Close()
		line, err := bufio.NewReader(resp.Body).ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, "event: snapshot\n", line)
	})

	resp = post(`{"signal":"close","symbol":"aapl","price":210}`)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Empty(t, engine.OpenTrades())

	// an idle stream must not hold up shutdown
	stream, err := http.Get(base + "/v1/pnl/stream")
	require.NoError(t, err)
	defer stream.Body.Close()
	_, err = bufio.NewReader(stream.Body).ReadString('\n')
	require.NoError(t, err)

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, app.Stop(stopCtx))

	signals, skipped, err := outbox.ReadSignals(journal)
	require.NoError(t, err)
	assert.Zero(t, skipped)
	assert.Len(t, signals, 2)
}

func TestNewPriceSource(t *testing.T) {
	tests := []struct {
		name string
		pc   config.PriceSource
		want any
	}{
		{name: "mock", pc: config.PriceSource{Kind: "mock"}, want: &adapters.MockPriceSource{}},
		{name: "single_http", pc: config.PriceSource{Kind: "http", HTTP: adapters.HTTPConfig{BaseURL: "http://a.local"}}, want: &adapters.HTTPPriceSource{}},
		{name: "http_with_backups", pc: config.PriceSource{
			Kind:    "http",
			HTTP:    adapters.HTTPConfig{BaseURL: "http://a.local"},
			Backups: []adapters.HTTPConfig{{BaseURL: "http://b.local"}},
		}, want: &adapters.FailoverSource{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, err := NewPriceSource(config.Root{PriceSource: tt.pc})
			require.NoError(t, err)
			assert.IsType(t, tt.want, src)
		})
	}
}

func TestHealthDetails_ReportsProviders(t *testing.T) {
	down := adapters.NewMockPriceSource()
	down.SetError("AAPL", adapters.NewNetworkError("AAPL", "refused", nil))
	fo, err := adapters.NewFailoverSource(adapters.HealthConfig{DegradedAfter: 1, FailedAfter: 1, Cooldown: time.Hour},
		adapters.NamedSource{Name: "only", Source: down})
	require.NoError(t, err)

	st := store.NewMemory()
	plans, err := plan.NewStaticResolver(plan.DefaultPlans(), nil, plan.TierFree)
	require.NoError(t, err)
	details := healthDetails(st, trade.NewEngine(st, trade.Config{}), admission.NewController(plans), fo)

	d := details()
	assert.Nil(t, d["degraded"])
	assert.Contains(t, d["price_providers"], "only")

	_, err = fo.GetPrice(context.Background(), "AAPL")
	require.Error(t, err)
	d = details()
	assert.Equal(t, true, d["degraded"])
}
