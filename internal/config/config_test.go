package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/signal-engine/internal/admission"
	"github.com/Rajchodisetti/signal-engine/internal/plan"
	"github.com/Rajchodisetti/signal-engine/internal/trade"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvDSN, EnvHTTPAddr, EnvLogLevel} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", c.LogLevel)
	assert.Equal(t, ":8080", c.Server.Addr)
	assert.Equal(t, 15*time.Second, c.Server.HeartbeatInterval)
	assert.Equal(t, "memory", c.Store.Driver)
	assert.Equal(t, 60*time.Second, c.Dedupe.Window)
	assert.Equal(t, 30*time.Second, c.PnL.Interval)
	assert.Equal(t, 5*time.Second, c.PnL.FetchTimeout)
	assert.Equal(t, "mock", c.PriceSource.Kind)
	assert.Equal(t, plan.TierFree, c.Plans.Fallback)
	assert.Len(t, c.Plans.Tiers, 3)
	assert.Equal(t, trade.DefaultReorderWindow, c.Engine.ReorderWindow)
}

func TestLoadYAML(t *testing.T) {
	clearEnv(t)

	path := writeConfig(t, `
log_level: debug
server:
  addr: ":9090"
  heartbeat_interval: 5s
  admin_token: s3cret
dedupe:
  window: 90s
engine:
  reorder_window: 250ms
pnl:
  interval: 10s
  stale_after: 1m
price_source:
  http:
    base_url: http://quotes.local
    rate_limit_per_minute: 120
  backups:
    - base_url: http://quotes-b.local
  health:
    failed_after: 3
    cooldown: 45s
plans:
  accounts:
    acct-1: pro
credentials:
  - id: tv-alpha
    account_id: acct-1
    strategy_id: alpha
    source: tradingview
    mapping:
      signal_path: strategy.order.action
      rate_limit_per_minute: 30
  - id: tv-beta
    account_id: acct-2
    strategy_id: beta
    source: tradingview
    disabled: true
`)

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", c.LogLevel)
	assert.Equal(t, ":9090", c.Server.Addr)
	assert.Equal(t, 5*time.Second, c.Server.HeartbeatInterval)
	assert.Equal(t, "s3cret", c.Server.AdminToken)
	assert.Equal(t, 90*time.Second, c.Dedupe.Window)
	assert.Equal(t, 250*time.Millisecond, c.Engine.ReorderWindow)
	assert.Equal(t, 10*time.Second, c.PnL.Interval)
	assert.Equal(t, time.Minute, c.PnL.StaleAfter)
	assert.Equal(t, "http", c.PriceSource.Kind, "kind inferred from base_url")
	assert.Equal(t, 120, c.PriceSource.HTTP.RateLimitPerMinute)
	require.Len(t, c.PriceSource.Backups, 1)
	assert.Equal(t, "http://quotes-b.local", c.PriceSource.Backups[0].BaseURL)
	assert.Equal(t, 3, c.PriceSource.Health.FailedAfter)
	assert.Equal(t, 45*time.Second, c.PriceSource.Health.Cooldown)
	assert.Equal(t, plan.TierPro, c.Plans.Accounts["acct-1"])

	require.Len(t, c.Credentials, 2)
	alpha := c.Credentials[0]
	assert.Equal(t, "tv-alpha", alpha.ID)
	assert.Equal(t, "alpha", alpha.StrategyID)
	assert.Equal(t, "strategy.order.action", alpha.Mapping.SignalPath)
	assert.Equal(t, "symbol", alpha.Mapping.SymbolPath, "unset paths fall back to the flat mapping")
	assert.Equal(t, 30, alpha.Mapping.RateLimitPerMinute)
	assert.True(t, alpha.Mapping.Active)

	beta := c.Credentials[1]
	assert.False(t, beta.Mapping.Active)
	assert.Equal(t, 60, beta.Mapping.RateLimitPerMinute)
}

func TestLoadReorderWindow(t *testing.T) {
	tests := []struct {
		name string
		body string
		want time.Duration
	}{
		{name: "unset_uses_default", body: "log_level: info\n", want: trade.DefaultReorderWindow},
		{name: "explicit_window", body: "engine:\n  reorder_window: 5s\n", want: 5 * time.Second},
		{name: "negative_opts_out", body: "engine:\n  reorder_window: -1s\n", want: -time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			c, err := Load(writeConfig(t, tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.Engine.ReorderWindow)
		})
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvDSN, "postgres://u:p@localhost:5432/signals")
	t.Setenv(EnvHTTPAddr, ":7070")
	t.Setenv(EnvLogLevel, "warn")

	path := writeConfig(t, "server:\n  addr: \":9090\"\n")
	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", c.Store.Driver)
	assert.Equal(t, "postgres://u:p@localhost:5432/signals", c.Store.DSN)
	assert.Equal(t, ":7070", c.Server.Addr)
	assert.Equal(t, "warn", c.LogLevel)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "unknown_driver",
			body: "store:\n  driver: sqlite\n",
			want: "unknown driver",
		},
		{
			name: "postgres_without_dsn",
			body: "store:\n  driver: postgres\n",
			want: "needs a dsn",
		},
		{
			name: "http_without_base_url",
			body: "price_source:\n  kind: http\n",
			want: "needs base_url",
		},
		{
			name: "backup_without_base_url",
			body: "price_source:\n  http:\n    base_url: http://a\n  backups:\n    - timeout: 1s\n",
			want: "backup 1 needs base_url",
		},
		{
			name: "unknown_price_source",
			body: "price_source:\n  kind: carrier-pigeon\n",
			want: "unknown kind",
		},
		{
			name: "negative_dedupe_window",
			body: "dedupe:\n  window: -1s\n",
			want: "must not be negative",
		},
		{
			name: "duplicate_credential",
			body: "credentials:\n  - id: a\n  - id: a\n",
			want: "duplicate id",
		},
		{
			name: "credential_without_id",
			body: "credentials:\n  - strategy_id: alpha\n",
			want: "without id",
		},
		{
			name: "malformed_yaml",
			body: "server: [\n",
			want: "parse",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestSeedCredentials(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
plans:
  accounts:
    acct-pro: pro
credentials:
  - id: tok-pro
    account_id: acct-pro
    strategy_id: alpha
    mapping:
      rate_limit_per_minute: 500
  - id: tok-free
    account_id: acct-other
    strategy_id: beta
    disabled: true
`)
	c, err := Load(path)
	require.NoError(t, err)

	resolver, err := c.Resolver()
	require.NoError(t, err)
	ctrl := admission.NewController(resolver)

	n, err := c.SeedCredentials(context.Background(), ctrl)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	pro, ok := ctrl.Get("tok-pro")
	require.True(t, ok)
	assert.Equal(t, 60, pro.Mapping.RateLimitPerMinute, "clamped to the pro ceiling")

	free, ok := ctrl.Get("tok-free")
	require.True(t, ok)
	assert.Equal(t, 10, free.Mapping.RateLimitPerMinute)
	assert.False(t, free.Mapping.Active)

	decision, _ := ctrl.Admit("tok-free")
	assert.Equal(t, admission.Disabled, decision)
}

func TestSeedCredentials_InvalidEntry(t *testing.T) {
	clearEnv(t)
	c, err := Load(writeConfig(t, "credentials:\n  - id: orphan\n"))
	require.NoError(t, err)

	resolver, err := c.Resolver()
	require.NoError(t, err)
	_, err = c.SeedCredentials(context.Background(), admission.NewController(resolver))
	assert.ErrorIs(t, err, admission.ErrInvalidCredential)
}

func TestLoadExampleConfig(t *testing.T) {
	clearEnv(t)
	c, err := Load(filepath.Join("..", "..", "configs", "signal-engine.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "http", c.PriceSource.Kind)
	assert.Equal(t, 5, c.PriceSource.Health.FailedAfter)
	require.Len(t, c.Credentials, 1)
	assert.Equal(t, "strategy.order.action", c.Credentials[0].Mapping.SignalPath)
	assert.True(t, c.Credentials[0].Mapping.Active)
	assert.Equal(t, 2*time.Second, c.Engine.ReorderWindow)
}
