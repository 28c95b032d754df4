package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Rajchodisetti/signal-engine/internal/adapters"
	"github.com/Rajchodisetti/signal-engine/internal/admission"
	"github.com/Rajchodisetti/signal-engine/internal/payload"
	"github.com/Rajchodisetti/signal-engine/internal/plan"
	"github.com/Rajchodisetti/signal-engine/internal/pnl"
	"github.com/Rajchodisetti/signal-engine/internal/trade"
)

const (
	EnvDSN      = "SIGNAL_ENGINE_DB_DSN"
	EnvHTTPAddr = "SIGNAL_ENGINE_HTTP_ADDR"
	EnvLogLevel = "SIGNAL_ENGINE_LOG_LEVEL"
)

type Server struct {
	Addr              string        `yaml:"addr"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"` // SSE keep-alive
	MaxBodyBytes      int64         `yaml:"max_body_bytes"`
	AdminToken        string        `yaml:"admin_token"` // guards credential and trade admin routes
}

type Store struct {
	Driver   string `yaml:"driver"` // memory | postgres
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
	Migrate  bool   `yaml:"migrate"`
}

type Dedupe struct {
	Window time.Duration `yaml:"window"`
	Retain time.Duration `yaml:"retain"`
}

// PriceSource selects the quote provider. Backups, when set, are tried in
// order after the primary http provider fails.
type PriceSource struct {
	Kind    string                `yaml:"kind"` // http | mock
	HTTP    adapters.HTTPConfig   `yaml:"http"`
	Backups []adapters.HTTPConfig `yaml:"backups"`
	Health  adapters.HealthConfig `yaml:"health"`
}

type Outbox struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type Plans struct {
	Tiers    []plan.Plan          `yaml:"tiers"`
	Accounts map[string]plan.Tier `yaml:"accounts"`
	Fallback plan.Tier            `yaml:"fallback"`
}

// CredentialSeed is a credential loaded at start-up. Credentials are active
// unless disabled explicitly.
type CredentialSeed struct {
	admission.Credential `yaml:",inline"`
	Disabled             bool `yaml:"disabled"`
}

type Root struct {
	LogLevel    string           `yaml:"log_level"`
	Server      Server           `yaml:"server"`
	Store       Store            `yaml:"store"`
	Dedupe      Dedupe           `yaml:"dedupe"`
	Engine      trade.Config     `yaml:"engine"`
	PnL         pnl.Config       `yaml:"pnl"`
	PriceSource PriceSource      `yaml:"price_source"`
	Outbox      Outbox           `yaml:"outbox"`
	Plans       Plans            `yaml:"plans"`
	Credentials []CredentialSeed `yaml:"credentials"`
}

// Load reads path (optional), fills defaults and applies environment
// overrides. A .env file in the working directory is loaded first if present.
func Load(path string) (Root, error) {
	_ = godotenv.Load()

	var c Root
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return c, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return c, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	applyEnv(&c)
	applyDefaults(&c)
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

func applyEnv(c *Root) {
	if v := os.Getenv(EnvDSN); v != "" {
		c.Store.DSN = v
		if c.Store.Driver == "" {
			c.Store.Driver = "postgres"
		}
	}
	if v := os.Getenv(EnvHTTPAddr); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
}

func applyDefaults(c *Root) {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	// Server defaults
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 10 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Server.HeartbeatInterval == 0 {
		c.Server.HeartbeatInterval = 15 * time.Second
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 64 << 10
	}

	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}

	if c.Dedupe.Window == 0 {
		c.Dedupe.Window = 60 * time.Second
	}
	if c.Engine.ReorderWindow == 0 {
		c.Engine.ReorderWindow = trade.DefaultReorderWindow
	}

	d := pnl.DefaultConfig()
	if c.PnL.Interval == 0 {
		c.PnL.Interval = d.Interval
	}
	if c.PnL.FetchTimeout == 0 {
		c.PnL.FetchTimeout = d.FetchTimeout
	}
	if c.PnL.StaleAfter == 0 {
		c.PnL.StaleAfter = d.StaleAfter
	}
	if c.PnL.MaxConcurrency == 0 {
		c.PnL.MaxConcurrency = d.MaxConcurrency
	}

	if c.PriceSource.Kind == "" {
		c.PriceSource.Kind = "mock"
		if c.PriceSource.HTTP.BaseURL != "" {
			c.PriceSource.Kind = "http"
		}
	}

	if c.Outbox.Path == "" {
		c.Outbox.Path = "data/outbox.jsonl"
	}

	if len(c.Plans.Tiers) == 0 {
		c.Plans.Tiers = plan.DefaultPlans()
	}
	if c.Plans.Fallback == "" {
		c.Plans.Fallback = plan.TierFree
	}

	def := payload.DefaultMapping()
	for i := range c.Credentials {
		m := &c.Credentials[i].Mapping
		if m.SignalPath == "" {
			m.SignalPath = def.SignalPath
		}
		if m.SymbolPath == "" {
			m.SymbolPath = def.SymbolPath
		}
		if m.PricePath == "" {
			m.PricePath = def.PricePath
		}
		if m.TimePath == "" {
			m.TimePath = def.TimePath
		}
		if m.RateLimitPerMinute == 0 {
			m.RateLimitPerMinute = def.RateLimitPerMinute
		}
		m.Active = !c.Credentials[i].Disabled
	}
}

// Validate rejects configurations the service cannot start with.
func (c Root) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store: postgres driver needs a dsn (or %s)", EnvDSN)
		}
	default:
		return fmt.Errorf("store: unknown driver %q", c.Store.Driver)
	}

	switch c.PriceSource.Kind {
	case "mock":
	case "http":
		if c.PriceSource.HTTP.BaseURL == "" {
			return fmt.Errorf("price_source: http kind needs base_url")
		}
		for i, b := range c.PriceSource.Backups {
			if b.BaseURL == "" {
				return fmt.Errorf("price_source: backup %d needs base_url", i+1)
			}
		}
	default:
		return fmt.Errorf("price_source: unknown kind %q", c.PriceSource.Kind)
	}

	if c.Dedupe.Window < 0 {
		return fmt.Errorf("dedupe: window must not be negative")
	}

	seen := make(map[string]bool, len(c.Credentials))
	for _, cred := range c.Credentials {
		if cred.ID == "" {
			return fmt.Errorf("credentials: entry without id")
		}
		if seen[cred.ID] {
			return fmt.Errorf("credentials: duplicate id %q", cred.ID)
		}
		seen[cred.ID] = true
	}
	return nil
}

// Resolver builds the plan resolver described by the plans section.
func (c Root) Resolver() (*plan.StaticResolver, error) {
	return plan.NewStaticResolver(c.Plans.Tiers, c.Plans.Accounts, c.Plans.Fallback)
}

// SeedCredentials installs every configured credential into ctrl.
func (c Root) SeedCredentials(ctx context.Context, ctrl *admission.Controller) (int, error) {
	for _, seed := range c.Credentials {
		if _, err := ctrl.Configure(ctx, seed.Credential); err != nil {
			return 0, fmt.Errorf("seed credential %s: %w", seed.ID, err)
		}
	}
	return len(c.Credentials), nil
}
