package transport

import (
	"context"
	"time"

	"github.com/Rajchodisetti/signal-engine/internal/admission"
	"github.com/Rajchodisetti/signal-engine/internal/ingest"
	"github.com/Rajchodisetti/signal-engine/internal/pnl"
	"github.com/Rajchodisetti/signal-engine/internal/trade"
)

// Ingester runs one inbound alert through the pipeline
type Ingester interface {
	Ingest(ctx context.Context, req ingest.Request) (ingest.Result, error)
}

// Trades exposes the lifecycle engine's open positions
type Trades interface {
	OpenTrades() []trade.Trade
	Cancel(ctx context.Context, tradeID string) (trade.Trade, error)
}

// Credentials is the configuration write path for ingestion credentials
type Credentials interface {
	Configure(ctx context.Context, cred admission.Credential) (admission.Credential, error)
	SetActive(credentialID string, active bool) bool
	Get(credentialID string) (admission.Credential, bool)
	Remove(credentialID string)
}

// PnLFeed serves live P&L snapshots
type PnLFeed interface {
	Snapshot() pnl.Snapshot
	Subscribe(buffer int) <-chan pnl.Snapshot
	Unsubscribe(ch <-chan pnl.Snapshot)
}

// Config for the HTTP surface
type Config struct {
	HeartbeatInterval time.Duration // SSE comment ping cadence
	MaxBodyBytes      int64
	AdminToken        string // empty disables the admin check
	StreamBuffer      int
}

// Deps are the collaborators the router dispatches to
type Deps struct {
	Ingest      Ingester
	Trades      Trades
	Credentials Credentials
	PnL         PnLFeed
	// Health returns extra details for /healthz; "degraded": true flips the status.
	Health func() map[string]any
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 64 << 10
	}
	if c.StreamBuffer <= 0 {
		c.StreamBuffer = 4
	}
	return c
}
