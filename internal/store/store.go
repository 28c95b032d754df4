package store

import (
	"context"
	"errors"
	"time"

	"github.com/Rajchodisetti/signal-engine/internal/signal"
	"github.com/Rajchodisetti/signal-engine/internal/trade"
)

var ErrNotFound = errors.New("not found")

// Store persists signals and trades. Accepted signals are append-only.
type Store interface {
	// AppendSignal stores s. When s carries a dedup key already stored for the
	// same credential, the existing id is returned with created=false.
	AppendSignal(ctx context.Context, s signal.Signal) (id string, created bool, err error)
	GetSignal(ctx context.Context, id string) (signal.Signal, error)
	// ListRecentSignals returns a strategy's signals with signal time at or
	// after since, oldest first.
	ListRecentSignals(ctx context.Context, strategyID string, since time.Time) ([]signal.Signal, error)

	UpsertTrade(ctx context.Context, t trade.Trade) error
	GetTrade(ctx context.Context, id string) (trade.Trade, error)
	ListOpenTrades(ctx context.Context) ([]trade.Trade, error)
	// FindTradeBySignal returns the trade the signal opened or closed.
	FindTradeBySignal(ctx context.Context, signalID string) (trade.Trade, error)

	Ping(ctx context.Context) error
	Close()
}
