package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Rajchodisetti/signal-engine/internal/signal"
	"github.com/Rajchodisetti/signal-engine/internal/trade"
)

type dedupKey struct {
	credentialID string
	key          string
}

// Memory is an in-process Store used by the replay tool and tests.
type Memory struct {
	mu         sync.RWMutex
	signals    map[string]signal.Signal
	byStrategy map[string][]string
	dedup      map[dedupKey]string
	trades     map[string]trade.Trade
}

func NewMemory() *Memory {
	return &Memory{
		signals:    make(map[string]signal.Signal),
		byStrategy: make(map[string][]string),
		dedup:      make(map[dedupKey]string),
		trades:     make(map[string]trade.Trade),
	}
}

func (m *Memory) AppendSignal(ctx context.Context, s signal.Signal) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.DedupKey != "" {
		k := dedupKey{s.CredentialID, s.DedupKey}
		if id, ok := m.dedup[k]; ok {
			return id, false, nil
		}
		m.dedup[k] = s.ID
	}
	m.signals[s.ID] = s
	m.byStrategy[s.StrategyID] = append(m.byStrategy[s.StrategyID], s.ID)
	return s.ID, true, nil
}

func (m *Memory) GetSignal(ctx context.Context, id string) (signal.Signal, error) {
	if err := ctx.Err(); err != nil {
		return signal.Signal{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.signals[id]
	if !ok {
		return signal.Signal{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) ListRecentSignals(ctx context.Context, strategyID string, since time.Time) ([]signal.Signal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []signal.Signal
	for _, id := range m.byStrategy[strategyID] {
		s := m.signals[id]
		if !s.SignalTime.Before(since) {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SignalTime.Before(out[j].SignalTime) })
	return out, nil
}

func (m *Memory) UpsertTrade(ctx context.Context, t trade.Trade) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades[t.ID] = t
	return nil
}

func (m *Memory) GetTrade(ctx context.Context, id string) (trade.Trade, error) {
	if err := ctx.Err(); err != nil {
		return trade.Trade{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trades[id]
	if !ok {
		return trade.Trade{}, ErrNotFound
	}
	return t, nil
}

func (m *Memory) ListOpenTrades(ctx context.Context) ([]trade.Trade, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]trade.Trade, 0)
	for _, t := range m.trades {
		if t.IsOpen() {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryTime.Before(out[j].EntryTime) })
	return out, nil
}

func (m *Memory) FindTradeBySignal(ctx context.Context, signalID string) (trade.Trade, error) {
	if err := ctx.Err(); err != nil {
		return trade.Trade{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		found trade.Trade
		ok    bool
	)
	for _, t := range m.trades {
		if t.OpeningSignalID != signalID && (t.ClosingSignalID == nil || *t.ClosingSignalID != signalID) {
			continue
		}
		if !ok || t.UpdatedAt.After(found.UpdatedAt) {
			found, ok = t, true
		}
	}
	if !ok {
		return trade.Trade{}, ErrNotFound
	}
	return found, nil
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) Close() {}
