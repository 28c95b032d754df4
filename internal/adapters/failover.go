package adapters

import (
	"context"
	"fmt"
	"time"

	"github.com/Rajchodisetti/signal-engine/internal/observ"
)

// NamedSource is one provider in a failover chain.
type NamedSource struct {
	Name   string
	Source PriceSource
}

// FailoverSource asks providers in order and returns the first quote. Failed
// providers are skipped while their breaker is open.
type FailoverSource struct {
	providers []failoverProvider
}

type failoverProvider struct {
	src    PriceSource
	health *ProviderHealth
}

func NewFailoverSource(cfg HealthConfig, sources ...NamedSource) (*FailoverSource, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("failover needs at least one provider")
	}
	f := &FailoverSource{}
	seen := make(map[string]bool, len(sources))
	for _, s := range sources {
		if s.Name == "" || s.Source == nil {
			return nil, fmt.Errorf("failover provider needs a name and a source")
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("duplicate provider %q", s.Name)
		}
		seen[s.Name] = true
		f.providers = append(f.providers, failoverProvider{src: s.Source, health: NewProviderHealth(s.Name, cfg)})
	}
	return f, nil
}

// GetPrice tries each allowed provider until one answers. A bad_symbol answer
// moves on to the next provider without counting against the first one.
func (f *FailoverSource) GetPrice(ctx context.Context, symbol string) (Quote, error) {
	symbol = NormalizeSymbol(symbol)

	var lastErr error
	for i, p := range f.providers {
		if ctx.Err() != nil {
			return Quote{}, NewTimeoutError(symbol, ctx.Err())
		}
		if !p.health.Allow() {
			continue
		}

		start := time.Now()
		q, err := p.src.GetPrice(ctx, symbol)
		if err == nil {
			p.health.RecordSuccess(time.Since(start))
			if i > 0 {
				observ.IncCounter("provider_failover_total", map[string]string{"provider": p.health.Name()})
			}
			if q.Source == "" {
				q.Source = p.health.Name()
			}
			return q, nil
		}

		lastErr = err
		if ErrorType(err) == "bad_symbol" {
			p.health.RecordSuccess(time.Since(start))
			continue
		}
		p.health.RecordError(err)
	}

	if lastErr == nil {
		return Quote{}, NewProviderError(symbol, "no healthy price provider", nil)
	}
	return Quote{}, lastErr
}

// Health reports each provider's state keyed by name.
func (f *FailoverSource) Health() map[string]any {
	out := make(map[string]any, len(f.providers))
	for _, p := range f.providers {
		out[p.health.Name()] = p.health.Snapshot()
	}
	return out
}

// Degraded reports whether every provider is failed.
func (f *FailoverSource) Degraded() bool {
	for _, p := range f.providers {
		if p.health.Status() != ProviderStatusFailed {
			return false
		}
	}
	return true
}
