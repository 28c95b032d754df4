package plan

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Tier is a billing tier name.
type Tier string

const (
	TierFree    Tier = "free"
	TierPro     Tier = "pro"
	TierPremium Tier = "premium"
)

// Plan is the entitlement set the ingestion engine cares about.
type Plan struct {
	Tier                      Tier `yaml:"tier" json:"tier"`
	RateLimitCeilingPerMinute int  `yaml:"rate_limit_ceiling_per_minute" json:"rate_limit_ceiling_per_minute"`
	HistoryWindowDays         int  `yaml:"history_window_days" json:"history_window_days"`
}

// Resolver looks up an account's plan. It is consulted when credentials are
// written, never per ingestion request.
type Resolver interface {
	GetPlan(ctx context.Context, accountID string) (Plan, error)
}

// DefaultPlans mirrors the published tier table.
func DefaultPlans() []Plan {
	return []Plan{
		{Tier: TierFree, RateLimitCeilingPerMinute: 10, HistoryWindowDays: 7},
		{Tier: TierPro, RateLimitCeilingPerMinute: 60, HistoryWindowDays: 90},
		{Tier: TierPremium, RateLimitCeilingPerMinute: 300, HistoryWindowDays: 365},
	}
}

// StaticResolver serves plans from configuration. Accounts without an explicit
// assignment get the fallback tier.
type StaticResolver struct {
	mu       sync.RWMutex
	plans    map[Tier]Plan
	accounts map[string]Tier
	fallback Tier
}

// NewStaticResolver builds a resolver; fallback must name one of plans.
func NewStaticResolver(plans []Plan, accounts map[string]Tier, fallback Tier) (*StaticResolver, error) {
	if len(plans) == 0 {
		plans = DefaultPlans()
	}
	r := &StaticResolver{
		plans:    make(map[Tier]Plan, len(plans)),
		accounts: make(map[string]Tier, len(accounts)),
		fallback: fallback,
	}
	for _, p := range plans {
		if p.RateLimitCeilingPerMinute <= 0 {
			return nil, fmt.Errorf("plan %s: rate limit ceiling must be positive", p.Tier)
		}
		r.plans[p.Tier] = p
	}
	if r.fallback == "" {
		r.fallback = TierFree
	}
	if _, ok := r.plans[r.fallback]; !ok {
		return nil, fmt.Errorf("fallback tier %q is not configured", r.fallback)
	}
	for acct, tier := range accounts {
		if _, ok := r.plans[tier]; !ok {
			return nil, fmt.Errorf("account %s: unknown tier %q", acct, tier)
		}
		r.accounts[acct] = tier
	}
	return r, nil
}

// Assign moves an account to a tier.
func (r *StaticResolver) Assign(accountID string, tier Tier) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plans[tier]; !ok {
		return fmt.Errorf("unknown tier %q", tier)
	}
	r.accounts[strings.TrimSpace(accountID)] = tier
	return nil
}

func (r *StaticResolver) GetPlan(ctx context.Context, accountID string) (Plan, error) {
	if err := ctx.Err(); err != nil {
		return Plan{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	tier, ok := r.accounts[strings.TrimSpace(accountID)]
	if !ok {
		tier = r.fallback
	}
	return r.plans[tier], nil
}
