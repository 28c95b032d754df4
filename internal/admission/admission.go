package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/signal-engine/internal/observ"
	"github.com/Rajchodisetti/signal-engine/internal/payload"
	"github.com/Rajchodisetti/signal-engine/internal/plan"
	"github.com/Rajchodisetti/signal-engine/internal/signal"
)

// Decision is the outcome of an admission check
type Decision int

const (
	Allowed Decision = iota
	Throttled
	Disabled
	Unknown
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case Throttled:
		return "throttled"
	case Disabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Reason maps a refusal to its public rejection code; empty for Allowed.
func (d Decision) Reason() signal.RejectReason {
	switch d {
	case Throttled:
		return signal.ReasonThrottled
	case Disabled:
		return signal.ReasonDisabled
	case Unknown:
		return signal.ReasonUnknownCredential
	}
	return ""
}

// ErrInvalidCredential is returned for credentials that cannot be configured.
var ErrInvalidCredential = errors.New("invalid credential")

// Credential identifies one ingestion source and the mapping its alerts use.
type Credential struct {
	ID         string                `yaml:"id" json:"id"`
	AccountID  string                `yaml:"account_id" json:"account_id"`
	StrategyID string                `yaml:"strategy_id" json:"strategy_id"`
	Source     signal.Source         `yaml:"source" json:"source"`
	Mapping    payload.MappingConfig `yaml:"mapping" json:"mapping"`
}

type entry struct {
	cred    Credential
	limiter *rate.Limiter
}

// Controller gates ingestion per credential: disabled credentials are refused and
// each credential draws from its own token bucket (capacity R, refill R/60 per second).
// Buckets are process-local and start full.
type Controller struct {
	mu      sync.RWMutex
	entries map[string]*entry
	plans   plan.Resolver
	now     func() time.Time
}

// Option customizes a Controller.
type Option func(*Controller)

// WithClock overrides the time source used for token refill.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// NewController creates a controller that clamps configured limits with plans.
func NewController(plans plan.Resolver, opts ...Option) *Controller {
	c := &Controller{
		entries: make(map[string]*entry),
		plans:   plans,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Admit checks and consumes one token for the credential. It never blocks.
// The returned Credential is the snapshot the request should be processed with.
func (c *Controller) Admit(credentialID string) (Decision, Credential) {
	c.mu.RLock()
	e, ok := c.entries[credentialID]
	var cred Credential
	var limiter *rate.Limiter
	if ok {
		cred, limiter = e.cred, e.limiter
	}
	c.mu.RUnlock()

	d := Allowed
	switch {
	case !ok:
		d = Unknown
	case !cred.Mapping.Active:
		d = Disabled
	case !limiter.AllowN(c.now(), 1):
		d = Throttled
	}

	observ.IncCounter("admission_decisions_total", map[string]string{"decision": d.String()})
	return d, cred
}

// Configure validates a credential, clamps its rate limit to the account's plan
// ceiling and installs it. A limit of zero means "use the plan ceiling".
// Existing buckets are resized in place so in-flight tokens are kept.
func (c *Controller) Configure(ctx context.Context, cred Credential) (Credential, error) {
	cred.ID = strings.TrimSpace(cred.ID)
	if cred.ID == "" {
		return Credential{}, fmt.Errorf("%w: empty id", ErrInvalidCredential)
	}
	if cred.StrategyID == "" {
		return Credential{}, fmt.Errorf("%w: credential %s has no strategy", ErrInvalidCredential, cred.ID)
	}
	cred.AccountID = strings.TrimSpace(cred.AccountID)
	if cred.AccountID == "" {
		return Credential{}, fmt.Errorf("%w: credential %s has no account", ErrInvalidCredential, cred.ID)
	}
	if cred.Mapping.RateLimitPerMinute < 0 {
		return Credential{}, fmt.Errorf("%w: negative rate limit", ErrInvalidCredential)
	}
	if !cred.Source.Valid() {
		cred.Source = signal.SourceWebhook
	}

	p, err := c.plans.GetPlan(ctx, cred.AccountID)
	if err != nil {
		return Credential{}, fmt.Errorf("resolve plan for account %s: %w", cred.AccountID, err)
	}
	requested := cred.Mapping.RateLimitPerMinute
	cred.Mapping.RateLimitPerMinute = clamp(requested, p.RateLimitCeilingPerMinute)

	limit := perSecond(cred.Mapping.RateLimitPerMinute)
	burst := cred.Mapping.RateLimitPerMinute
	now := c.now()

	c.mu.Lock()
	if e, ok := c.entries[cred.ID]; ok {
		e.limiter.SetLimitAt(now, limit)
		e.limiter.SetBurstAt(now, burst)
		e.cred = cred
	} else {
		c.entries[cred.ID] = &entry{cred: cred, limiter: rate.NewLimiter(limit, burst)}
	}
	c.mu.Unlock()

	observ.Log("credential_configured", map[string]any{
		"credential_id": cred.ID,
		"strategy_id":   cred.StrategyID,
		"tier":          string(p.Tier),
		"requested_rpm": requested,
		"effective_rpm": cred.Mapping.RateLimitPerMinute,
		"active":        cred.Mapping.Active,
	})
	return cred, nil
}

// SetActive flips the enable/disable gate without touching the bucket.
func (c *Controller) SetActive(credentialID string, active bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[credentialID]
	if !ok {
		return false
	}
	e.cred.Mapping.Active = active
	return true
}

// Get returns the installed credential.
func (c *Controller) Get(credentialID string) (Credential, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[credentialID]
	if !ok {
		return Credential{}, false
	}
	return e.cred, true
}

// Remove forgets a credential and its bucket.
func (c *Controller) Remove(credentialID string) {
	c.mu.Lock()
	delete(c.entries, credentialID)
	c.mu.Unlock()
}

// Len reports how many credentials are installed.
func (c *Controller) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func clamp(requested, ceiling int) int {
	if requested <= 0 || requested > ceiling {
		requested = ceiling
	}
	if requested < 1 {
		requested = 1
	}
	return requested
}

func perSecond(perMinute int) rate.Limit {
	return rate.Limit(float64(perMinute) / 60)
}
