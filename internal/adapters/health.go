package adapters

import (
	"sync"
	"time"

	"github.com/Rajchodisetti/signal-engine/internal/observ"
)

// ProviderStatus represents the health state of a price provider
type ProviderStatus string

const (
	ProviderStatusHealthy  ProviderStatus = "healthy"
	ProviderStatusDegraded ProviderStatus = "degraded"
	ProviderStatusFailed   ProviderStatus = "failed"
)

// HealthConfig sets when a provider is demoted and how long a failed one
// rests before it is probed again.
type HealthConfig struct {
	DegradedAfter int           `yaml:"degraded_after"` // consecutive errors
	FailedAfter   int           `yaml:"failed_after"`
	Cooldown      time.Duration `yaml:"cooldown"`
}

func (c HealthConfig) withDefaults() HealthConfig {
	if c.DegradedAfter <= 0 {
		c.DegradedAfter = 2
	}
	if c.FailedAfter < c.DegradedAfter {
		c.FailedAfter = c.DegradedAfter + 3
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	return c
}

// ProviderHealth tracks consecutive failures of one provider. A failed
// provider is skipped until its cooldown ends, then a single probe is let
// through; success closes the breaker, failure restarts the cooldown.
type ProviderHealth struct {
	mu          sync.Mutex
	name        string
	cfg         HealthConfig
	status      ProviderStatus
	consecutive int
	successes   int64
	errors      int64
	lastError   string
	lastSuccess time.Time
	nextProbe   time.Time
	probing     bool
	latency     time.Duration // moving average
	now         func() time.Time
}

func NewProviderHealth(name string, cfg HealthConfig) *ProviderHealth {
	h := &ProviderHealth{
		name:   name,
		cfg:    cfg.withDefaults(),
		status: ProviderStatusHealthy,
		now:    time.Now,
	}
	h.publish()
	return h
}

func (h *ProviderHealth) Name() string { return h.name }

// Allow reports whether a request may be sent to the provider now.
func (h *ProviderHealth) Allow() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.status != ProviderStatusFailed {
		return true
	}
	if h.probing || h.now().Before(h.nextProbe) {
		return false
	}
	h.probing = true
	observ.Log("provider_probe", map[string]any{"provider": h.name})
	return true
}

func (h *ProviderHealth) RecordSuccess(latency time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	prev := h.status
	h.successes++
	h.consecutive = 0
	h.probing = false
	h.lastSuccess = h.now()
	h.status = ProviderStatusHealthy
	if h.latency == 0 {
		h.latency = latency
	} else {
		h.latency = time.Duration(float64(h.latency)*0.9 + float64(latency)*0.1)
	}

	observ.RecordDuration("provider_latency", latency, map[string]string{"provider": h.name})
	if prev != ProviderStatusHealthy {
		observ.Log("provider_recovered", map[string]any{"provider": h.name, "from": string(prev)})
		h.publish()
	}
}

func (h *ProviderHealth) RecordError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	prev := h.status
	h.errors++
	h.consecutive++
	h.probing = false
	h.lastError = err.Error()

	switch {
	case h.consecutive >= h.cfg.FailedAfter || prev == ProviderStatusFailed:
		h.status = ProviderStatusFailed
		h.nextProbe = h.now().Add(h.cfg.Cooldown)
	case h.consecutive >= h.cfg.DegradedAfter:
		h.status = ProviderStatusDegraded
	}

	observ.IncCounter("provider_errors_total", map[string]string{"provider": h.name, "type": ErrorType(err)})
	if h.status != prev {
		observ.Warn("provider_status_changed", map[string]any{
			"provider":           h.name,
			"from":               string(prev),
			"to":                 string(h.status),
			"consecutive_errors": h.consecutive,
			"error":              h.lastError,
		})
		h.publish()
	}
}

func (h *ProviderHealth) Status() ProviderStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Snapshot returns the fields reported by the health endpoint.
func (h *ProviderHealth) Snapshot() map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := map[string]any{
		"status":             string(h.status),
		"consecutive_errors": h.consecutive,
		"success_count":      h.successes,
		"error_count":        h.errors,
		"latency_ms":         h.latency.Milliseconds(),
	}
	if h.lastError != "" {
		s["last_error"] = h.lastError
	}
	if !h.lastSuccess.IsZero() {
		s["last_success"] = h.lastSuccess
	}
	return s
}

// publish must be called with mu held or before h is shared.
func (h *ProviderHealth) publish() {
	v := 1.0
	switch h.status {
	case ProviderStatusDegraded:
		v = 0.5
	case ProviderStatusFailed:
		v = 0
	}
	observ.SetGauge("provider_health", v, map[string]string{"provider": h.name})
}
