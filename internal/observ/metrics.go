package observ

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "signal_engine"

type registry struct {
	mu       sync.Mutex
	prom     *prometheus.Registry
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec
	hist     map[string]*prometheus.HistogramVec
	labels   map[string]string // name -> canonical label-name list
}

var reg = newRegistry()

func newRegistry() *registry {
	r := &registry{
		prom:     prometheus.NewRegistry(),
		counters: map[string]*prometheus.CounterVec{},
		gauges:   map[string]*prometheus.GaugeVec{},
		hist:     map[string]*prometheus.HistogramVec{},
		labels:   map[string]string{},
	}
	r.prom.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	return r
}

// labelNames returns the sorted label keys so vector shape is stable per metric name
func labelNames(lbl map[string]string) []string {
	keys := make([]string, 0, len(lbl))
	for k := range lbl {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// sameShape guards against one metric name being used with two label sets,
// which prometheus would reject at registration or lookup time.
func (r *registry) sameShape(name string, names []string) bool {
	canon := strings.Join(names, ",")
	if prev, ok := r.labels[name]; ok {
		return prev == canon
	}
	r.labels[name] = canon
	return true
}

func (r *registry) counter(name string, lbl map[string]string) prometheus.Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := labelNames(lbl)
	if !r.sameShape("c:"+name, names) {
		return nil
	}
	vec, ok := r.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: name}, names)
		if err := r.prom.Register(vec); err != nil {
			return nil
		}
		r.counters[name] = vec
	}
	c, err := vec.GetMetricWith(prometheus.Labels(lbl))
	if err != nil {
		return nil
	}
	return c
}

func (r *registry) gauge(name string, lbl map[string]string) prometheus.Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := labelNames(lbl)
	if !r.sameShape("g:"+name, names) {
		return nil
	}
	vec, ok := r.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: name}, names)
		if err := r.prom.Register(vec); err != nil {
			return nil
		}
		r.gauges[name] = vec
	}
	g, err := vec.GetMetricWith(prometheus.Labels(lbl))
	if err != nil {
		return nil
	}
	return g
}

func (r *registry) observer(name string, lbl map[string]string) prometheus.Observer {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := labelNames(lbl)
	if !r.sameShape("h:"+name, names) {
		return nil
	}
	vec, ok := r.hist[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      name,
			Help:      name,
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14),
		}, names)
		if err := r.prom.Register(vec); err != nil {
			return nil
		}
		r.hist[name] = vec
	}
	o, err := vec.GetMetricWith(prometheus.Labels(lbl))
	if err != nil {
		return nil
	}
	return o
}

func IncCounter(name string, labels map[string]string) {
	IncCounterBy(name, labels, 1.0)
}

func IncCounterBy(name string, labels map[string]string, value float64) {
	if c := reg.counter(name, labels); c != nil {
		c.Add(value)
	}
}

func SetGauge(name string, value float64, labels map[string]string) {
	if g := reg.gauge(name, labels); g != nil {
		g.Set(value)
	}
}

func Observe(name string, value float64, labels map[string]string) {
	if o := reg.observer(name, labels); o != nil {
		o.Observe(value)
	}
}

// RecordDuration records a duration metric in milliseconds
func RecordDuration(name string, duration time.Duration, labels map[string]string) {
	Observe(name+"_ms", float64(duration.Microseconds())/1000.0, labels)
}

// Handler exposes the registry in prometheus text format
func Handler() http.Handler {
	return promhttp.HandlerFor(reg.prom, promhttp.HandlerOpts{})
}

// HealthStatus is the body served by HealthHandler
type HealthStatus struct {
	Status    string         `json:"status"`    // "healthy", "degraded"
	Timestamp string         `json:"timestamp"` // ISO 8601
	Uptime    string         `json:"uptime"`
	Version   string         `json:"version"`
	Details   map[string]any `json:"details,omitempty"`
}

var (
	startTime = time.Now()
	version   = "dev" // Set via build flags
)

// SetVersion sets the version string for health reports
func SetVersion(v string) {
	version = v
}

// HealthHandler reports uptime plus whatever the details callback returns.
// A details map carrying "degraded": true flips the status and the code to 206.
func HealthHandler(details func() map[string]any) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := HealthStatus{
			Status:    "healthy",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Uptime:    time.Since(startTime).String(),
			Version:   version,
		}
		if details != nil {
			health.Details = details()
		}
		statusCode := http.StatusOK
		if degraded, _ := health.Details["degraded"].(bool); degraded {
			health.Status = "degraded"
			statusCode = http.StatusPartialContent
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		_ = sonic.ConfigDefault.NewEncoder(w).Encode(health)
	})
}
