// Package metrics defines the Prometheus collectors shared by the cache,
// the HTTP client and the realtime manager. A nil *Collectors is valid and
// records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "backendlink"

type Collectors struct {
	cacheLookups    *prometheus.CounterVec
	cacheWrites     *prometheus.CounterVec
	cacheEvictions  *prometheus.CounterVec
	cacheEntries    *prometheus.GaugeVec
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	refreshes       *prometheus.CounterVec
	realtimeState   prometheus.Gauge
	reconnects      prometheus.Counter
	frames          *prometheus.CounterVec
}

// New builds the collectors and registers them on reg when reg is non-nil.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "lookups_total",
			Help: "Response cache lookups by tier and result.",
		}, []string{"tier", "result"}),
		cacheWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "writes_total",
			Help: "Response cache writes by result.",
		}, []string{"result"}),
		cacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "evictions_total",
			Help: "Response cache entries removed by tier and reason.",
		}, []string{"tier", "reason"}),
		cacheEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cache", Name: "entries",
			Help: "Response cache entries currently held per tier.",
		}, []string{"tier"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "Client executions by cache policy and outcome.",
		}, []string{"policy", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "Network round-trip latency by method and status class.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "auth", Name: "refreshes_total",
			Help: "Credential refresh participation by outcome (joined counts waiters).",
		}, []string{"outcome"}),
		realtimeState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "realtime", Name: "state",
			Help: "Realtime connection state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting).",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "realtime", Name: "reconnect_attempts_total",
			Help: "Scheduled realtime reconnect attempts.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "realtime", Name: "frames_total",
			Help: "Inbound realtime frames by type.",
		}, []string{"type"}),
	}
	if reg != nil {
		reg.MustRegister(
			c.cacheLookups, c.cacheWrites, c.cacheEvictions, c.cacheEntries,
			c.requests, c.requestDuration, c.refreshes,
			c.realtimeState, c.reconnects, c.frames,
		)
	}
	return c
}

func (c *Collectors) CacheLookup(tier, result string) {
	if c == nil {
		return
	}
	c.cacheLookups.WithLabelValues(tier, result).Inc()
}

func (c *Collectors) CacheWrite(result string) {
	if c == nil {
		return
	}
	c.cacheWrites.WithLabelValues(result).Inc()
}

func (c *Collectors) CacheEvicted(tier, reason string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.cacheEvictions.WithLabelValues(tier, reason).Add(float64(n))
}

func (c *Collectors) CacheEntries(tier string, n int) {
	if c == nil {
		return
	}
	c.cacheEntries.WithLabelValues(tier).Set(float64(n))
}

func (c *Collectors) Request(policy, outcome string) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(policy, outcome).Inc()
}

func (c *Collectors) RoundTrip(method string, status int, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.requestDuration.WithLabelValues(method, statusClass(status)).Observe(elapsed.Seconds())
}

func (c *Collectors) Refresh(outcome string) {
	if c == nil {
		return
	}
	c.refreshes.WithLabelValues(outcome).Inc()
}

func (c *Collectors) RealtimeState(code int) {
	if c == nil {
		return
	}
	c.realtimeState.Set(float64(code))
}

func (c *Collectors) ReconnectAttempt() {
	if c == nil {
		return
	}
	c.reconnects.Inc()
}

func (c *Collectors) Frame(frameType string) {
	if c == nil {
		return
	}
	c.frames.WithLabelValues(frameType).Inc()
}

func statusClass(status int) string {
	switch {
	case status <= 0:
		return "error"
	case status < 200:
		return "1xx"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
