// Package metrics exposes prometheus instrumentation for generated
// operations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the library's metric vectors.
type Metrics struct {
	OpsTotal         *prometheus.CounterVec
	OpDuration       *prometheus.HistogramVec
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec
	RateLimitedTotal *prometheus.CounterVec
}

// New creates a Metrics instance registered on reg (the default registerer
// when nil). Tests pass a fresh registry to avoid duplicate registration.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "lazycrud"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		OpsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ops",
				Name:      "total",
				Help:      "Total number of generated operations executed",
			},
			[]string{"table", "op", "code"},
		),
		OpDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ops",
				Name:      "duration_seconds",
				Help:      "Operation duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"table", "op"},
		),
		CacheHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "hits_total",
				Help:      "Total number of cache hits",
			},
			[]string{"cache"},
		),
		CacheMissesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "misses_total",
				Help:      "Total number of cache misses",
			},
			[]string{"cache"},
		),
		RateLimitedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ratelimit",
				Name:      "rejections_total",
				Help:      "Total number of rate-limited calls",
			},
			[]string{"table"},
		),
	}
}

// RecordOp records one operation outcome.
func (m *Metrics) RecordOp(table, op, code string, duration time.Duration) {
	if m == nil {
		return
	}
	m.OpsTotal.WithLabelValues(table, op, code).Inc()
	m.OpDuration.WithLabelValues(table, op).Observe(duration.Seconds())
}

// RecordCacheHit records a cache hit.
func (m *Metrics) RecordCacheHit(cache string) {
	if m == nil {
		return
	}
	m.CacheHitsTotal.WithLabelValues(cache).Inc()
}

// RecordCacheMiss records a cache miss.
func (m *Metrics) RecordCacheMiss(cache string) {
	if m == nil {
		return
	}
	m.CacheMissesTotal.WithLabelValues(cache).Inc()
}

// RecordRateLimited records a rejected call.
func (m *Metrics) RecordRateLimited(table string) {
	if m == nil {
		return
	}
	m.RateLimitedTotal.WithLabelValues(table).Inc()
}
