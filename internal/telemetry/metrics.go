// Package telemetry exposes the Prometheus metrics surface carried over
// from the original implementation's metrics module: cache hit/miss
// counters by tier, a request latency histogram, and error counters for
// the origin and far tier.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Tier labels for CacheHits/CacheMisses, matching the original's L1/L2
// split between the near (in-process) and far (shared) tiers.
const (
	TierNear = "l1"
	TierFar  = "l2"
)

// Metrics bundles the counters and histogram the pipeline updates on
// every request. Construct one with NewMetrics and register it with
// Register before serving traffic.
type Metrics struct {
	CacheHits      *prometheus.CounterVec
	CacheMisses    *prometheus.CounterVec
	RequestsTotal  prometheus.Counter
	RequestLatency prometheus.Histogram
	OriginErrors   *prometheus.CounterVec
	FarTierErrors  *prometheus.CounterVec
}

// NewMetrics constructs the metric collectors. It does not register them
// with any registry; call Register for that.
func NewMetrics() *Metrics {
	return &Metrics{
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cachewarp_cache_hits_total",
			Help: "Total number of cache hits",
		}, []string{"cache_layer"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cachewarp_cache_misses_total",
			Help: "Total number of cache misses",
		}, []string{"cache_layer"}),
		RequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cachewarp_requests_total",
			Help: "Total number of requests processed",
		}),
		RequestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cachewarp_request_latency_seconds",
			Help:    "Request latency in seconds",
			Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1.0, 2.0},
		}),
		OriginErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cachewarp_origin_errors_total",
			Help: "Total number of origin fetch errors",
		}, []string{"error_type"}),
		FarTierErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cachewarp_far_tier_errors_total",
			Help: "Total number of far tier errors",
		}, []string{"error_type"}),
	}
}

// Register adds every collector to reg. Use prometheus.NewRegistry in
// tests to avoid the global default registry's cross-test state.
func (m *Metrics) Register(reg prometheus.Registerer) {
	reg.MustRegister(
		m.CacheHits,
		m.CacheMisses,
		m.RequestsTotal,
		m.RequestLatency,
		m.OriginErrors,
		m.FarTierErrors,
	)
}

func (m *Metrics) RecordCacheHit(tier string)  { m.CacheHits.WithLabelValues(tier).Inc() }
func (m *Metrics) RecordCacheMiss(tier string) { m.CacheMisses.WithLabelValues(tier).Inc() }

func (m *Metrics) RecordOriginError(kind string)   { m.OriginErrors.WithLabelValues(kind).Inc() }
func (m *Metrics) RecordFarTierError(kind string)  { m.FarTierErrors.WithLabelValues(kind).Inc() }
