package gateway

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/weftmesh/weftmesh/internal/discovery"
)

// Metrics holds the gateway's Prometheus collectors. Registration happens at
// construction against an explicit registry so tests stay isolated.
type Metrics struct {
	requests           *prometheus.CounterVec
	duration           *prometheus.HistogramVec
	breakerTransitions *prometheus.CounterVec
	rateLimited        prometheus.Counter
}

// NewMetrics creates and registers the gateway collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weftmesh_gateway_requests_total",
			Help: "Proxied requests by target service and response status code.",
		}, []string{"service", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "weftmesh_gateway_request_duration_seconds",
			Help:    "End-to-end proxied request duration by target service.",
			Buckets: prometheus.DefBuckets,
		}, []string{"service"}),
		breakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weftmesh_gateway_breaker_transitions_total",
			Help: "Circuit breaker state transitions by resulting state.",
		}, []string{"to"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "weftmesh_gateway_rate_limited_total",
			Help: "Requests rejected by the per-client rate limiter.",
		}),
	}
	reg.MustRegister(m.requests, m.duration, m.breakerTransitions, m.rateLimited)
	return m
}

// RegisterCacheStats exposes the discovery cache's cursor and size as gauges.
func RegisterCacheStats(reg prometheus.Registerer, cache *discovery.Cache) {
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "weftmesh_gateway_cache_version",
		Help: "Registry change feed version the local cache has applied.",
	}, func() float64 {
		return float64(cache.Version())
	}))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "weftmesh_gateway_cache_instances",
		Help: "Instance records currently held in the local cache.",
	}, func() float64 {
		return float64(cache.Len())
	}))
}
