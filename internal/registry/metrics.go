package registry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/weftmesh/weftmesh/internal/feed"
	"github.com/weftmesh/weftmesh/internal/reaper"
)

// Metrics holds the registry's API-side collectors.
type Metrics struct {
	registrations   prometheus.Counter
	deregistrations prometheus.Counter
	heartbeats      prometheus.Counter
	requests        *prometheus.CounterVec
}

// NewMetrics creates and registers the API collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		registrations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "weftmesh_registry_registrations_total",
			Help: "Number of successful instance registrations.",
		}),
		deregistrations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "weftmesh_registry_deregistrations_total",
			Help: "Number of successful instance deregistrations.",
		}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "weftmesh_registry_heartbeats_total",
			Help: "Number of accepted heartbeats.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weftmesh_registry_requests_total",
			Help: "API requests by method and status code.",
		}, []string{"method", "code"}),
	}

	reg.MustRegister(m.registrations, m.deregistrations, m.heartbeats, m.requests)
	return m
}

// RegisterFeedStats exposes the live subscriber count and cumulative drops of
// the push hub.
func RegisterFeedStats(reg prometheus.Registerer, hub *feed.Hub) {
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "weftmesh_registry_feed_subscribers",
			Help: "Websocket feed subscribers currently attached.",
		}, func() float64 { return float64(hub.Len()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "weftmesh_registry_feed_dropped_total",
			Help: "Feed subscribers dropped for falling behind.",
		}, func() float64 { return float64(hub.Dropped()) }),
	)
}

// RegisterReaperStats exposes the reaper's demotion and eviction counts.
func RegisterReaperStats(reg prometheus.Registerer, rp *reaper.Reaper) {
	reg.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "weftmesh_registry_demotions_total",
			Help: "Instances demoted to Unhealthy for missed heartbeats or failed probes.",
		}, func() float64 { return float64(rp.Demoted()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "weftmesh_registry_evictions_total",
			Help: "Instances evicted after the eviction timeout.",
		}, func() float64 { return float64(rp.Evicted()) }),
	)
}
