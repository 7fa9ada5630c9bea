package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/weftmesh/weftmesh/internal/discovery"
	"github.com/weftmesh/weftmesh/internal/mesh"
)

// Admin serves the gateway's introspection surface: the cached service
// catalog, per-destination breaker states, health, and Prometheus metrics.
type Admin struct {
	cache    *discovery.Cache
	proxy    *Proxy
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	now      func() time.Time
}

// NewAdmin creates the admin surface. gatherer may be nil to disable the
// metrics endpoint.
func NewAdmin(cache *discovery.Cache, proxy *Proxy, gatherer prometheus.Gatherer, logger *slog.Logger) *Admin {
	return &Admin{
		cache:    cache,
		proxy:    proxy,
		gatherer: gatherer,
		logger:   logger,
		now:      time.Now,
	}
}

// Routes mounts the admin endpoints on r. They must be registered before the
// catch-all proxy route so they win the match.
func (a *Admin) Routes(r *mux.Router) {
	r.HandleFunc("/gateway/services", a.handleServices).Methods(http.MethodGet)
	r.HandleFunc("/gateway/breakers", a.handleBreakers).Methods(http.MethodGet)
	r.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	if a.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
}

type serviceSummary struct {
	ServiceName string `json:"serviceName"`
	Instances   int    `json:"instances"`
	Healthy     int    `json:"healthy"`
}

func (a *Admin) handleServices(w http.ResponseWriter, r *http.Request) {
	names := a.cache.Services()
	services := make([]serviceSummary, 0, len(names))
	for _, name := range names {
		all := a.cache.Discover(name, "", false)
		healthy := 0
		for _, rec := range all {
			if rec.Status == mesh.StatusHealthy {
				healthy++
			}
		}
		services = append(services, serviceSummary{
			ServiceName: name,
			Instances:   len(all),
			Healthy:     healthy,
		})
	}

	a.writeJSON(w, map[string]any{
		"version":  a.cache.Version(),
		"services": services,
	})
}

func (a *Admin) handleBreakers(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, map[string]any{
		"breakers": a.proxy.Breakers(),
	})
}

func (a *Admin) handleHealth(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, map[string]any{
		"status":    "Healthy",
		"service":   "gateway",
		"timestamp": a.now().UTC().Format(time.RFC3339),
		"checks": map[string]string{
			"cache": "v" + strconv.FormatInt(a.cache.Version(), 10),
		},
	})
}

func (a *Admin) writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.logger.Error("failed to write response", "error", err)
	}
}
