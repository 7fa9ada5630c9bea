package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func adminServer(t *testing.T, a *Admin) *httptest.Server {
	t.Helper()
	r := mux.NewRouter()
	a.Routes(r)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, url string, into any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
}

func TestAdmin_ServicesSummarizesCatalog(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	h := newProxyHarness(t)
	h.register("orders", backend.URL)
	h.register("billing", backend.URL)

	a := NewAdmin(h.cache, h.proxy(DefaultConfig()), nil, testLogger())
	ts := adminServer(t, a)

	var body struct {
		Version  int64            `json:"version"`
		Services []serviceSummary `json:"services"`
	}
	getJSON(t, ts.URL+"/gateway/services", &body)

	require.Positive(t, body.Version)
	require.Equal(t, []serviceSummary{
		{ServiceName: "billing", Instances: 1, Healthy: 1},
		{ServiceName: "orders", Instances: 1, Healthy: 1},
	}, body.Services)
}

func TestAdmin_BreakersReportsPerDestinationState(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	h := newProxyHarness(t)
	id := h.register("orders", backend.URL)

	p := h.proxy(DefaultConfig())
	front := httptest.NewServer(p)
	defer front.Close()

	// A breaker is created lazily on the first request for a destination.
	resp, err := http.Get(front.URL + "/svc/orders/ping")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ts := adminServer(t, NewAdmin(h.cache, p, nil, testLogger()))

	var body struct {
		Breakers map[string]string `json:"breakers"`
	}
	getJSON(t, ts.URL+"/gateway/breakers", &body)
	require.Equal(t, map[string]string{id: "closed"}, body.Breakers)
}

func TestAdmin_HealthReportsCacheVersion(t *testing.T) {
	h := newProxyHarness(t)

	a := NewAdmin(h.cache, h.proxy(DefaultConfig()), nil, testLogger())
	a.now = func() time.Time {
		return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	}
	ts := adminServer(t, a)

	var body struct {
		Status    string            `json:"status"`
		Service   string            `json:"service"`
		Timestamp string            `json:"timestamp"`
		Checks    map[string]string `json:"checks"`
	}
	getJSON(t, ts.URL+"/health", &body)

	require.Equal(t, "Healthy", body.Status)
	require.Equal(t, "gateway", body.Service)
	require.Equal(t, "2025-06-01T12:00:00Z", body.Timestamp)
	require.Equal(t, "v0", body.Checks["cache"])
}

func TestAdmin_MetricsExposedWhenGathererSet(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer backend.Close()

	h := newProxyHarness(t)
	h.register("orders", backend.URL)

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	RegisterCacheStats(reg, h.cache)
	p := NewProxy(h.cache, DefaultConfig(), nil, metrics, testLogger())

	front := httptest.NewServer(p)
	defer front.Close()
	resp, err := http.Get(front.URL + "/svc/orders/ping")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ts := adminServer(t, NewAdmin(h.cache, p, reg, testLogger()))

	mresp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer mresp.Body.Close()
	require.Equal(t, http.StatusOK, mresp.StatusCode)

	raw, err := io.ReadAll(mresp.Body)
	require.NoError(t, err)
	require.Contains(t, string(raw), `weftmesh_gateway_requests_total{code="200",service="orders"} 1`)
	require.Contains(t, string(raw), "weftmesh_gateway_cache_version")
	require.Contains(t, string(raw), "weftmesh_gateway_cache_instances 1")
}

func TestAdmin_MetricsAbsentWithoutGatherer(t *testing.T) {
	h := newProxyHarness(t)
	ts := adminServer(t, NewAdmin(h.cache, h.proxy(DefaultConfig()), nil, testLogger()))

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
