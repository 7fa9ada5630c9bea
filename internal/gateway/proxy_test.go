package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/weftmesh/weftmesh/internal/balancer"
	"github.com/weftmesh/weftmesh/internal/discovery"
	"github.com/weftmesh/weftmesh/internal/feed"
	"github.com/weftmesh/weftmesh/internal/mesh"
	"github.com/weftmesh/weftmesh/internal/registry"
	"github.com/weftmesh/weftmesh/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// proxyHarness runs a real registry with a syncing discovery cache so proxy
// tests exercise the same resolution path production uses.
type proxyHarness struct {
	t        *testing.T
	client   *discovery.Client
	cache    *discovery.Cache
	registry *httptest.Server
}

func newProxyHarness(t *testing.T) *proxyHarness {
	t.Helper()
	logger := testLogger()

	hub := feed.NewHub(logger)
	st := store.NewMemory(hub.Publish)
	srv := registry.NewServer(st, hub, nil, nil, logger)
	ts := httptest.NewServer(srv.Routes())

	client := discovery.NewClient(ts.URL, nil, logger)
	cacheConfig := discovery.DefaultCacheConfig()
	cacheConfig.SyncInterval = 20 * time.Millisecond
	cacheConfig.BatchInterval = 5 * time.Millisecond
	cache := discovery.NewCache(client, cacheConfig, balancer.NewInFlight(), logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = cache.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		hub.Close()
		ts.Close()
	})

	return &proxyHarness{t: t, client: client, cache: cache, registry: ts}
}

// register adds backendURL as an instance of serviceName and waits for the
// cache to pick it up.
func (h *proxyHarness) register(serviceName, backendURL string) string {
	h.t.Helper()
	u, err := url.Parse(backendURL)
	require.NoError(h.t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(h.t, err)

	id, err := h.client.Register(context.Background(), mesh.RegisterRequest{
		ServiceName: serviceName,
		Host:        u.Hostname(),
		Port:        port,
	})
	require.NoError(h.t, err)

	require.Eventually(h.t, func() bool {
		return h.cache.Pick(serviceName, "") != nil
	}, 2*time.Second, 10*time.Millisecond)
	return id
}

func (h *proxyHarness) proxy(config Config) *Proxy {
	return NewProxy(h.cache, config, nil, nil, testLogger())
}

func decodeErrorBody(t *testing.T, body io.Reader) mesh.ErrorBody {
	t.Helper()
	var eb mesh.ErrorBody
	require.NoError(t, json.NewDecoder(body).Decode(&eb))
	return eb
}

func TestProxy_RoutesToBackend(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/hello" {
			t.Errorf("expected backend path /hello, got %s", r.URL.Path)
		}
		if r.URL.RawQuery != "page=2&limit=10" {
			t.Errorf("expected query to survive, got %q", r.URL.RawQuery)
		}
		fmt.Fprintln(w, "OK from backend")
	}))
	defer backend.Close()

	h := newProxyHarness(t)
	h.register("my-service", backend.URL)

	front := httptest.NewServer(h.proxy(DefaultConfig()))
	defer front.Close()

	resp, err := http.Get(front.URL + "/svc/my-service/hello?page=2&limit=10")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "OK from backend")
}

func TestProxy_PrefixAndServiceMatchedCaseInsensitively(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	h := newProxyHarness(t)
	h.register("Orders", backend.URL)

	front := httptest.NewServer(h.proxy(DefaultConfig()))
	defer front.Close()

	for _, path := range []string{"/svc/Orders/info", "/SVC/orders/info", "/Api/ORDERS/info"} {
		resp, err := http.Get(front.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, "path %s", path)
	}
}

func TestProxy_UnroutablePathIs404(t *testing.T) {
	h := newProxyHarness(t)

	front := httptest.NewServer(h.proxy(DefaultConfig()))
	defer front.Close()

	resp, err := http.Get(front.URL + "/other/Orders/info")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, mesh.ErrKindNotFound, decodeErrorBody(t, resp.Body).Error)
}

func TestProxy_NoHealthyInstancesIs503(t *testing.T) {
	h := newProxyHarness(t)

	front := httptest.NewServer(h.proxy(DefaultConfig()))
	defer front.Close()

	resp, err := http.Get(front.URL + "/svc/ghost-service/info")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	eb := decodeErrorBody(t, resp.Body)
	require.Equal(t, mesh.ErrKindTransient, eb.Error)
	require.Equal(t, "ghost-service", eb.Service)
}

func TestProxy_ForwardsNon2xxVerbatim(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not in stock", http.StatusConflict)
	}))
	defer backend.Close()

	h := newProxyHarness(t)
	h.register("inventory", backend.URL)

	front := httptest.NewServer(h.proxy(DefaultConfig()))
	defer front.Close()

	resp, err := http.Get(front.URL + "/svc/inventory/check")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusConflict, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	require.Contains(t, string(body), "not in stock")
}

func TestProxy_StripsHopByHopHeaders(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Secret") != "" {
			t.Error("Connection-nominated header leaked upstream")
		}
		if r.Header.Get("Keep-Alive") != "" {
			t.Error("Keep-Alive header leaked upstream")
		}
		if r.Header.Get("X-App") != "yes" {
			t.Error("end-to-end request header was dropped")
		}
		w.Header().Set("Keep-Alive", "timeout=5")
		w.Header().Set("X-Backend", "inventory-1")
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	h := newProxyHarness(t)
	h.register("inventory", backend.URL)

	front := httptest.NewServer(h.proxy(DefaultConfig()))
	defer front.Close()

	req, err := http.NewRequest(http.MethodGet, front.URL+"/svc/inventory/check", nil)
	require.NoError(t, err)
	req.Header.Set("Connection", "x-secret")
	req.Header.Set("X-Secret", "do-not-forward")
	req.Header.Set("Keep-Alive", "timeout=3")
	req.Header.Set("X-App", "yes")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, resp.Header.Get("Keep-Alive"))
	require.Equal(t, "inventory-1", resp.Header.Get("X-Backend"))
}

func TestProxy_StreamsRequestBody(t *testing.T) {
	var received atomic.Int64
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, _ := io.Copy(io.Discard, r.Body)
		received.Store(n)
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	h := newProxyHarness(t)
	h.register("uploads", backend.URL)

	front := httptest.NewServer(h.proxy(DefaultConfig()))
	defer front.Close()

	payload := make([]byte, 256<<10)
	req, err := http.NewRequest(http.MethodPost, front.URL+"/svc/uploads/blob", io.NopCloser(readerOf(payload)))
	require.NoError(t, err)
	req.ContentLength = int64(len(payload))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, int64(len(payload)), received.Load())
}

func readerOf(b []byte) io.Reader {
	return io.LimitReader(endlessReader{}, int64(len(b)))
}

type endlessReader struct{}

func (endlessReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 'a'
	}
	return len(p), nil
}

func TestProxy_UpstreamTimeoutIs504(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer backend.Close()

	h := newProxyHarness(t)
	h.register("slow", backend.URL)

	config := DefaultConfig()
	config.Timeout = 50 * time.Millisecond

	front := httptest.NewServer(h.proxy(config))
	defer front.Close()

	resp, err := http.Get(front.URL + "/svc/slow/wait")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	require.Equal(t, mesh.ErrKindTimeout, decodeErrorBody(t, resp.Body).Error)
}

func TestProxy_ConnectionErrorIs502(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	h := newProxyHarness(t)
	h.register("flaky", backend.URL)
	backend.Close() // gone before the first proxied request

	front := httptest.NewServer(h.proxy(DefaultConfig()))
	defer front.Close()

	resp, err := http.Get(front.URL + "/svc/flaky/info")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	require.Equal(t, mesh.ErrKindTransient, decodeErrorBody(t, resp.Body).Error)
}

func TestProxy_BreakerOpensAndFailsFast(t *testing.T) {
	var hits atomic.Int64
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer backend.Close()

	h := newProxyHarness(t)
	h.register("failing", backend.URL)

	config := DefaultConfig()
	config.Breaker.FailureThreshold = 3

	front := httptest.NewServer(h.proxy(config))
	defer front.Close()

	for i := 0; i < 3; i++ {
		resp, err := http.Get(front.URL + "/svc/failing/op")
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	}

	// The circuit is open now: the next request fails fast without touching
	// the backend.
	resp, err := http.Get(front.URL + "/svc/failing/op")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Equal(t, mesh.ErrKindCircuitOpen, decodeErrorBody(t, resp.Body).Error)
	require.Equal(t, int64(3), hits.Load())
}

func TestProxy_BreakerRecoversThroughProbe(t *testing.T) {
	var healthy atomic.Bool
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	h := newProxyHarness(t)
	h.register("recovering", backend.URL)

	config := DefaultConfig()
	config.Breaker.FailureThreshold = 2
	config.Breaker.OpenDuration = 50 * time.Millisecond
	config.Breaker.MaxOpenDuration = 200 * time.Millisecond

	front := httptest.NewServer(h.proxy(config))
	defer front.Close()

	for i := 0; i < 2; i++ {
		resp, err := http.Get(front.URL + "/svc/recovering/op")
		require.NoError(t, err)
		resp.Body.Close()
	}

	resp, err := http.Get(front.URL + "/svc/recovering/op")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	healthy.Store(true)
	time.Sleep(60 * time.Millisecond) // let the open period expire

	// Probe succeeds and the circuit closes again.
	resp, err = http.Get(front.URL + "/svc/recovering/op")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(front.URL + "/svc/recovering/op")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestProxy_OpenBreakerShiftsTrafficToHealthyInstance(t *testing.T) {
	var badHits, goodHits atomic.Int64
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		badHits.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		goodHits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer good.Close()

	h := newProxyHarness(t)
	h.register("orders", bad.URL)
	h.register("orders", good.URL)
	require.Eventually(t, func() bool {
		return len(h.cache.Discover("orders", "", true)) == 2
	}, 2*time.Second, 10*time.Millisecond)

	config := DefaultConfig()
	config.Breaker.FailureThreshold = 3

	front := httptest.NewServer(h.proxy(config))
	defer front.Close()

	// Round-robin alternates between the two instances until the bad one
	// accumulates three consecutive failures and its breaker opens. From
	// then on selection excludes it, so every remaining request lands on
	// the healthy backend.
	ok := 0
	for i := 0; i < 40; i++ {
		resp, err := http.Get(front.URL + "/svc/orders/op")
		require.NoError(t, err)
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			ok++
		}
	}
	require.Equal(t, int64(3), badHits.Load())
	require.Equal(t, 37, ok)
	require.Equal(t, int64(37), goodHits.Load())
}

func TestSplitServicePath(t *testing.T) {
	prefixes := []string{"svc", "api", "gateway"}
	tests := []struct {
		path        string
		wantService string
		wantRest    string
		wantOK      bool
	}{
		{"/svc/Orders/info", "Orders", "/info", true},
		{"/api/my-service/foo/bar", "my-service", "/foo/bar", true},
		{"/SVC/Orders/info", "Orders", "/info", true},
		{"/svc/Orders", "Orders", "/", true},
		{"/svc/Orders/", "Orders", "/", true},
		{"/gateway/x", "x", "/", true},
		{"/svc/", "", "", false},
		{"/svc", "", "", false},
		{"/other/Orders/info", "", "", false},
		{"/", "", "", false},
		{"", "", "", false},
	}

	for _, tt := range tests {
		svc, rest, ok := splitServicePath(prefixes, tt.path)
		if ok != tt.wantOK || svc != tt.wantService || rest != tt.wantRest {
			t.Errorf("splitServicePath(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.path, svc, rest, ok, tt.wantService, tt.wantRest, tt.wantOK)
		}
	}
}
