package gateway

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/weftmesh/weftmesh/internal/tracing"
)

// --- Request Logging Tests ---

func TestRequestLogging_LogsBothDirections(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	handler := RequestLogging(nil, logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest(http.MethodPost, "/svc/orders/new", nil)
	req.RemoteAddr = "10.1.1.1:4242"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	out := buf.String()
	require.Contains(t, out, "incoming request")
	require.Contains(t, out, "outgoing response")
	require.Contains(t, out, "status=201")
	require.Contains(t, out, "path=/svc/orders/new")
	require.Contains(t, out, "client_ip=10.1.1.1")
}

func TestRequestLogging_ContinuesInboundTrace(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	tracer := tracing.New("gateway-test", tracing.NopSink{})

	var seen string
	handler := RequestLogging(tracer, logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = tracing.TraceID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	req := httptest.NewRequest(http.MethodGet, "/svc/orders/1", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	require.Equal(t, traceID, seen, "handler should run inside the continued trace")
	require.Contains(t, buf.String(), "trace_id="+traceID)
}

func TestRequestLogging_StartsFreshTraceWithoutInbound(t *testing.T) {
	tracer := tracing.New("gateway-test", tracing.NopSink{})

	var seen string
	handler := RequestLogging(tracer, testLogger(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = tracing.TraceID(r.Context())
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/svc/orders/1", nil))

	require.Len(t, seen, 32, "expected a fresh 16-byte hex trace id")
}

// --- Rate Limiter Tests ---

func TestRateLimiter_EnforcesBurst(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RPS: 1, Burst: 2, IdleTTL: time.Minute}, nil)
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	var codes []int
	for range 3 {
		req := httptest.NewRequest(http.MethodGet, "/svc/orders/1", nil)
		req.RemoteAddr = "10.2.2.2:1000"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}

	require.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestRateLimiter_ClientsAreIndependent(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RPS: 1, Burst: 1, IdleTTL: time.Minute}, nil)
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// One client draining its bucket must not affect another.
	for _, addr := range []string{"10.3.3.3:1", "10.4.4.4:1"} {
		req := httptest.NewRequest(http.MethodGet, "/svc/orders/1", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, "client %s", addr)
	}
}

func TestRateLimiter_EvictsIdleClients(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RPS: 1, Burst: 1, IdleTTL: time.Minute}, nil)
	current := time.Now()
	rl.now = func() time.Time { return current }

	rl.allow("10.5.5.5")
	require.Len(t, rl.clients, 1)

	// An idle bucket is swept when a later request triggers housekeeping.
	current = current.Add(2 * time.Minute)
	rl.allow("10.6.6.6")

	require.Len(t, rl.clients, 1)
	require.Contains(t, rl.clients, "10.6.6.6")
}

// --- Client IP Tests ---

func TestClientIPAddress(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		want       string
	}{
		{"direct connection", "10.0.0.9:1234", "", "10.0.0.9"},
		{"xff from loopback proxy", "127.0.0.1:1234", "203.0.113.50, 70.41.3.18", "203.0.113.50"},
		{"xff from ipv6 loopback", "[::1]:1234", "203.0.113.50", "203.0.113.50"},
		{"xff from untrusted peer ignored", "10.0.0.9:1234", "203.0.113.50", "10.0.0.9"},
		{"empty remote addr", "", "", "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			require.Equal(t, tt.want, clientIPAddress(req))
		})
	}
}
