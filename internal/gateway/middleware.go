package gateway

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/weftmesh/weftmesh/internal/tracing"
)

// --- Request Logging Middleware ---

// RequestLogging wraps a handler with structured request/response logging and
// trace context handling: an inbound traceparent is continued, otherwise a
// fresh trace is started. tracer may be nil.
func RequestLogging(tracer *tracing.Tracer, logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		clientIP := clientIPAddress(r)

		ctx := r.Context()
		if tracer != nil {
			ctx = tracer.Extract(ctx, r.Header)
			var span *tracing.Span
			ctx, span = tracer.StartSpan(ctx, "gateway "+r.Method)
			defer span.End()
			r = r.WithContext(ctx)
		}
		traceID := tracing.TraceID(ctx)

		logger.Info("incoming request",
			"method", r.Method,
			"path", r.URL.Path,
			"client_ip", clientIP,
			"trace_id", traceID,
		)

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		logger.Info("outgoing response",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"trace_id", traceID,
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush keeps the proxy's headers-first streaming working through the wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack is needed for websocket passthrough on the admin surface.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, errors.New("response writer does not support hijacking")
}

// --- Rate Limiting Middleware ---

// RateLimiter applies a per-client-IP token bucket. Buckets refill at the
// configured rate and idle clients are evicted so the map stays bounded.
type RateLimiter struct {
	rps     rate.Limit
	burst   int
	idleTTL time.Duration
	metrics *Metrics

	mu        sync.Mutex
	clients   map[string]*clientBucket
	lastSweep time.Time

	now func() time.Time
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter from config. metrics may be nil.
func NewRateLimiter(config RateLimitConfig, metrics *Metrics) *RateLimiter {
	ttl := config.IdleTTL
	if ttl <= 0 {
		ttl = 3 * time.Minute
	}
	return &RateLimiter{
		rps:     rate.Limit(config.RPS),
		burst:   config.Burst,
		idleTTL: ttl,
		metrics: metrics,
		clients: make(map[string]*clientBucket),
		now:     time.Now,
	}
}

// Middleware returns an http.Handler that enforces the limit.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(clientIPAddress(r)) {
			if rl.metrics != nil {
				rl.metrics.rateLimited.Inc()
			}
			http.Error(w, "Too many requests. Please try again later.", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastSweep) > rl.idleTTL {
		rl.sweep(now)
	}

	b, ok := rl.clients[key]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.clients[key] = b
	}
	b.lastSeen = now
	return b.limiter.Allow()
}

// sweep drops buckets that have been idle for a full TTL. Callers hold mu.
func (rl *RateLimiter) sweep(now time.Time) {
	for key, b := range rl.clients {
		if now.Sub(b.lastSeen) > rl.idleTTL {
			delete(rl.clients, key)
		}
	}
	rl.lastSweep = now
}

// --- Helpers ---

// clientIPAddress extracts the client IP, respecting X-Forwarded-For from
// trusted proxies.
func clientIPAddress(r *http.Request) string {
	remoteHost, _, _ := net.SplitHostPort(r.RemoteAddr)
	remoteIP := net.ParseIP(remoteHost)

	// Only trust X-Forwarded-For from loopback (trusted proxy).
	if remoteIP != nil && remoteIP.IsLoopback() {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.SplitN(xff, ",", 2)
			clientIP := strings.TrimSpace(parts[0])
			if clientIP != "" {
				return clientIP
			}
		}
	}

	if remoteHost != "" {
		return remoteHost
	}
	return "unknown"
}
