package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/weftmesh/weftmesh/internal/balancer"
	"github.com/weftmesh/weftmesh/internal/discovery"
	"github.com/weftmesh/weftmesh/internal/mesh"
	"github.com/weftmesh/weftmesh/internal/tracing"
)

// Proxy is the reverse proxy handler. Every request resolves its destination
// against the local discovery cache, passes the per-destination circuit
// breaker, and is streamed upstream and back without buffering.
type Proxy struct {
	cache    *discovery.Cache
	config   Config
	tracer   *tracing.Tracer
	metrics  *Metrics
	logger   *slog.Logger
	inflight *balancer.InFlight
	breakers *breakerSet

	transport      http.RoundTripper
	largeTransport http.RoundTripper
}

// NewProxy creates a reverse proxy backed by the given discovery cache.
// tracer and metrics may be nil.
func NewProxy(cache *discovery.Cache, config Config, tracer *tracing.Tracer, metrics *Metrics, logger *slog.Logger) *Proxy {
	p := &Proxy{
		cache:          cache,
		config:         config,
		tracer:         tracer,
		metrics:        metrics,
		logger:         logger,
		inflight:       cache.Balancer().InFlight(),
		transport:      newTransport(),
		largeTransport: newLargeTransport(),
	}
	p.breakers = newBreakerSet(config.MaxBreakers, config.Breaker, func(dest string, from, to BreakerState) {
		logger.Warn("circuit breaker state changed",
			"destination", dest,
			"from", from.String(),
			"to", to.String())
		if metrics != nil {
			metrics.breakerTransitions.WithLabelValues(to.String()).Inc()
		}
	})
	return p
}

// Breakers exposes per-destination breaker states for the admin surface.
func (p *Proxy) Breakers() map[string]string {
	return p.breakers.snapshot()
}

// copyBufPool recycles the 64 KiB buffers used for body streaming.
var copyBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 64<<10)
		return &b
	},
}

// ServeHTTP routes one request to a backend instance.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	serviceName, remainder, ok := splitServicePath(p.config.Prefixes, r.URL.Path)
	if !ok {
		p.writeError(w, http.StatusNotFound, mesh.ErrKindNotFound, "no service route in path", "")
		return
	}

	start := time.Now()
	status := 0
	defer func() {
		if p.metrics != nil && status != 0 {
			p.metrics.requests.WithLabelValues(serviceName, strconv.Itoa(status)).Inc()
			p.metrics.duration.WithLabelValues(serviceName).Observe(time.Since(start).Seconds())
		}
	}()

	rec, cb, blocked := p.selectDestination(serviceName)
	if rec == nil {
		status = http.StatusServiceUnavailable
		if blocked {
			p.writeError(w, status, mesh.ErrKindCircuitOpen,
				"all destinations have open circuits", serviceName)
		} else {
			p.writeError(w, status, mesh.ErrKindTransient,
				"no healthy instances for service", serviceName)
		}
		return
	}

	p.inflight.Acquire(rec.InstanceID)
	defer p.inflight.Release(rec.InstanceID)

	timeout := p.config.Timeout
	transport := p.transport
	if r.ContentLength > p.config.LargeThreshold {
		timeout = p.config.LargeTimeout
		transport = p.largeTransport
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	if p.tracer != nil {
		var span *tracing.Span
		ctx, span = p.tracer.StartSpan(ctx, "proxy "+serviceName)
		span.SetAttribute("destination", rec.Addr())
		defer span.End()
	}

	outReq := p.buildUpstreamRequest(ctx, r, rec, remainder)

	resp, err := transport.RoundTrip(outReq)
	if err != nil {
		if r.Context().Err() != nil && !errors.Is(r.Context().Err(), context.DeadlineExceeded) {
			// Client went away; nobody is listening for an error body and the
			// destination did not necessarily fail.
			p.logger.Debug("client disconnected mid-request",
				"service", serviceName, "destination", rec.Addr())
			status = 499 // client closed request
			return
		}

		cb.RecordFailure()
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
			p.logger.Warn("upstream deadline exceeded",
				"service", serviceName,
				"destination", rec.Addr(),
				"timeout", timeout)
			p.writeError(w, status, mesh.ErrKindTimeout, "upstream deadline exceeded", serviceName)
			return
		}
		status = http.StatusBadGateway
		p.logger.Warn("upstream request failed",
			"service", serviceName,
			"destination", rec.Addr(),
			"error", err)
		p.writeError(w, status, mesh.ErrKindTransient, "upstream request failed", serviceName)
		return
	}
	defer resp.Body.Close()

	// Any non-2xx answer counts toward the breaker but is still forwarded
	// verbatim; the proxy is transparent above the routing layer.
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		cb.RecordSuccess()
	} else {
		cb.RecordFailure()
	}

	status = resp.StatusCode
	p.streamResponse(w, r, resp, serviceName)
}

// selectDestination picks a healthy instance whose circuit admits the call.
// A destination with an open breaker is excluded and the balancer re-picks
// among the rest, so one failing instance does not take its siblings'
// traffic down with it. blocked reports whether any candidate was rejected
// by its breaker; a true Allow outcome is consumed here, making the returned
// request the half-open probe when the breaker is recovering.
func (p *Proxy) selectDestination(serviceName string) (rec *mesh.InstanceRecord, cb *CircuitBreaker, blocked bool) {
	candidates := p.cache.Discover(serviceName, "", true)
	lb := p.cache.Balancer()
	key := strings.ToLower(serviceName)

	for len(candidates) > 0 {
		pick := lb.Pick(key, candidates)
		if pick == nil {
			break
		}
		c := p.breakers.get(pick.InstanceID)
		if c.Allow() {
			return pick, c, blocked
		}
		blocked = true

		filtered := make([]mesh.InstanceRecord, 0, len(candidates)-1)
		for _, cand := range candidates {
			if cand.InstanceID != pick.InstanceID {
				filtered = append(filtered, cand)
			}
		}
		candidates = filtered
	}
	return nil, nil, blocked
}

// buildUpstreamRequest clones r toward the chosen instance: path remainder
// and query carried verbatim, hop-by-hop headers stripped, trace context
// injected.
func (p *Proxy) buildUpstreamRequest(ctx context.Context, r *http.Request, rec *mesh.InstanceRecord, remainder string) *http.Request {
	scheme := "http"
	if s, ok := rec.Metadata["scheme"]; ok && s != "" {
		scheme = s
	}

	outReq := r.Clone(ctx)
	outReq.URL.Scheme = scheme
	outReq.URL.Host = rec.Addr()
	outReq.URL.Path = remainder
	outReq.URL.RawQuery = r.URL.RawQuery
	outReq.Host = rec.Addr()
	outReq.RequestURI = ""

	stripHopByHop(outReq.Header)
	if p.tracer != nil {
		p.tracer.Inject(ctx, outReq.Header)
	}
	return outReq
}

// streamResponse relays the upstream response headers-first, then copies the
// body through a fixed buffer, flushing after every chunk so long-lived
// streams reach the client as they are produced.
func (p *Proxy) streamResponse(w http.ResponseWriter, r *http.Request, resp *http.Response, serviceName string) {
	header := w.Header()
	for k, vv := range resp.Header {
		if isHopByHop(k, resp.Header) {
			continue
		}
		for _, v := range vv {
			header.Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	bufp := copyBufPool.Get().(*[]byte)
	defer copyBufPool.Put(bufp)

	var dst io.Writer = w
	if flusher != nil {
		dst = &flushWriter{w: w, f: flusher}
	}
	if _, err := io.CopyBuffer(dst, resp.Body, *bufp); err != nil {
		// Headers are committed; all we can do is drop the connection.
		p.logger.Debug("response stream aborted",
			"service", serviceName,
			"error", err,
			"client_gone", r.Context().Err() != nil)
	}
}

func (p *Proxy) writeError(w http.ResponseWriter, status int, kind, message, service string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(mesh.ErrorBody{Error: kind, Message: message, Service: service}); err != nil {
		p.logger.Debug("failed to write error body", "error", err)
	}
}

// flushWriter flushes after every write so streamed bodies are not held back
// by response buffering.
type flushWriter struct {
	w io.Writer
	f http.Flusher
}

func (fw *flushWriter) Write(b []byte) (int, error) {
	n, err := fw.w.Write(b)
	if n > 0 {
		fw.f.Flush()
	}
	return n, err
}

// --- Path extraction ---

// splitServicePath parses "/{prefix}/{serviceName}/{remainder}". The prefix
// must be one of the configured values, matched case-insensitively.
func splitServicePath(prefixes []string, path string) (serviceName, remainder string, ok bool) {
	seg, rest, _ := strings.Cut(strings.TrimPrefix(path, "/"), "/")
	if seg == "" {
		return "", "", false
	}

	matched := false
	for _, p := range prefixes {
		if strings.EqualFold(seg, p) {
			matched = true
			break
		}
	}
	if !matched {
		return "", "", false
	}

	serviceName, remainder, found := strings.Cut(rest, "/")
	if serviceName == "" {
		return "", "", false
	}
	if !found {
		return serviceName, "/", true
	}
	return serviceName, "/" + remainder, true
}

// --- Hop-by-hop headers ---

// hopByHopHeaders are connection-scoped per RFC 7230 §6.1 and must not be
// forwarded in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// stripHopByHop removes hop-by-hop headers, including any additional headers
// the Connection header nominates.
func stripHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// isHopByHop reports whether name must be dropped when copying from h.
func isHopByHop(name string, h http.Header) bool {
	for _, known := range hopByHopHeaders {
		if strings.EqualFold(name, known) {
			return true
		}
	}
	for _, v := range h.Values("Connection") {
		for _, nominated := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(nominated), name) {
				return true
			}
		}
	}
	return false
}
