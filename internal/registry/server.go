// Package registry serves the control plane HTTP API: registration,
// heartbeats, discovery reads, the incremental change feed, and the
// websocket push endpoint.
package registry

import (
	"bufio"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/weftmesh/weftmesh/internal/feed"
	"github.com/weftmesh/weftmesh/internal/mesh"
	"github.com/weftmesh/weftmesh/internal/store"
	"github.com/weftmesh/weftmesh/internal/tracing"
)

// Server wires the instance store and the push hub behind the JSON API.
type Server struct {
	store    store.Store
	hub      *feed.Hub
	tracer   *tracing.Tracer
	metrics  *Metrics
	logger   *slog.Logger
	validate *validator.Validate

	now func() time.Time // for testing
}

// NewServer creates the API server. metrics may be nil; tracer may be nil to
// disable trace extraction.
func NewServer(st store.Store, hub *feed.Hub, tracer *tracing.Tracer, metrics *Metrics, logger *slog.Logger) *Server {
	return &Server{
		store:    st,
		hub:      hub,
		tracer:   tracer,
		metrics:  metrics,
		logger:   logger,
		validate: validator.New(),
		now:      time.Now,
	}
}

// Routes returns the full router, request logging included.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()

	api := r.PathPrefix("/api/registry").Subrouter()
	api.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/deregister/{instanceId}", s.handleDeregister).Methods(http.MethodPost)
	api.HandleFunc("/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	api.HandleFunc("/discover/{serviceName}", s.handleDiscover).Methods(http.MethodGet)
	api.HandleFunc("/instance/{serviceName}", s.handlePick).Methods(http.MethodGet)
	api.HandleFunc("/services", s.handleServices).Methods(http.MethodGet)
	api.HandleFunc("/instances", s.handleInstances).Methods(http.MethodGet)
	api.HandleFunc("/changes", s.handleChanges).Methods(http.MethodGet)

	r.HandleFunc("/ws/registry", s.handleSubscribe)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	return s.requestLogging(r)
}

// --- Write endpoints ---

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req mesh.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, mesh.RegisterResponse{
			Success: false,
			Message: "invalid JSON body",
		})
		return
	}

	if err := s.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, mesh.RegisterResponse{
			Success: false,
			Message: "validation failed: " + err.Error(),
		})
		return
	}

	instanceID := req.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	now := s.now().UTC()
	rec := mesh.InstanceRecord{
		InstanceID:     instanceID,
		ServiceName:    req.ServiceName,
		Host:           req.Host,
		Port:           req.Port,
		VersionTag:     req.Version,
		Metadata:       req.Metadata,
		HealthCheckURL: req.HealthCheckURL,
		Weight:         req.EffectiveWeight(),
		RegisteredAt:   now,
		LastHeartbeat:  now,
		Status:         mesh.StatusHealthy,
	}
	if rec.Metadata == nil {
		rec.Metadata = map[string]string{}
	}

	version, err := s.store.Upsert(r.Context(), rec)
	if err != nil {
		if errors.Is(err, mesh.ErrServiceBindingChanged) {
			writeJSON(w, http.StatusBadRequest, mesh.RegisterResponse{
				Success:    false,
				InstanceID: instanceID,
				Message:    "instance id is already bound to a different service",
			})
			return
		}
		s.logger.Error("registration failed", "instance_id", instanceID, "service", req.ServiceName, "error", err)
		writeJSON(w, http.StatusInternalServerError, mesh.RegisterResponse{
			Success:    false,
			InstanceID: instanceID,
			Message:    "registration failed",
		})
		return
	}

	if s.metrics != nil {
		s.metrics.registrations.Inc()
	}
	s.logger.Info("service registered",
		"instance_id", instanceID,
		"service", req.ServiceName,
		"host", req.Host,
		"port", req.Port,
		"weight", rec.Weight,
		"registry_version", version,
	)

	writeJSON(w, http.StatusOK, mesh.RegisterResponse{
		Success:    true,
		InstanceID: instanceID,
	})
}

func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	instanceID := mux.Vars(r)["instanceId"]

	found, version, err := s.store.Remove(r.Context(), instanceID)
	if err != nil {
		s.logger.Error("deregistration failed", "instance_id", instanceID, "error", err)
		writeJSON(w, http.StatusInternalServerError, mesh.DeregisterResponse{
			Success: false,
			Message: "deregistration failed",
		})
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, mesh.DeregisterResponse{
			Success: false,
			Message: "instance not found",
		})
		return
	}

	if s.metrics != nil {
		s.metrics.deregistrations.Inc()
	}
	s.logger.Info("service deregistered", "instance_id", instanceID, "registry_version", version)
	writeJSON(w, http.StatusOK, mesh.DeregisterResponse{
		Success: true,
		Message: "deregistered",
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req mesh.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, mesh.HeartbeatResponse{Success: false})
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, mesh.HeartbeatResponse{Success: false})
		return
	}

	// The binding check keeps one service from refreshing another's record.
	rec, err := s.store.Get(r.Context(), req.InstanceID)
	if err != nil {
		s.logger.Error("heartbeat lookup failed", "instance_id", req.InstanceID, "error", err)
		writeJSON(w, http.StatusInternalServerError, mesh.HeartbeatResponse{Success: false})
		return
	}
	if rec == nil || rec.ServiceName != req.ServiceName {
		writeJSON(w, http.StatusNotFound, mesh.HeartbeatResponse{Success: false})
		return
	}

	found, err := s.store.Touch(r.Context(), req.InstanceID)
	if err != nil {
		s.logger.Error("heartbeat failed", "instance_id", req.InstanceID, "error", err)
		writeJSON(w, http.StatusInternalServerError, mesh.HeartbeatResponse{Success: false})
		return
	}
	if !found {
		// Deregistered between the lookup and the touch.
		writeJSON(w, http.StatusNotFound, mesh.HeartbeatResponse{Success: false})
		return
	}

	if s.metrics != nil {
		s.metrics.heartbeats.Inc()
	}
	writeJSON(w, http.StatusOK, mesh.HeartbeatResponse{Success: true})
}

// --- Read endpoints ---

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	serviceName := mux.Vars(r)["serviceName"]
	versionTag := r.URL.Query().Get("version")
	healthyOnly := false
	if v := r.URL.Query().Get("healthyOnly"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, mesh.ErrorBody{
				Error:   mesh.ErrKindValidation,
				Message: "healthyOnly must be a boolean",
				Service: serviceName,
			})
			return
		}
		healthyOnly = parsed
	}

	instances, err := s.store.ListByService(r.Context(), serviceName)
	if err != nil {
		s.logger.Error("discover failed", "service", serviceName, "error", err)
		writeJSON(w, http.StatusInternalServerError, mesh.ErrorBody{
			Error:   mesh.ErrKindInternal,
			Message: "listing instances failed",
			Service: serviceName,
		})
		return
	}

	filtered := filterInstances(instances, versionTag, healthyOnly)
	writeJSON(w, http.StatusOK, mesh.DiscoverResponse{
		ServiceName: serviceName,
		Instances:   filtered,
	})
}

// handlePick serves the server-side single-instance choice: a uniform pick
// over the healthy candidates. Callers with a local cache use their own
// balancer instead.
func (s *Server) handlePick(w http.ResponseWriter, r *http.Request) {
	serviceName := mux.Vars(r)["serviceName"]
	versionTag := r.URL.Query().Get("version")

	instances, err := s.store.ListByService(r.Context(), serviceName)
	if err != nil {
		s.logger.Error("instance pick failed", "service", serviceName, "error", err)
		writeJSON(w, http.StatusInternalServerError, mesh.ErrorBody{
			Error:   mesh.ErrKindInternal,
			Message: "listing instances failed",
			Service: serviceName,
		})
		return
	}

	candidates := filterInstances(instances, versionTag, true)
	if len(candidates) == 0 {
		writeJSON(w, http.StatusNotFound, mesh.ErrorBody{
			Error:   mesh.ErrKindNotFound,
			Message: "no healthy instance available",
			Service: serviceName,
		})
		return
	}

	writeJSON(w, http.StatusOK, candidates[rand.IntN(len(candidates))])
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	names, err := s.store.ListNames(r.Context())
	if err != nil {
		s.logger.Error("listing services failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, mesh.ErrorBody{
			Error:   mesh.ErrKindInternal,
			Message: "listing services failed",
		})
		return
	}
	writeJSON(w, http.StatusOK, names)
}

func (s *Server) handleInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := s.store.ListAll(r.Context())
	if err != nil {
		s.logger.Error("listing instances failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, mesh.ErrorBody{
			Error:   mesh.ErrKindInternal,
			Message: "listing instances failed",
		})
		return
	}
	writeJSON(w, http.StatusOK, instances)
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	since := int64(0)
	if v := r.URL.Query().Get("sinceVersion"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 0 {
			writeJSON(w, http.StatusBadRequest, mesh.ErrorBody{
				Error:   mesh.ErrKindValidation,
				Message: "sinceVersion must be a non-negative integer",
			})
			return
		}
		since = parsed
	}

	cs, err := s.store.ChangesSince(r.Context(), since)
	if err != nil {
		s.logger.Error("change feed read failed", "since_version", since, "error", err)
		writeJSON(w, http.StatusInternalServerError, mesh.ErrorBody{
			Error:   mesh.ErrKindInternal,
			Message: "reading changes failed",
		})
		return
	}
	writeJSON(w, http.StatusOK, cs)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	version, err := s.store.Version(r.Context())
	status := "Healthy"
	checks := map[string]string{"store": "ok"}
	code := http.StatusOK
	if err != nil {
		status = "Unhealthy"
		checks["store"] = err.Error()
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":    status,
		"service":   "registry",
		"timestamp": s.now().UTC().Format(time.RFC3339),
		"checks":    checks,
		"version":   version,
	})
}

// --- Helpers ---

func filterInstances(instances []mesh.InstanceRecord, versionTag string, healthyOnly bool) []mesh.InstanceRecord {
	out := make([]mesh.InstanceRecord, 0, len(instances))
	for _, rec := range instances {
		if versionTag != "" && rec.VersionTag != versionTag {
			continue
		}
		if healthyOnly && rec.Status != mesh.StatusHealthy {
			continue
		}
		out = append(out, rec)
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ctx := r.Context()
		if s.tracer != nil {
			ctx = s.tracer.Extract(ctx, r.Header)
			var span *tracing.Span
			ctx, span = s.tracer.StartSpan(ctx, "registry "+r.Method+" "+r.URL.Path)
			defer span.End()
		}

		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r.WithContext(ctx))

		if s.metrics != nil {
			s.metrics.requests.WithLabelValues(r.Method, strconv.Itoa(rw.status)).Inc()
		}
		s.logger.Info("request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"trace_id", tracing.TraceID(ctx),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrade pass through the logging wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
