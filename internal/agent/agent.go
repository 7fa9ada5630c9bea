package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weftmesh/weftmesh/internal/discovery"
	"github.com/weftmesh/weftmesh/internal/mesh"
	"github.com/weftmesh/weftmesh/internal/tracing"
)

const (
	registerTimeout  = 10 * time.Second
	heartbeatTimeout = 5 * time.Second
	// shutdownTimeout bounds the final heartbeat and the deregister call so a
	// dead registry cannot stall process exit.
	shutdownTimeout = 2 * time.Second
)

// Agent registers the surrounding process with the registry and keeps the
// registration alive with adaptive heartbeats. Construction resolves identity
// and validates configuration; all network activity happens in Run.
type Agent struct {
	config  Config
	id      identity
	client  *discovery.Client
	logger  *slog.Logger
	monitor *loadMonitor

	// instanceID is generated up front so registration retries after an
	// indeterminate failure upsert the same record instead of minting twins.
	instanceID string

	mu         sync.Mutex
	registered bool
	failures   int
	level      loadLevel
	started    time.Time

	// reschedule wakes the heartbeat loop when the controller changes level.
	reschedule chan struct{}

	now func() time.Time
}

// New builds an agent from config. Identity gaps are filled from the provider
// and platform introspection; an unresolvable identity is a configuration
// error regardless of the failure policy.
func New(config Config, tracer *tracing.Tracer, logger *slog.Logger) (*Agent, error) {
	config = config.withDefaults()
	id, err := resolveIdentity(config)
	if err != nil {
		return nil, fmt.Errorf("resolve identity: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "agent", "service", id.serviceName)

	a := &Agent{
		config:     config,
		id:         id,
		client:     discovery.NewClient(config.RegistryURL, tracer, logger),
		logger:     logger,
		instanceID: uuid.NewString(),
		level:      levelNormal,
		reschedule: make(chan struct{}, 1),
		now:        time.Now,
	}
	a.monitor = newLoadMonitor(config.Adaptive.Window, func() time.Time { return a.now() })
	return a, nil
}

// InstanceID returns the id this agent registers under.
func (a *Agent) InstanceID() string { return a.instanceID }

// ServiceName returns the resolved service name.
func (a *Agent) ServiceName() string { return a.id.serviceName }

// Registered reports whether the last registration attempt succeeded and has
// not been invalidated since.
func (a *Agent) Registered() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.registered
}

// ObserveRequest feeds one served request into the load window. Hosts call it
// from their instrumentation; the controller uses the window to pick the
// heartbeat cadence.
func (a *Agent) ObserveRequest(duration time.Duration, success bool) {
	a.monitor.Record(duration, success)
}

// Run registers per the configured failure policy, then drives heartbeats
// until ctx is cancelled. On the way out it sends a final heartbeat and
// deregisters, each under a short deadline.
func (a *Agent) Run(ctx context.Context) error {
	a.mu.Lock()
	a.started = a.now()
	a.mu.Unlock()

	if a.config.AutoRegister {
		if err := a.registerWithRetry(ctx, a.config.RegisterRetryCount); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !isRetryable(err) || a.config.FailurePolicy == FailFast {
				return fmt.Errorf("register %s: %w", a.id.serviceName, err)
			}
			if a.config.FailurePolicy == ContinueWithoutRegistration {
				a.logger.Warn("running without registration", "error", err)
				<-ctx.Done()
				return nil
			}
			// ContinueAndRetry: keep trying unbounded while the host serves.
			a.logger.Warn("registration retries exhausted, continuing in background", "error", err)
			if err := a.registerWithRetry(ctx, 0); err != nil {
				return nil // only reachable via ctx cancellation
			}
		}
	} else {
		// Nothing to keep alive until the host registers explicitly; a
		// successful Register wakes this wait.
		for !a.Registered() {
			select {
			case <-ctx.Done():
				return nil
			case <-a.reschedule:
			}
		}
	}

	a.runHeartbeats(ctx)
	a.shutdown()
	return nil
}

// Register performs a single registration attempt. Hosts with AutoRegister
// off call it when they are ready to receive traffic.
func (a *Agent) Register(ctx context.Context) error {
	return a.registerOnce(ctx)
}

func (a *Agent) registerWithRetry(ctx context.Context, attempts int) error {
	for attempt := 1; ; attempt++ {
		err := a.registerOnce(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !isRetryable(err) {
			return err
		}
		if attempts > 0 && attempt >= attempts {
			return err
		}
		a.logger.Warn("registration attempt failed",
			"attempt", attempt,
			"retry_in", a.config.RegisterRetryInterval,
			"error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.config.RegisterRetryInterval):
		}
	}
}

func (a *Agent) registerOnce(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()

	req := mesh.RegisterRequest{
		InstanceID:     a.instanceID,
		ServiceName:    a.id.serviceName,
		Host:           a.id.host,
		Port:           a.id.port,
		Version:        a.config.Version,
		Metadata:       a.config.Metadata,
		HealthCheckURL: a.healthCheckURL(),
	}
	if a.config.Weight > 0 {
		w := a.config.Weight
		req.Weight = &w
	}

	assigned, err := a.client.Register(ctx, req)
	if err != nil {
		return err
	}
	if assigned != "" && assigned != a.instanceID {
		// The registry is authoritative on ids; follow it for heartbeats.
		a.instanceID = assigned
	}

	a.mu.Lock()
	a.registered = true
	a.failures = 0
	a.mu.Unlock()
	a.wake()

	a.logger.Info("registered with registry",
		"instance_id", a.instanceID,
		"host", a.id.host,
		"port", a.id.port)
	return nil
}

// healthCheckURL returns the probe URL to advertise: the explicit one, or the
// default handler's address when that is enabled.
func (a *Agent) healthCheckURL() string {
	if a.config.HealthCheckURL != "" {
		return a.config.HealthCheckURL
	}
	if !a.config.EnableDefaultHealthCheck {
		return ""
	}
	return "http://" + a.id.host + ":" + strconv.Itoa(a.id.port) + a.config.HealthCheckPath
}

// isRetryable reports whether a registration error is worth retrying. 4xx
// rejections are configuration mistakes and repeat identically; transport
// errors and 5xx are transient.
func isRetryable(err error) bool {
	var se *discovery.StatusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	return true
}

// shutdown runs after ctx cancellation, so it uses fresh short-deadline
// contexts. A last heartbeat keeps the record warm in case deregistration is
// lost, then the instance is removed.
func (a *Agent) shutdown() {
	if !a.Registered() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	if err := a.client.Heartbeat(ctx, a.instanceID, a.id.serviceName); err != nil {
		a.logger.Debug("final heartbeat failed", "error", err)
	}
	cancel()

	ctx, cancel = context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.client.Deregister(ctx, a.instanceID); err != nil {
		a.logger.Warn("deregistration failed", "instance_id", a.instanceID, "error", err)
		return
	}

	a.mu.Lock()
	a.registered = false
	a.mu.Unlock()
	a.logger.Info("deregistered from registry", "instance_id", a.instanceID)
}

// HealthHandler returns the default health endpoint. Hosts that enable the
// default health check mount it at Config.HealthCheckPath.
func (a *Agent) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{
			"status":    "Healthy",
			"service":   a.id.serviceName,
			"timestamp": a.now().UTC().Format(time.RFC3339),
			"checks": map[string]string{
				"registered": strconv.FormatBool(a.Registered()),
			},
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(body); err != nil {
			a.logger.Error("failed to write health response", "error", err)
		}
	})
}
