// Package reaper runs the registry's background health enforcement: demoting
// instances whose heartbeats go quiet, evicting the long dead, and actively
// probing health endpoints.
package reaper

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/weftmesh/weftmesh/internal/mesh"
	"github.com/weftmesh/weftmesh/internal/store"
)

// Config holds the reaper's two timescales and probe settings.
type Config struct {
	// HeartbeatTimeout demotes Healthy instances whose last heartbeat is
	// older than this.
	HeartbeatTimeout time.Duration
	// EvictionTimeout removes instances entirely.
	EvictionTimeout time.Duration
	// SweepInterval is how often the timeouts are checked.
	SweepInterval time.Duration
	// ProbeInterval is the active health probe cadence.
	ProbeInterval time.Duration
	// ProbeTimeout is the per-probe HTTP deadline.
	ProbeTimeout time.Duration
}

// DefaultConfig returns the stock timings.
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout: 60 * time.Second,
		EvictionTimeout:  120 * time.Second,
		SweepInterval:    10 * time.Second,
		ProbeInterval:    30 * time.Second,
		ProbeTimeout:     5 * time.Second,
	}
}

// Reaper owns the sweep and probe loops over one instance store.
type Reaper struct {
	store  store.Store
	config Config
	logger *slog.Logger
	client *http.Client

	demoted atomic.Int64
	evicted atomic.Int64

	now func() time.Time // for testing
}

// New creates a Reaper over the store.
func New(st store.Store, config Config, logger *slog.Logger) *Reaper {
	return &Reaper{
		store:  st,
		config: config,
		logger: logger,
		client: &http.Client{Timeout: config.ProbeTimeout},
		now:    time.Now,
	}
}

// Run starts the sweep and probe loops. It blocks until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	r.logger.Info("reaper starting",
		"heartbeat_timeout", r.config.HeartbeatTimeout,
		"eviction_timeout", r.config.EvictionTimeout,
		"probe_interval", r.config.ProbeInterval,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.runSweep(ctx) })
	g.Go(func() error { return r.runProbes(ctx) })
	return g.Wait()
}

// Demoted reports how many Healthy→Unhealthy transitions the reaper forced.
func (r *Reaper) Demoted() int64 { return r.demoted.Load() }

// Evicted reports how many instances the reaper removed.
func (r *Reaper) Evicted() int64 { return r.evicted.Load() }

func (r *Reaper) runSweep(ctx context.Context) error {
	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper sweep stopping")
			return nil
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// sweep applies the eviction timeout first so an instance past both
// thresholds is removed, not demoted.
func (r *Reaper) sweep(ctx context.Context) {
	now := r.now().UTC()

	expired, err := r.store.ListExpired(ctx, now.Add(-r.config.EvictionTimeout))
	if err != nil {
		r.logger.Error("listing evictable instances", "error", err)
		return
	}
	evicted := make(map[string]struct{}, len(expired))
	for _, rec := range expired {
		found, _, err := r.store.Remove(ctx, rec.InstanceID)
		if err != nil {
			r.logger.Error("evicting instance", "instance_id", rec.InstanceID, "error", err)
			continue
		}
		if found {
			evicted[rec.InstanceID] = struct{}{}
			r.evicted.Add(1)
			r.logger.Info("instance evicted",
				"instance_id", rec.InstanceID,
				"service", rec.ServiceName,
				"last_heartbeat", rec.LastHeartbeat,
			)
		}
	}

	stale, err := r.store.ListExpired(ctx, now.Add(-r.config.HeartbeatTimeout))
	if err != nil {
		r.logger.Error("listing stale instances", "error", err)
		return
	}
	for _, rec := range stale {
		if _, gone := evicted[rec.InstanceID]; gone {
			continue
		}
		if rec.Status != mesh.StatusHealthy {
			continue
		}
		found, err := r.store.SetStatus(ctx, rec.InstanceID, mesh.StatusUnhealthy)
		if err != nil {
			r.logger.Error("demoting instance", "instance_id", rec.InstanceID, "error", err)
			continue
		}
		if found {
			r.demoted.Add(1)
			r.logger.Info("instance demoted after missed heartbeats",
				"instance_id", rec.InstanceID,
				"service", rec.ServiceName,
				"last_heartbeat", rec.LastHeartbeat,
			)
		}
	}
}

func (r *Reaper) runProbes(ctx context.Context) error {
	ticker := time.NewTicker(r.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper probes stopping")
			return nil
		case <-ticker.C:
			r.probeAll(ctx)
		}
	}
}

// probeAll fans out one HTTP probe per instance so one slow backend cannot
// delay the rest of the cycle.
func (r *Reaper) probeAll(ctx context.Context) {
	instances, err := r.store.ListAll(ctx)
	if err != nil {
		r.logger.Error("listing instances for probing", "error", err)
		return
	}

	var wg sync.WaitGroup
	for _, rec := range instances {
		wg.Add(1)
		go func(rec mesh.InstanceRecord) {
			defer wg.Done()
			r.probeInstance(ctx, rec)
		}(rec)
	}
	wg.Wait()
}

func (r *Reaper) probeInstance(ctx context.Context, rec mesh.InstanceRecord) {
	ctx, cancel := context.WithTimeout(ctx, r.config.ProbeTimeout)
	defer cancel()

	ok := r.probe(ctx, rec.ProbeURL())
	if ok {
		// A live endpoint counts as a heartbeat.
		if _, err := r.store.Touch(ctx, rec.InstanceID); err != nil {
			r.logger.Error("recording probe success", "instance_id", rec.InstanceID, "error", err)
		}
		return
	}

	if rec.Status != mesh.StatusHealthy {
		return
	}
	if _, err := r.store.SetStatus(ctx, rec.InstanceID, mesh.StatusUnhealthy); err != nil {
		r.logger.Error("recording probe failure", "instance_id", rec.InstanceID, "error", err)
		return
	}
	r.demoted.Add(1)
	r.logger.Warn("probe failed",
		"instance_id", rec.InstanceID,
		"service", rec.ServiceName,
		"url", rec.ProbeURL(),
	)
}

func (r *Reaper) probe(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
