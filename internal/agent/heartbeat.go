package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/weftmesh/weftmesh/internal/mesh"
)

// --- Load monitoring ---

// loadLevel is the controller's classification of recent traffic.
type loadLevel int

const (
	levelNormal loadLevel = iota
	levelHigh
	levelMedium
	levelLow
)

func (l loadLevel) String() string {
	switch l {
	case levelHigh:
		return "high"
	case levelMedium:
		return "medium"
	case levelLow:
		return "low"
	default:
		return "normal"
	}
}

type sample struct {
	at       time.Time
	duration time.Duration
	failed   bool
}

// loadMonitor keeps a sliding window of request outcomes reported by the
// host process.
type loadMonitor struct {
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	samples []sample
}

func newLoadMonitor(window time.Duration, now func() time.Time) *loadMonitor {
	return &loadMonitor{window: window, now: now}
}

// Record appends one request outcome to the window.
func (m *loadMonitor) Record(duration time.Duration, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.prune(now)
	m.samples = append(m.samples, sample{at: now, duration: duration, failed: !success})
}

// stats returns the request count, average latency, and error rate over the
// current window.
func (m *loadMonitor) stats() (count int, avgLatency time.Duration, errorRate float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune(m.now())

	count = len(m.samples)
	if count == 0 {
		return 0, 0, 0
	}
	var total time.Duration
	failed := 0
	for _, s := range m.samples {
		total += s.duration
		if s.failed {
			failed++
		}
	}
	return count, total / time.Duration(count), float64(failed) / float64(count)
}

// prune drops samples older than the window. Callers hold mu.
func (m *loadMonitor) prune(now time.Time) {
	cutoff := now.Add(-m.window)
	i := 0
	for i < len(m.samples) && m.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.samples = append(m.samples[:0], m.samples[i:]...)
	}
}

// --- Adaptive cadence ---

// computeLevel classifies the current window. High and Medium trip on any one
// of their request-count, latency, or error-rate thresholds; Low requires a
// silent window after the idle warmup.
func (a *Agent) computeLevel() loadLevel {
	cfg := a.config.Adaptive
	count, avgLatency, errorRate := a.monitor.stats()

	a.mu.Lock()
	uptime := a.now().Sub(a.started)
	a.mu.Unlock()

	switch {
	case count > cfg.HighRequests || avgLatency > cfg.HighLatency || errorRate > cfg.HighErrorRate:
		return levelHigh
	case count > cfg.MediumRequests || avgLatency > cfg.MediumLatency || errorRate > cfg.MediumErrorRate:
		return levelMedium
	case count == 0 && uptime > cfg.IdleAfter:
		return levelLow
	default:
		return levelNormal
	}
}

// currentInterval returns the next heartbeat delay. The consecutive-failure
// override wins over the load level so a flapping registry link is probed
// aggressively until it recovers.
func (a *Agent) currentInterval() time.Duration {
	cfg := a.config.Adaptive
	a.mu.Lock()
	failures := a.failures
	level := a.level
	a.mu.Unlock()

	if failures >= cfg.FailureThreshold {
		return cfg.FailureInterval
	}
	switch level {
	case levelHigh:
		return cfg.HighInterval
	case levelMedium:
		return cfg.MediumInterval
	case levelLow:
		return cfg.LowInterval
	default:
		return a.config.HeartbeatInterval
	}
}

// runHeartbeats drives the heartbeat loop until ctx is cancelled. A side
// controller re-evaluates the load level and wakes the loop early on a level
// change, so a traffic spike tightens the cadence immediately instead of
// after the current timer expires.
func (a *Agent) runHeartbeats(ctx context.Context) {
	go a.runController(ctx)

	timer := time.NewTimer(a.currentInterval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.reschedule:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(a.currentInterval())
		case <-timer.C:
			a.sendHeartbeat(ctx)
			timer.Reset(a.currentInterval())
		}
	}
}

// runController recomputes the load level on a fixed tick.
func (a *Agent) runController(ctx context.Context) {
	ticker := time.NewTicker(a.config.Adaptive.Recompute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			level := a.computeLevel()
			a.mu.Lock()
			changed := level != a.level
			a.level = level
			a.mu.Unlock()
			if changed {
				a.logger.Info("heartbeat cadence changed",
					"level", level.String(),
					"interval", a.currentInterval())
				a.wake()
			}
		}
	}
}

// sendHeartbeat performs one heartbeat. A NotFound answer means the registry
// lost the record, typically a restart or an eviction, so the agent
// re-registers instead of beating a ghost.
func (a *Agent) sendHeartbeat(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	hbCtx, cancel := context.WithTimeout(ctx, heartbeatTimeout)
	err := a.client.Heartbeat(hbCtx, a.instanceID, a.id.serviceName)
	cancel()
	if err == nil {
		a.mu.Lock()
		a.failures = 0
		a.registered = true
		a.mu.Unlock()
		return
	}

	if errors.Is(err, mesh.ErrNotFound) {
		a.logger.Warn("instance unknown to registry, re-registering",
			"instance_id", a.instanceID)
		a.mu.Lock()
		a.registered = false
		a.mu.Unlock()
		if regErr := a.registerOnce(ctx); regErr != nil {
			a.logger.Warn("re-registration failed", "error", regErr)
			a.recordFailure()
		}
		return
	}

	a.recordFailure()
	a.logger.Warn("heartbeat failed", "instance_id", a.instanceID, "error", err)
}

func (a *Agent) recordFailure() {
	a.mu.Lock()
	a.failures++
	failures := a.failures
	a.mu.Unlock()
	if failures == a.config.Adaptive.FailureThreshold {
		// Crossing into degraded cadence; apply it now.
		a.wake()
	}
}

// wake nudges the heartbeat loop to re-read its interval.
func (a *Agent) wake() {
	select {
	case a.reschedule <- struct{}{}:
	default:
	}
}
