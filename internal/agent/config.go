// Package agent embeds control plane participation into a service process:
// registration with retry, adaptive heartbeats, and graceful deregistration.
package agent

import (
	"strings"
	"time"
)

// FailurePolicy selects what happens when registration retries are exhausted.
type FailurePolicy int

const (
	// ContinueAndRetry keeps the process running and retries registration in
	// the background until it succeeds.
	ContinueAndRetry FailurePolicy = iota
	// FailFast propagates the registration failure as fatal.
	FailFast
	// ContinueWithoutRegistration runs unregistered, with no heartbeats.
	ContinueWithoutRegistration
)

// ParseFailurePolicy parses a policy name (case-insensitive). Unrecognized
// names map to ContinueAndRetry, the default.
func ParseFailurePolicy(name string) FailurePolicy {
	switch strings.ToLower(name) {
	case "failfast":
		return FailFast
	case "continuewithoutregistration":
		return ContinueWithoutRegistration
	default:
		return ContinueAndRetry
	}
}

func (p FailurePolicy) String() string {
	switch p {
	case FailFast:
		return "FailFast"
	case ContinueWithoutRegistration:
		return "ContinueWithoutRegistration"
	default:
		return "ContinueAndRetry"
	}
}

// ServiceInfoProvider supplies service identity when explicit configuration
// leaves gaps. Hosts embed one to report their bound address at startup.
type ServiceInfoProvider interface {
	ServiceInfo() (name, host string, port int, err error)
}

// AdaptiveConfig holds the heartbeat controller thresholds. A level is
// recomputed every Recompute over a Window of request samples reported by the
// host via ObserveRequest.
type AdaptiveConfig struct {
	Window    time.Duration
	Recompute time.Duration

	HighRequests  int
	HighLatency   time.Duration
	HighErrorRate float64

	MediumRequests  int
	MediumLatency   time.Duration
	MediumErrorRate float64

	// IdleAfter is the minimum uptime before a silent window counts as Low.
	IdleAfter time.Duration

	HighInterval   time.Duration
	MediumInterval time.Duration
	LowInterval    time.Duration

	// FailureThreshold consecutive heartbeat failures collapse the interval
	// to FailureInterval until the next success.
	FailureThreshold int
	FailureInterval  time.Duration
}

// DefaultAdaptiveConfig returns the stock controller thresholds.
func DefaultAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		Window:           60 * time.Second,
		Recompute:        10 * time.Second,
		HighRequests:     100,
		HighLatency:      time.Second,
		HighErrorRate:    0.5,
		MediumRequests:   50,
		MediumLatency:    500 * time.Millisecond,
		MediumErrorRate:  0.2,
		IdleAfter:        5 * time.Minute,
		HighInterval:     10 * time.Second,
		MediumInterval:   20 * time.Second,
		LowInterval:      60 * time.Second,
		FailureThreshold: 3,
		FailureInterval:  5 * time.Second,
	}
}

// Config describes one agent. Start from DefaultConfig and override;
// ServiceName (or a provider able to supply it) is required.
type Config struct {
	RegistryURL string

	ServiceName    string
	Host           string
	Port           int
	Version        string
	Metadata       map[string]string
	HealthCheckURL string

	// Weight is the relative load-balancing weight; values <= 0 leave the
	// registry default in place.
	Weight int

	// HeartbeatInterval is the base cadence the adaptive controller modulates.
	HeartbeatInterval time.Duration

	AutoRegister          bool
	RegisterRetryCount    int // 0 means unbounded
	RegisterRetryInterval time.Duration
	FailurePolicy         FailurePolicy

	// EnableDefaultHealthCheck advertises HealthCheckPath as the probe target
	// when no explicit HealthCheckURL is set; the host mounts HealthHandler
	// there.
	EnableDefaultHealthCheck bool
	HealthCheckPath          string

	// Provider fills identity gaps before platform introspection is tried.
	Provider ServiceInfoProvider

	Adaptive AdaptiveConfig
}

// DefaultConfig returns the stock agent configuration.
func DefaultConfig() Config {
	return Config{
		RegistryURL:           "http://localhost:5000",
		HeartbeatInterval:     30 * time.Second,
		AutoRegister:          true,
		RegisterRetryCount:    3,
		RegisterRetryInterval: 5 * time.Second,
		FailurePolicy:         ContinueAndRetry,
		HealthCheckPath:       "/health",
		Adaptive:              DefaultAdaptiveConfig(),
	}
}

// withDefaults fills unset fields so a hand-built Config behaves like one
// derived from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.RegistryURL == "" {
		c.RegistryURL = def.RegistryURL
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.RegisterRetryInterval <= 0 {
		c.RegisterRetryInterval = def.RegisterRetryInterval
	}
	if c.HealthCheckPath == "" {
		c.HealthCheckPath = def.HealthCheckPath
	}
	if c.Adaptive.Window <= 0 {
		c.Adaptive = def.Adaptive
	}
	return c
}
