// Package gateway implements the dynamic reverse proxy: per-request service
// resolution against the local discovery cache, load balancing, circuit
// breaking per destination, and transparent streaming of request and response
// bodies.
package gateway

import "time"

// Config holds the proxy runtime configuration.
type Config struct {
	// Prefixes are the recognized first path segments, matched
	// case-insensitively; the second segment names the target service.
	Prefixes []string

	// Timeout is the per-call upstream deadline. Requests whose declared
	// body size exceeds LargeThreshold get LargeTimeout instead and ride the
	// large-transfer connection pool.
	Timeout        time.Duration
	LargeTimeout   time.Duration
	LargeThreshold int64

	// MaxBreakers bounds the per-destination breaker map so instance churn
	// cannot grow it forever.
	MaxBreakers int

	Breaker   BreakerConfig
	RateLimit RateLimitConfig

	// DrainTimeout is how long in-flight requests may finish on shutdown
	// before the listener is force-closed.
	DrainTimeout time.Duration
}

// BreakerConfig controls the per-destination circuit breakers.
type BreakerConfig struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int
	// OpenDuration is the initial open period; every probe failure doubles
	// it up to MaxOpenDuration, and a probe success resets it.
	OpenDuration    time.Duration
	MaxOpenDuration time.Duration
}

// RateLimitConfig controls the per-client token bucket.
type RateLimitConfig struct {
	Enabled bool
	// RPS is the sustained refill rate per client IP; Burst the bucket size.
	RPS   float64
	Burst int
	// IdleTTL is how long an idle client keeps its bucket before eviction.
	IdleTTL time.Duration
}

// DefaultConfig returns the stock gateway configuration.
func DefaultConfig() Config {
	return Config{
		Prefixes:       []string{"svc", "api", "gateway"},
		Timeout:        10 * time.Second,
		LargeTimeout:   30 * time.Minute,
		LargeThreshold: 10 << 20,
		MaxBreakers:    1024,
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			OpenDuration:     30 * time.Second,
			MaxOpenDuration:  5 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			RPS:     100,
			Burst:   200,
			IdleTTL: 3 * time.Minute,
		},
		DrainTimeout: 30 * time.Second,
	}
}
