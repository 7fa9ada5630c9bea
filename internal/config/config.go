// Package config loads configuration for the weftmesh binaries from an
// optional YAML file plus WEFTMESH_-prefixed environment variables, and
// converts the loaded sections into the per-package config types.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/weftmesh/weftmesh/internal/balancer"
	"github.com/weftmesh/weftmesh/internal/discovery"
	"github.com/weftmesh/weftmesh/internal/feed"
	"github.com/weftmesh/weftmesh/internal/gateway"
	"github.com/weftmesh/weftmesh/internal/reaper"
	"github.com/weftmesh/weftmesh/internal/store"
)

// Registry configures the control-plane server.
type Registry struct {
	// Listen is the HTTP listen address.
	Listen string `mapstructure:"listen"`
	Store  Store  `mapstructure:"store"`
	Reaper Reaper `mapstructure:"reaper"`
	Feed   Feed   `mapstructure:"feed"`
	Broker Broker `mapstructure:"broker"`
	Log    Log    `mapstructure:"log"`
}

// Store selects and configures the instance store backend.
type Store struct {
	// Backend is "memory" or "redis".
	Backend string `mapstructure:"backend"`
	// RedisURL is a redis:// connection URL, required for the redis backend.
	RedisURL string `mapstructure:"redis_url"`
	// InstanceTTL is the redis record lifetime renewed by heartbeats.
	InstanceTTL time.Duration `mapstructure:"instance_ttl"`
}

// Reaper mirrors reaper.Config.
type Reaper struct {
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	EvictionTimeout  time.Duration `mapstructure:"eviction_timeout"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	ProbeInterval    time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
}

// Feed configures the push hub.
type Feed struct {
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`
}

// Broker configures the event bridge. An empty URL disables it.
type Broker struct {
	URL string `mapstructure:"url"`
}

// Gateway configures the dynamic proxy binary.
type Gateway struct {
	// Listen is the HTTP listen address.
	Listen string `mapstructure:"listen"`
	// RegistryURL is the control-plane base URL.
	RegistryURL string `mapstructure:"registry_url"`

	Prefixes       []string      `mapstructure:"prefixes"`
	Timeout        time.Duration `mapstructure:"timeout"`
	LargeTimeout   time.Duration `mapstructure:"large_timeout"`
	LargeThreshold int64         `mapstructure:"large_threshold"`
	MaxBreakers    int           `mapstructure:"max_breakers"`
	DrainTimeout   time.Duration `mapstructure:"drain_timeout"`

	Breaker   Breaker   `mapstructure:"breaker"`
	RateLimit RateLimit `mapstructure:"rate_limit"`
	Cache     Cache     `mapstructure:"cache"`
	Log       Log       `mapstructure:"log"`
}

// Breaker mirrors gateway.BreakerConfig.
type Breaker struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	OpenDuration     time.Duration `mapstructure:"open_duration"`
	MaxOpenDuration  time.Duration `mapstructure:"max_open_duration"`
}

// RateLimit mirrors gateway.RateLimitConfig.
type RateLimit struct {
	Enabled bool          `mapstructure:"enabled"`
	RPS     float64       `mapstructure:"rps"`
	Burst   int           `mapstructure:"burst"`
	IdleTTL time.Duration `mapstructure:"idle_ttl"`
}

// Cache mirrors discovery.CacheConfig; Policy is a balancer policy name.
type Cache struct {
	SyncInterval  time.Duration `mapstructure:"sync_interval"`
	BatchInterval time.Duration `mapstructure:"batch_interval"`
	BatchKick     int           `mapstructure:"batch_kick"`
	QueueSize     int           `mapstructure:"queue_size"`
	Policy        string        `mapstructure:"policy"`
}

// --- Loading ---

// LoadRegistry reads the registry configuration. With an empty path,
// weftmesh-registry.yaml is searched for in . and /etc/weftmesh; a missing
// file just means defaults plus environment.
func LoadRegistry(path string) (Registry, error) {
	v := newViper(path, "weftmesh-registry")
	setRegistryDefaults(v)

	if err := readIn(v, path); err != nil {
		return Registry{}, err
	}

	var cfg Registry
	if err := v.Unmarshal(&cfg); err != nil {
		return Registry{}, fmt.Errorf("parse configuration: %w", err)
	}
	return cfg, nil
}

// LoadGateway reads the gateway configuration. Search behavior matches
// LoadRegistry with weftmesh-gateway.yaml.
func LoadGateway(path string) (Gateway, error) {
	v := newViper(path, "weftmesh-gateway")
	setGatewayDefaults(v)

	if err := readIn(v, path); err != nil {
		return Gateway{}, err
	}

	var cfg Gateway
	if err := v.Unmarshal(&cfg); err != nil {
		return Gateway{}, fmt.Errorf("parse configuration: %w", err)
	}
	return cfg, nil
}

func newViper(path, name string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("WEFTMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(name)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/weftmesh")
	}
	return v
}

func readIn(v *viper.Viper, path string) error {
	err := v.ReadInConfig()
	if err == nil {
		return nil
	}
	// An explicitly named file must exist; a searched-for one may not.
	var notFound viper.ConfigFileNotFoundError
	if path == "" && errors.As(err, &notFound) {
		return nil
	}
	return fmt.Errorf("read configuration: %w", err)
}

func setRegistryDefaults(v *viper.Viper) {
	rc := reaper.DefaultConfig()

	v.SetDefault("listen", ":5000")
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.redis_url", "")
	v.SetDefault("store.instance_ttl", store.DefaultInstanceTTL)
	v.SetDefault("reaper.heartbeat_timeout", rc.HeartbeatTimeout)
	v.SetDefault("reaper.eviction_timeout", rc.EvictionTimeout)
	v.SetDefault("reaper.sweep_interval", rc.SweepInterval)
	v.SetDefault("reaper.probe_interval", rc.ProbeInterval)
	v.SetDefault("reaper.probe_timeout", rc.ProbeTimeout)
	v.SetDefault("feed.subscriber_buffer", feed.DefaultSubscriberBuffer)
	v.SetDefault("broker.url", "")
	setLogDefaults(v)
}

func setGatewayDefaults(v *viper.Viper) {
	gc := gateway.DefaultConfig()
	cc := discovery.DefaultCacheConfig()

	v.SetDefault("listen", ":8080")
	v.SetDefault("registry_url", "http://localhost:5000")
	v.SetDefault("prefixes", gc.Prefixes)
	v.SetDefault("timeout", gc.Timeout)
	v.SetDefault("large_timeout", gc.LargeTimeout)
	v.SetDefault("large_threshold", gc.LargeThreshold)
	v.SetDefault("max_breakers", gc.MaxBreakers)
	v.SetDefault("drain_timeout", gc.DrainTimeout)
	v.SetDefault("breaker.failure_threshold", gc.Breaker.FailureThreshold)
	v.SetDefault("breaker.open_duration", gc.Breaker.OpenDuration)
	v.SetDefault("breaker.max_open_duration", gc.Breaker.MaxOpenDuration)
	v.SetDefault("rate_limit.enabled", gc.RateLimit.Enabled)
	v.SetDefault("rate_limit.rps", gc.RateLimit.RPS)
	v.SetDefault("rate_limit.burst", gc.RateLimit.Burst)
	v.SetDefault("rate_limit.idle_ttl", gc.RateLimit.IdleTTL)
	v.SetDefault("cache.sync_interval", cc.SyncInterval)
	v.SetDefault("cache.batch_interval", cc.BatchInterval)
	v.SetDefault("cache.batch_kick", cc.BatchKick)
	v.SetDefault("cache.queue_size", cc.QueueSize)
	v.SetDefault("cache.policy", cc.Policy.String())
	setLogDefaults(v)
}

// --- Conversions ---

// ReaperConfig converts the reaper section.
func (r Registry) ReaperConfig() reaper.Config {
	return reaper.Config{
		HeartbeatTimeout: r.Reaper.HeartbeatTimeout,
		EvictionTimeout:  r.Reaper.EvictionTimeout,
		SweepInterval:    r.Reaper.SweepInterval,
		ProbeInterval:    r.Reaper.ProbeInterval,
		ProbeTimeout:     r.Reaper.ProbeTimeout,
	}
}

// ProxyConfig converts the proxy sections.
func (g Gateway) ProxyConfig() gateway.Config {
	return gateway.Config{
		Prefixes:       g.Prefixes,
		Timeout:        g.Timeout,
		LargeTimeout:   g.LargeTimeout,
		LargeThreshold: g.LargeThreshold,
		MaxBreakers:    g.MaxBreakers,
		DrainTimeout:   g.DrainTimeout,
		Breaker: gateway.BreakerConfig{
			FailureThreshold: g.Breaker.FailureThreshold,
			OpenDuration:     g.Breaker.OpenDuration,
			MaxOpenDuration:  g.Breaker.MaxOpenDuration,
		},
		RateLimit: gateway.RateLimitConfig{
			Enabled: g.RateLimit.Enabled,
			RPS:     g.RateLimit.RPS,
			Burst:   g.RateLimit.Burst,
			IdleTTL: g.RateLimit.IdleTTL,
		},
	}
}

// CacheConfig converts the cache section.
func (g Gateway) CacheConfig() discovery.CacheConfig {
	return discovery.CacheConfig{
		SyncInterval:  g.Cache.SyncInterval,
		BatchInterval: g.Cache.BatchInterval,
		BatchKick:     g.Cache.BatchKick,
		QueueSize:     g.Cache.QueueSize,
		Policy:        balancer.ParsePolicy(g.Cache.Policy),
	}
}
