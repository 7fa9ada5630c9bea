// Package mesh defines the shared domain model of the control plane:
// instance records, health status, and change feed events.
package mesh

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// DefaultWeight is assigned to instances that register without an explicit weight.
const DefaultWeight = 100

// Status represents the health state of a service instance.
type Status int

const (
	StatusUnknown Status = iota
	StatusHealthy
	StatusUnhealthy
	StatusOffline
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "Healthy"
	case StatusUnhealthy:
		return "Unhealthy"
	case StatusOffline:
		return "Offline"
	default:
		return "Unknown"
	}
}

// ParseStatus parses a status name (case-insensitive). Unrecognized names map
// to StatusUnknown.
func ParseStatus(name string) Status {
	switch strings.ToLower(name) {
	case "healthy":
		return StatusHealthy
	case "unhealthy":
		return StatusUnhealthy
	case "offline":
		return StatusOffline
	default:
		return StatusUnknown
	}
}

// MarshalJSON encodes the status as its string name.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts a status string name.
func (s *Status) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return fmt.Errorf("status: %w", err)
	}
	*s = ParseStatus(name)
	return nil
}

// InstanceRecord is the authoritative description of one running backend
// process. The registry owns the record; every other component holds a
// read-only copy or a derived cache entry.
type InstanceRecord struct {
	InstanceID     string            `json:"instanceId"`
	ServiceName    string            `json:"serviceName"`
	Host           string            `json:"host"`
	Port           int               `json:"port"`
	VersionTag     string            `json:"version,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	HealthCheckURL string            `json:"healthCheckUrl,omitempty"`
	Weight         int               `json:"weight"`
	RegisteredAt   time.Time         `json:"registeredAt"`
	LastHeartbeat  time.Time         `json:"lastHeartbeat"`
	Status         Status            `json:"status"`
}

// Addr returns the host:port pair, bracketing IPv6 hosts.
func (r InstanceRecord) Addr() string {
	return net.JoinHostPort(strings.Trim(r.Host, "[]"), strconv.Itoa(r.Port))
}

// ProbeURL returns the active health probe target: the explicit
// healthCheckUrl when present, otherwise http://{host}:{port}/health.
func (r InstanceRecord) ProbeURL() string {
	if r.HealthCheckURL != "" {
		return r.HealthCheckURL
	}
	return "http://" + r.Addr() + "/health"
}

// Clone returns a deep copy so cached records never alias registry state.
func (r InstanceRecord) Clone() InstanceRecord {
	out := r
	out.Metadata = make(map[string]string, len(r.Metadata))
	for k, v := range r.Metadata {
		out.Metadata[k] = v
	}
	return out
}
