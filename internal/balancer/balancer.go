// Package balancer implements the selection policies for distributing
// requests across service instances.
package balancer

import (
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/weftmesh/weftmesh/internal/mesh"
)

// Policy defines the load balancing algorithm to use.
type Policy int

const (
	RoundRobin Policy = iota
	WeightedRoundRobin
	Random
	LeastInFlight
)

// ParsePolicy parses a policy name (case-insensitive). Returns RoundRobin if
// the name is unrecognized.
func ParsePolicy(name string) Policy {
	switch strings.ToLower(name) {
	case "roundrobin", "round_robin":
		return RoundRobin
	case "weightedroundrobin", "weighted_round_robin":
		return WeightedRoundRobin
	case "random":
		return Random
	case "leastinflight", "least_in_flight":
		return LeastInFlight
	default:
		return RoundRobin
	}
}

func (p Policy) String() string {
	switch p {
	case WeightedRoundRobin:
		return "WeightedRoundRobin"
	case Random:
		return "Random"
	case LeastInFlight:
		return "LeastInFlight"
	default:
		return "RoundRobin"
	}
}

// Balancer picks one instance from a candidate list. It is a pure function of
// (candidates, policy, counters): it never fetches instances itself and never
// blocks. Selecting from an empty list returns nil.
type Balancer struct {
	policy   Policy
	inflight *InFlight

	mu            sync.Mutex
	roundRobinIdx map[string]*atomic.Int64
}

// New creates a Balancer for the given policy. inflight may be nil unless the
// policy is LeastInFlight; a nil tracker is created on demand so the proxy
// can always feed one.
func New(policy Policy, inflight *InFlight) *Balancer {
	if inflight == nil {
		inflight = NewInFlight()
	}
	return &Balancer{
		policy:        policy,
		inflight:      inflight,
		roundRobinIdx: make(map[string]*atomic.Int64),
	}
}

// InFlight returns the tracker the proxy must feed for LeastInFlight.
func (b *Balancer) InFlight() *InFlight {
	return b.inflight
}

// Pick selects one instance for the service. Instances with weight 0 are
// registered-but-unselectable and are always filtered out.
func (b *Balancer) Pick(serviceName string, candidates []mesh.InstanceRecord) *mesh.InstanceRecord {
	eligible := make([]mesh.InstanceRecord, 0, len(candidates))
	for _, inst := range candidates {
		if inst.Weight > 0 {
			eligible = append(eligible, inst)
		}
	}
	if len(eligible) == 0 {
		return nil
	}

	switch b.policy {
	case WeightedRoundRobin:
		return b.pickWeightedRoundRobin(serviceName, eligible)
	case Random:
		return pickWeightedRandom(eligible)
	case LeastInFlight:
		return b.pickLeastInFlight(serviceName, eligible)
	default:
		return b.pickRoundRobin(serviceName, eligible)
	}
}

func (b *Balancer) pickRoundRobin(serviceName string, instances []mesh.InstanceRecord) *mesh.InstanceRecord {
	idx := b.getRoundRobinIdx(serviceName)
	n := idx.Add(1)
	i := abs64(n) % int64(len(instances))
	return &instances[i]
}

// pickWeightedRoundRobin expands each instance into weight virtual slots and
// round-robins over the expansion, so the long-run share of instance i
// converges to weight_i over the weight sum.
func (b *Balancer) pickWeightedRoundRobin(serviceName string, instances []mesh.InstanceRecord) *mesh.InstanceRecord {
	var weighted []mesh.InstanceRecord
	for _, inst := range instances {
		for range inst.Weight {
			weighted = append(weighted, inst)
		}
	}
	return b.pickRoundRobin(serviceName+"-weighted", weighted)
}

func pickWeightedRandom(instances []mesh.InstanceRecord) *mesh.InstanceRecord {
	total := 0
	for _, inst := range instances {
		total += inst.Weight
	}

	r := rand.IntN(total)
	for i := range instances {
		r -= instances[i].Weight
		if r < 0 {
			return &instances[i]
		}
	}
	return &instances[len(instances)-1]
}

// pickLeastInFlight chooses the instance with the fewest outstanding
// requests; ties are broken by round-robin.
func (b *Balancer) pickLeastInFlight(serviceName string, instances []mesh.InstanceRecord) *mesh.InstanceRecord {
	var best int64 = -1
	var ties []mesh.InstanceRecord
	for i := range instances {
		v := b.inflight.Get(instances[i].InstanceID)
		switch {
		case best < 0 || v < best:
			best = v
			ties = append(ties[:0], instances[i])
		case v == best:
			ties = append(ties, instances[i])
		}
	}

	if len(ties) == 1 {
		return &ties[0]
	}
	return b.pickRoundRobin(serviceName+"-ties", ties)
}

func (b *Balancer) getRoundRobinIdx(name string) *atomic.Int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx, ok := b.roundRobinIdx[name]
	if !ok {
		idx = &atomic.Int64{}
		b.roundRobinIdx[name] = idx
	}
	return idx
}

func abs64(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

// InFlight counts outstanding requests per instance. The proxy acquires
// before dispatch and releases when the response body is done; counters at
// zero are removed so churned instances do not accumulate.
type InFlight struct {
	mu     sync.Mutex
	counts map[string]int64
}

// NewInFlight creates an empty tracker.
func NewInFlight() *InFlight {
	return &InFlight{counts: make(map[string]int64)}
}

// Acquire marks one more outstanding request against the instance.
func (f *InFlight) Acquire(instanceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[instanceID]++
}

// Release marks a request finished.
func (f *InFlight) Release(instanceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.counts[instanceID]; ok {
		if n <= 1 {
			delete(f.counts, instanceID)
		} else {
			f.counts[instanceID] = n - 1
		}
	}
}

// Get reports the outstanding count for an instance.
func (f *InFlight) Get(instanceID string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[instanceID]
}

// Snapshot returns a copy of all non-zero counters.
func (f *InFlight) Snapshot() map[string]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int64, len(f.counts))
	for id, n := range f.counts {
		out[id] = n
	}
	return out
}
