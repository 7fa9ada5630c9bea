package gateway

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// BreakerState represents the current state of a circuit breaker.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // normal operation, requests pass through
	BreakerOpen                         // tripped, requests fail fast
	BreakerHalfOpen                     // testing, one probe allowed through
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker guards one destination. It counts consecutive failures and
// opens after the threshold; the open period doubles on every failed probe up
// to the configured cap and resets on recovery. In half-open state only one
// probe is admitted at a time, so a failure burst produces exactly one
// closed-to-open transition.
type CircuitBreaker struct {
	mu           sync.Mutex
	config       BreakerConfig
	state        BreakerState
	failureCount int
	openDuration time.Duration
	openedAt     time.Time
	halfOpenUsed bool

	// onTransition fires outside the lock for every state change.
	onTransition func(from, to BreakerState)

	now func() time.Time
}

func newCircuitBreaker(config BreakerConfig, onTransition func(from, to BreakerState)) *CircuitBreaker {
	return &CircuitBreaker{
		config:       config,
		state:        BreakerClosed,
		openDuration: config.OpenDuration,
		onTransition: onTransition,
		now:          time.Now,
	}
}

// Allow reports whether a request may proceed. An expired open period flips
// the breaker to half-open and admits the caller as the single probe.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	var notify func()

	allowed := true
	switch cb.state {
	case BreakerClosed:
	case BreakerOpen:
		if cb.now().Sub(cb.openedAt) >= cb.openDuration {
			notify = cb.transitionLocked(BreakerHalfOpen)
			cb.halfOpenUsed = true
		} else {
			allowed = false
		}
	case BreakerHalfOpen:
		if cb.halfOpenUsed {
			allowed = false
		} else {
			cb.halfOpenUsed = true
		}
	}

	cb.mu.Unlock()
	if notify != nil {
		notify()
	}
	return allowed
}

// RecordSuccess resets the failure count; a successful half-open probe closes
// the breaker and restores the base open period.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	var notify func()

	cb.failureCount = 0
	if cb.state != BreakerClosed {
		notify = cb.transitionLocked(BreakerClosed)
		cb.openDuration = cb.config.OpenDuration
	}
	cb.halfOpenUsed = false

	cb.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// RecordFailure counts one failure. Crossing the threshold opens the circuit;
// a failed half-open probe re-opens it with a doubled period.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	var notify func()

	cb.failureCount++
	switch {
	case cb.state == BreakerHalfOpen:
		cb.openDuration = min(cb.openDuration*2, cb.config.MaxOpenDuration)
		notify = cb.transitionLocked(BreakerOpen)
		cb.openedAt = cb.now()
		cb.halfOpenUsed = false
	case cb.state == BreakerClosed && cb.failureCount >= cb.config.FailureThreshold:
		notify = cb.transitionLocked(BreakerOpen)
		cb.openedAt = cb.now()
		cb.halfOpenUsed = false
	}

	cb.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// State returns the current state, applying the time-based open-to-half-open
// transition so callers see the state a request would encounter.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	var notify func()

	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) >= cb.openDuration {
		notify = cb.transitionLocked(BreakerHalfOpen)
	}
	state := cb.state

	cb.mu.Unlock()
	if notify != nil {
		notify()
	}
	return state
}

// transitionLocked switches state and returns the pending callback, to be
// invoked after the lock is released. Callers hold mu.
func (cb *CircuitBreaker) transitionLocked(to BreakerState) func() {
	from := cb.state
	cb.state = to
	if cb.onTransition == nil || from == to {
		return nil
	}
	fn := cb.onTransition
	return func() { fn(from, to) }
}

// --- Breaker set ---

// breakerSet tracks one breaker per destination instance. The map is a
// bounded LRU: destinations that churn out of the registry age out of the set
// instead of leaking.
type breakerSet struct {
	config       BreakerConfig
	onTransition func(dest string, from, to BreakerState)

	mu    sync.Mutex
	cache *lru.Cache[string, *CircuitBreaker]
}

func newBreakerSet(size int, config BreakerConfig, onTransition func(dest string, from, to BreakerState)) *breakerSet {
	if size <= 0 {
		size = 1024
	}
	cache, _ := lru.New[string, *CircuitBreaker](size)
	return &breakerSet{
		config:       config,
		onTransition: onTransition,
		cache:        cache,
	}
}

// get returns the breaker for dest, creating it on first use. The outer lock
// makes get-or-create atomic so every caller shares one breaker per
// destination.
func (bs *breakerSet) get(dest string) *CircuitBreaker {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if cb, ok := bs.cache.Get(dest); ok {
		return cb
	}
	var forward func(from, to BreakerState)
	if bs.onTransition != nil {
		fn := bs.onTransition
		forward = func(from, to BreakerState) { fn(dest, from, to) }
	}
	cb := newCircuitBreaker(bs.config, forward)
	bs.cache.Add(dest, cb)
	return cb
}

// snapshot returns the state of every tracked breaker, for the admin surface.
func (bs *breakerSet) snapshot() map[string]string {
	bs.mu.Lock()
	breakers := make(map[string]*CircuitBreaker, bs.cache.Len())
	for _, k := range bs.cache.Keys() {
		if cb, ok := bs.cache.Peek(k); ok {
			breakers[k] = cb
		}
	}
	bs.mu.Unlock()

	// State() may fire transition callbacks; resolve outside the set lock.
	out := make(map[string]string, len(breakers))
	for k, cb := range breakers {
		out[k] = cb.State().String()
	}
	return out
}
