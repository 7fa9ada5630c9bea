package discovery

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/weftmesh/weftmesh/internal/balancer"
	"github.com/weftmesh/weftmesh/internal/mesh"
)

// CacheConfig controls the cache's two maintenance loops.
type CacheConfig struct {
	// SyncInterval is the incremental pull cadence.
	SyncInterval time.Duration
	// BatchInterval is how often queued push events are applied.
	BatchInterval time.Duration
	// BatchKick forces an early drain once this many events are queued.
	BatchKick int
	// QueueSize bounds the push event queue; overflow is dropped and
	// repaired by the next pull.
	QueueSize int
	// Policy selects the load balancing strategy used by Pick.
	Policy balancer.Policy
}

// DefaultCacheConfig returns the stock cadences.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		SyncInterval:  5 * time.Second,
		BatchInterval: 100 * time.Millisecond,
		BatchKick:     100,
		QueueSize:     1024,
		Policy:        balancer.RoundRobin,
	}
}

// Cache is a local replica of the registry. Lookups never touch the network;
// two background loops keep the replica convergent: an incremental pull that
// owns the version cursor, and a batch applier for pushed events. Pull is the
// source of truth; push only narrows the staleness window.
type Cache struct {
	client *Client
	config CacheConfig
	lb     *balancer.Balancer
	logger *slog.Logger

	mu       sync.RWMutex
	records  map[string]mesh.InstanceRecord
	services map[string]map[string]struct{} // lowercase service name -> ids
	recVer   map[string]int64               // last applied version per id
	version  int64                          // pull cursor

	queue chan mesh.ServiceChangeEvent
	kick  chan struct{}

	subMu    sync.Mutex
	subs     map[string]map[string]func([]mesh.InstanceRecord)
	notified map[string]string // last healthy-set fingerprint per service
}

// NewCache creates a cache over the registry client. The inflight tracker may
// be nil unless the LeastInFlight policy is selected.
func NewCache(client *Client, config CacheConfig, inflight *balancer.InFlight, logger *slog.Logger) *Cache {
	if config.QueueSize < 1 {
		config.QueueSize = 1
	}
	return &Cache{
		client:   client,
		config:   config,
		lb:       balancer.New(config.Policy, inflight),
		logger:   logger,
		records:  make(map[string]mesh.InstanceRecord),
		services: make(map[string]map[string]struct{}),
		recVer:   make(map[string]int64),
		queue:    make(chan mesh.ServiceChangeEvent, config.QueueSize),
		kick:     make(chan struct{}, 1),
		subs:     make(map[string]map[string]func([]mesh.InstanceRecord)),
		notified: make(map[string]string),
	}
}

// Run starts the pull and applier loops. It blocks until ctx is cancelled.
func (c *Cache) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.runSync(ctx) })
	g.Go(func() error { return c.runApplier(ctx) })
	return g.Wait()
}

// --- Lookups ---

// Discover returns the cached instances of a service, optionally filtered.
// The slice is a snapshot; callers may keep it.
func (c *Cache) Discover(serviceName, versionTag string, healthyOnly bool) []mesh.InstanceRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	bucket := c.services[strings.ToLower(serviceName)]
	out := make([]mesh.InstanceRecord, 0, len(bucket))
	for id := range bucket {
		rec := c.records[id]
		if versionTag != "" && rec.VersionTag != versionTag {
			continue
		}
		if healthyOnly && rec.Status != mesh.StatusHealthy {
			continue
		}
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

// Pick returns one healthy instance chosen by the configured policy, or nil.
func (c *Cache) Pick(serviceName, versionTag string) *mesh.InstanceRecord {
	candidates := c.Discover(serviceName, versionTag, true)
	return c.lb.Pick(strings.ToLower(serviceName), candidates)
}

// Services lists the cached service names (original case as registered).
func (c *Cache) Services() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.services))
	for _, bucket := range c.services {
		for id := range bucket {
			names = append(names, c.records[id].ServiceName)
			break
		}
	}
	sort.Strings(names)
	return names
}

// Version reports the pull cursor.
func (c *Cache) Version() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Len reports the number of cached instances.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// Balancer exposes the cache's balancer so the proxy can report outcomes.
func (c *Cache) Balancer() *balancer.Balancer {
	return c.lb
}

// Subscribe registers a callback invoked whenever the healthy set of a
// service changes (by membership or status). Callbacks run on the cache's
// maintenance goroutines and must not block. The returned function cancels
// the subscription.
func (c *Cache) Subscribe(serviceName string, fn func([]mesh.InstanceRecord)) func() {
	key := strings.ToLower(serviceName)
	id := uuid.NewString()

	c.subMu.Lock()
	bucket, ok := c.subs[key]
	if !ok {
		bucket = make(map[string]func([]mesh.InstanceRecord))
		c.subs[key] = bucket
	}
	bucket[id] = fn
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if bucket, ok := c.subs[key]; ok {
			delete(bucket, id)
			if len(bucket) == 0 {
				delete(c.subs, key)
			}
		}
	}
}

// --- Push intake ---

// Enqueue hands a pushed event to the batch applier. It never blocks: when
// the queue is full the event is dropped, and the next pull repairs the gap.
func (c *Cache) Enqueue(ev mesh.ServiceChangeEvent) {
	select {
	case c.queue <- ev:
	default:
		c.logger.Warn("push queue full, dropping event", "version", ev.Version)
		return
	}

	if len(c.queue) >= c.config.BatchKick {
		select {
		case c.kick <- struct{}{}:
		default:
		}
	}
}

// --- Maintenance loops ---

func (c *Cache) runSync(ctx context.Context) error {
	// Prime the cache before the first tick so early lookups see state.
	c.syncOnce(ctx)

	ticker := time.NewTicker(c.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.syncOnce(ctx)
		}
	}
}

func (c *Cache) syncOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, c.config.SyncInterval*2)
	defer cancel()

	cs, err := c.client.ChangesSince(ctx, c.Version())
	if err != nil {
		c.logger.Warn("incremental pull failed", "cursor", c.Version(), "error", err)
		return
	}
	c.applyChangeSet(cs)
}

func (c *Cache) runApplier(ctx context.Context) error {
	ticker := time.NewTicker(c.config.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.drainQueue()
		case <-c.kick:
			c.drainQueue()
		}
	}
}

// drainQueue empties the push queue, keeps only the highest-version event per
// id, applies those, and notifies subscribers of touched services.
func (c *Cache) drainQueue() {
	latest := make(map[string]mesh.ServiceChangeEvent)
	for {
		select {
		case ev := <-c.queue:
			if cur, ok := latest[ev.InstanceID]; !ok || ev.Version > cur.Version {
				latest[ev.InstanceID] = ev
			}
		default:
			if len(latest) == 0 {
				return
			}
			c.applyEvents(latest)
			return
		}
	}
}

func (c *Cache) applyEvents(events map[string]mesh.ServiceChangeEvent) {
	touched := make(map[string]struct{})

	c.mu.Lock()
	for _, ev := range events {
		// Events at or below the cursor are already covered by pull state.
		if ev.Version <= c.version {
			continue
		}
		switch ev.Kind {
		case mesh.ChangeUpsert:
			if ev.Record == nil {
				continue
			}
			if name, ok := c.applyUpsertLocked(*ev.Record, ev.Version); ok {
				touched[name] = struct{}{}
			}
		case mesh.ChangeRemove:
			if name, ok := c.applyRemoveLocked(ev.InstanceID, ev.Version); ok {
				touched[name] = struct{}{}
			} else if ev.ServiceName != "" {
				touched[strings.ToLower(ev.ServiceName)] = struct{}{}
			}
		}
	}
	c.mu.Unlock()

	c.notifySubscribers(touched)
}

func (c *Cache) applyChangeSet(cs mesh.ChangeSet) {
	touched := make(map[string]struct{})

	c.mu.Lock()
	if cs.Reset {
		for name := range c.services {
			touched[name] = struct{}{}
		}
		c.records = make(map[string]mesh.InstanceRecord)
		c.services = make(map[string]map[string]struct{})
		c.recVer = make(map[string]int64)
		c.version = cs.Version
		for _, rec := range cs.AddedOrUpdated {
			if name, ok := c.applyUpsertLocked(rec, cs.Version); ok {
				touched[name] = struct{}{}
			}
		}
	} else {
		for _, rec := range cs.AddedOrUpdated {
			if name, ok := c.applyUpsertLocked(rec, cs.Version); ok {
				touched[name] = struct{}{}
			}
		}
		for _, id := range cs.Removed {
			if name, ok := c.applyRemoveLocked(id, cs.Version); ok {
				touched[name] = struct{}{}
			}
		}
		if cs.Version > c.version {
			c.version = cs.Version
		}
	}

	// Tombstone versions older than the cursor can no longer race a push.
	for id, v := range c.recVer {
		if _, live := c.records[id]; !live && v <= c.version {
			delete(c.recVer, id)
		}
	}
	c.mu.Unlock()

	c.notifySubscribers(touched)
}

// applyUpsertLocked installs rec unless a newer version was already applied.
// Returns the lowercase service name when state changed.
func (c *Cache) applyUpsertLocked(rec mesh.InstanceRecord, version int64) (string, bool) {
	if prev, ok := c.recVer[rec.InstanceID]; ok && version <= prev {
		return "", false
	}
	c.recVer[rec.InstanceID] = version

	key := strings.ToLower(rec.ServiceName)
	if old, ok := c.records[rec.InstanceID]; ok {
		oldKey := strings.ToLower(old.ServiceName)
		if oldKey != key {
			c.dropFromBucketLocked(oldKey, rec.InstanceID)
		}
	}

	c.records[rec.InstanceID] = rec.Clone()
	bucket, ok := c.services[key]
	if !ok {
		bucket = make(map[string]struct{})
		c.services[key] = bucket
	}
	bucket[rec.InstanceID] = struct{}{}
	return key, true
}

// applyRemoveLocked drops an instance, remembering the removal version so a
// stale pushed upsert cannot resurrect it.
func (c *Cache) applyRemoveLocked(instanceID string, version int64) (string, bool) {
	if prev, ok := c.recVer[instanceID]; ok && version <= prev {
		return "", false
	}
	c.recVer[instanceID] = version

	old, ok := c.records[instanceID]
	if !ok {
		return "", false
	}
	key := strings.ToLower(old.ServiceName)
	delete(c.records, instanceID)
	c.dropFromBucketLocked(key, instanceID)
	return key, true
}

func (c *Cache) dropFromBucketLocked(key, instanceID string) {
	if bucket, ok := c.services[key]; ok {
		delete(bucket, instanceID)
		if len(bucket) == 0 {
			delete(c.services, key)
		}
	}
}

// notifySubscribers invokes callbacks for services whose healthy set actually
// changed since the last notification.
func (c *Cache) notifySubscribers(touched map[string]struct{}) {
	if len(touched) == 0 {
		return
	}

	for key := range touched {
		c.subMu.Lock()
		bucket := c.subs[key]
		if len(bucket) == 0 {
			c.subMu.Unlock()
			continue
		}
		fns := make([]func([]mesh.InstanceRecord), 0, len(bucket))
		for _, fn := range bucket {
			fns = append(fns, fn)
		}
		c.subMu.Unlock()

		healthy := c.Discover(key, "", true)
		fp := fingerprint(healthy)

		c.subMu.Lock()
		if c.notified[key] == fp {
			c.subMu.Unlock()
			continue
		}
		c.notified[key] = fp
		c.subMu.Unlock()

		for _, fn := range fns {
			fn(healthy)
		}
	}
}

// fingerprint summarizes a healthy set by membership and status; records are
// already sorted by instance id.
func fingerprint(recs []mesh.InstanceRecord) string {
	var b strings.Builder
	for _, rec := range recs {
		b.WriteString(rec.InstanceID)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(int(rec.Status)))
		b.WriteByte(';')
	}
	return b.String()
}
