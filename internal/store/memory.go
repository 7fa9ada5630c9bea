package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/weftmesh/weftmesh/internal/mesh"
)

// DefaultTombstoneLimit bounds how many removal markers the memory store
// retains before it starts answering old cursors with a full snapshot.
const DefaultTombstoneLimit = 4096

// tombstone remembers a removal so incremental pulls can propagate it.
type tombstone struct {
	instanceID  string
	serviceName string
	version     int64
}

// Memory is the in-process Store. A single mutex serializes mutations, which
// makes the version counter strictly monotonic and lets the notifier observe
// events in version order.
type Memory struct {
	notify        Notifier
	maxTombstones int

	mu            sync.RWMutex
	records       map[string]*mesh.InstanceRecord
	services      map[string]map[string]struct{}
	modVersion    map[string]int64
	tombstones    []tombstone // ascending by version
	version       int64
	prunedThrough int64
	now           func() time.Time // for testing
}

// NewMemory creates an empty memory store. notify may be nil.
func NewMemory(notify Notifier) *Memory {
	return NewMemoryWithLimit(notify, DefaultTombstoneLimit)
}

// NewMemoryWithLimit creates a memory store retaining at most maxTombstones
// removal markers.
func NewMemoryWithLimit(notify Notifier, maxTombstones int) *Memory {
	if maxTombstones < 1 {
		maxTombstones = 1
	}
	return &Memory{
		notify:        notify,
		maxTombstones: maxTombstones,
		records:       make(map[string]*mesh.InstanceRecord),
		services:      make(map[string]map[string]struct{}),
		modVersion:    make(map[string]int64),
		now:           time.Now,
	}
}

func (m *Memory) Upsert(ctx context.Context, rec mesh.InstanceRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.records[rec.InstanceID]
	if existing != nil && existing.ServiceName != rec.ServiceName {
		return 0, mesh.ErrServiceBindingChanged
	}

	now := m.now().UTC()
	stored := rec.Clone()
	if existing != nil {
		// Re-registration keeps the original registration instant.
		stored.RegisteredAt = existing.RegisteredAt
	} else if stored.RegisteredAt.IsZero() {
		stored.RegisteredAt = now
	}
	if stored.LastHeartbeat.IsZero() {
		stored.LastHeartbeat = now
	}
	if stored.LastHeartbeat.Before(stored.RegisteredAt) {
		stored.LastHeartbeat = stored.RegisteredAt
	}

	m.version++
	m.records[stored.InstanceID] = &stored
	m.modVersion[stored.InstanceID] = m.version
	m.dropTombstone(stored.InstanceID)

	bucket, ok := m.services[stored.ServiceName]
	if !ok {
		bucket = make(map[string]struct{})
		m.services[stored.ServiceName] = bucket
	}
	bucket[stored.InstanceID] = struct{}{}

	m.emitUpsert(&stored)
	return m.version, nil
}

func (m *Memory) Remove(ctx context.Context, instanceID string) (bool, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.records[instanceID]
	if existing == nil {
		return false, m.version, nil
	}

	m.version++
	delete(m.records, instanceID)
	delete(m.modVersion, instanceID)

	if bucket, ok := m.services[existing.ServiceName]; ok {
		delete(bucket, instanceID)
		if len(bucket) == 0 {
			delete(m.services, existing.ServiceName)
		}
	}

	m.tombstones = append(m.tombstones, tombstone{
		instanceID:  instanceID,
		serviceName: existing.ServiceName,
		version:     m.version,
	})
	m.pruneTombstones()

	if m.notify != nil {
		m.notify(mesh.ServiceChangeEvent{
			InstanceID:  instanceID,
			ServiceName: existing.ServiceName,
			Kind:        mesh.ChangeRemove,
			Version:     m.version,
		})
	}
	return true, m.version, nil
}

func (m *Memory) Touch(ctx context.Context, instanceID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.records[instanceID]
	if rec == nil {
		return false, nil
	}

	rec.LastHeartbeat = m.now().UTC()
	rec.Status = mesh.StatusHealthy
	m.version++
	m.modVersion[instanceID] = m.version

	m.emitUpsert(rec)
	return true, nil
}

func (m *Memory) SetStatus(ctx context.Context, instanceID string, status mesh.Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.records[instanceID]
	if rec == nil {
		return false, nil
	}
	if rec.Status == status {
		return true, nil
	}

	rec.Status = status
	m.version++
	m.modVersion[instanceID] = m.version

	m.emitUpsert(rec)
	return true, nil
}

func (m *Memory) Get(ctx context.Context, instanceID string) (*mesh.InstanceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec := m.records[instanceID]
	if rec == nil {
		return nil, nil
	}
	out := rec.Clone()
	return &out, nil
}

func (m *Memory) ListByService(ctx context.Context, serviceName string) ([]mesh.InstanceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bucket := m.services[serviceName]
	out := make([]mesh.InstanceRecord, 0, len(bucket))
	for id := range bucket {
		out = append(out, m.records[id].Clone())
	}
	sortRecords(out)
	return out, nil
}

func (m *Memory) ListNames(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.services))
	for name := range m.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *Memory) ListAll(ctx context.Context) ([]mesh.InstanceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]mesh.InstanceRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec.Clone())
	}
	sortRecords(out)
	return out, nil
}

func (m *Memory) ListExpired(ctx context.Context, threshold time.Time) ([]mesh.InstanceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []mesh.InstanceRecord
	for _, rec := range m.records {
		if rec.LastHeartbeat.Before(threshold) {
			out = append(out, rec.Clone())
		}
	}
	sortRecords(out)
	return out, nil
}

func (m *Memory) Version(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version, nil
}

func (m *Memory) ChangesSince(ctx context.Context, since int64) (mesh.ChangeSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cs := mesh.ChangeSet{Version: m.version, Removed: []string{}}

	if since < m.prunedThrough || since > m.version {
		// Removals older than the retention horizon are gone, and a cursor
		// from the future means the caller outlived a registry restart.
		// Either way the caller gets the full state and must reset.
		cs.Reset = true
		cs.AddedOrUpdated = make([]mesh.InstanceRecord, 0, len(m.records))
		for _, rec := range m.records {
			cs.AddedOrUpdated = append(cs.AddedOrUpdated, rec.Clone())
		}
		sortRecords(cs.AddedOrUpdated)
		return cs, nil
	}

	cs.AddedOrUpdated = []mesh.InstanceRecord{}
	for id, v := range m.modVersion {
		if v > since {
			cs.AddedOrUpdated = append(cs.AddedOrUpdated, m.records[id].Clone())
		}
	}
	sortRecords(cs.AddedOrUpdated)

	for _, t := range m.tombstones {
		if t.version > since {
			cs.Removed = append(cs.Removed, t.instanceID)
		}
	}
	return cs, nil
}

// emitUpsert must be called with the write lock held so events leave in
// version order.
func (m *Memory) emitUpsert(rec *mesh.InstanceRecord) {
	if m.notify == nil {
		return
	}
	out := rec.Clone()
	m.notify(mesh.ServiceChangeEvent{
		InstanceID:  out.InstanceID,
		ServiceName: out.ServiceName,
		Kind:        mesh.ChangeUpsert,
		Version:     m.version,
		Record:      &out,
	})
}

// dropTombstone discards a pending removal marker for an id that has been
// re-registered; the newer upsert supersedes it.
func (m *Memory) dropTombstone(instanceID string) {
	for i, t := range m.tombstones {
		if t.instanceID == instanceID {
			m.tombstones = append(m.tombstones[:i], m.tombstones[i+1:]...)
			return
		}
	}
}

func (m *Memory) pruneTombstones() {
	for len(m.tombstones) > m.maxTombstones {
		m.prunedThrough = m.tombstones[0].version
		m.tombstones = m.tombstones[1:]
	}
}

func sortRecords(recs []mesh.InstanceRecord) {
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].InstanceID < recs[j].InstanceID
	})
}
