// Package store implements the authoritative instance catalog: an abstract
// contract with an in-memory implementation and a Redis-backed durable one.
package store

import (
	"context"
	"time"

	"github.com/weftmesh/weftmesh/internal/mesh"
)

// Notifier receives one change event for every observable mutation. The
// memory store invokes it in strict version order; implementations must be
// non-blocking because the call happens on the mutating goroutine.
type Notifier func(mesh.ServiceChangeEvent)

// Store is the instance catalog contract. All mutations are atomic with
// respect to each other; every mutation that changes observable state
// increments the global version exactly once and emits exactly one event.
type Store interface {
	// Upsert creates or replaces the record. An existing id with a
	// different service name is rejected with ErrServiceBindingChanged.
	Upsert(ctx context.Context, rec mesh.InstanceRecord) (int64, error)

	// Remove deletes the record. The bool reports whether it existed;
	// the version reflects the state after the call either way.
	Remove(ctx context.Context, instanceID string) (bool, int64, error)

	// Touch refreshes last_heartbeat and raises the status to Healthy.
	Touch(ctx context.Context, instanceID string) (bool, error)

	// SetStatus updates the health status. Setting the current status is
	// a no-op: no version bump, no event.
	SetStatus(ctx context.Context, instanceID string, status mesh.Status) (bool, error)

	// Get returns a copy of the record, or nil when absent.
	Get(ctx context.Context, instanceID string) (*mesh.InstanceRecord, error)

	// ListByService returns a point-in-time snapshot ordered by instance id.
	ListByService(ctx context.Context, serviceName string) ([]mesh.InstanceRecord, error)

	// ListNames returns all service names with at least one instance.
	ListNames(ctx context.Context) ([]string, error)

	// ListAll returns every record in the catalog.
	ListAll(ctx context.Context) ([]mesh.InstanceRecord, error)

	// ListExpired returns records whose last_heartbeat is older than threshold.
	ListExpired(ctx context.Context, threshold time.Time) ([]mesh.InstanceRecord, error)

	// Version returns the current value of the global version counter.
	Version(ctx context.Context) (int64, error)

	// ChangesSince returns the coalesced set of mutations after the given
	// cursor. When the cursor predates the oldest retained change the set
	// is a full snapshot with Reset = true.
	ChangesSince(ctx context.Context, since int64) (mesh.ChangeSet, error)
}
