package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/weftmesh/weftmesh/internal/mesh"
)

// DefaultInstanceTTL is the lifetime of a stored record. Heartbeats renew it,
// so the TTL acts as a backstop eviction behind the reaper.
const DefaultInstanceTTL = 5 * time.Minute

const (
	versionKey    = "version"
	servicesKey   = "services"
	changeChannel = "instance:changes"
	watchRetries  = 3
)

func instanceKey(id string) string { return "instance:" + id }
func serviceKey(name string) string { return "service:" + name }

// changeEnvelope wraps a change event on the pub/sub channel. Origin lets a
// replica skip the echo of its own publishes.
type changeEnvelope struct {
	Origin string                  `json:"origin"`
	Event  mesh.ServiceChangeEvent `json:"event"`
}

// Redis is the durable Store. Records live under instance:{id} with a TTL
// renewed by heartbeats, service membership under service:{name} sets, and
// the version counter under a single INCR key. Mutations use WATCH-based
// compare-and-swap so a heartbeat cannot clobber a concurrent deregister.
// Because there is no retained change log, ChangesSince answers any stale
// cursor with a full snapshot.
type Redis struct {
	client *redis.Client
	notify Notifier
	logger *slog.Logger
	origin string
	ttl    time.Duration
	now    func() time.Time // for testing
}

// NewRedis creates a Redis store with the default record TTL. notify may be nil.
func NewRedis(client *redis.Client, notify Notifier, logger *slog.Logger) *Redis {
	return NewRedisWithTTL(client, notify, logger, DefaultInstanceTTL)
}

// NewRedisWithTTL creates a Redis store with an explicit record TTL.
func NewRedisWithTTL(client *redis.Client, notify Notifier, logger *slog.Logger, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultInstanceTTL
	}
	return &Redis{
		client: client,
		notify: notify,
		logger: logger,
		origin: uuid.NewString(),
		ttl:    ttl,
		now:    time.Now,
	}
}

func (s *Redis) Upsert(ctx context.Context, rec mesh.InstanceRecord) (int64, error) {
	key := instanceKey(rec.InstanceID)
	stored := rec.Clone()
	var version int64

	err := s.watch(ctx, func(tx *redis.Tx) error {
		existing, err := getRecordTx(ctx, tx, key)
		if err != nil {
			return err
		}
		if existing != nil && existing.ServiceName != stored.ServiceName {
			return mesh.ErrServiceBindingChanged
		}

		now := s.now().UTC()
		if existing != nil {
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

		payload, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}

		var incr *redis.IntCmd
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			incr = pipe.Incr(ctx, versionKey)
			pipe.Set(ctx, key, payload, s.ttl)
			pipe.SAdd(ctx, serviceKey(stored.ServiceName), stored.InstanceID)
			pipe.SAdd(ctx, servicesKey, stored.ServiceName)
			return nil
		})
		if err != nil {
			return err
		}
		version = incr.Val()
		return nil
	}, key)
	if err != nil {
		if errors.Is(err, mesh.ErrServiceBindingChanged) {
			return 0, err
		}
		return 0, fmt.Errorf("redis upsert: %w", err)
	}

	s.emit(ctx, mesh.ServiceChangeEvent{
		InstanceID:  stored.InstanceID,
		ServiceName: stored.ServiceName,
		Kind:        mesh.ChangeUpsert,
		Version:     version,
		Record:      &stored,
	})
	return version, nil
}

func (s *Redis) Remove(ctx context.Context, instanceID string) (bool, int64, error) {
	key := instanceKey(instanceID)
	var (
		found   bool
		version int64
		ev      *mesh.ServiceChangeEvent
	)

	err := s.watch(ctx, func(tx *redis.Tx) error {
		existing, err := getRecordTx(ctx, tx, key)
		if err != nil {
			return err
		}
		if existing == nil {
			found = false
			version, err = tx.Get(ctx, versionKey).Int64()
			if errors.Is(err, redis.Nil) {
				return nil
			}
			return err
		}

		var incr *redis.IntCmd
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			incr = pipe.Incr(ctx, versionKey)
			pipe.Del(ctx, key)
			pipe.SRem(ctx, serviceKey(existing.ServiceName), instanceID)
			return nil
		})
		if err != nil {
			return err
		}

		found = true
		version = incr.Val()
		ev = &mesh.ServiceChangeEvent{
			InstanceID:  instanceID,
			ServiceName: existing.ServiceName,
			Kind:        mesh.ChangeRemove,
			Version:     version,
		}
		return nil
	}, key)
	if err != nil {
		return false, 0, fmt.Errorf("redis remove: %w", err)
	}

	if ev != nil {
		s.emit(ctx, *ev)
	}
	return found, version, nil
}

func (s *Redis) Touch(ctx context.Context, instanceID string) (bool, error) {
	return s.mutateRecord(ctx, instanceID, func(rec *mesh.InstanceRecord) bool {
		rec.LastHeartbeat = s.now().UTC()
		rec.Status = mesh.StatusHealthy
		return true
	}, true)
}

func (s *Redis) SetStatus(ctx context.Context, instanceID string, status mesh.Status) (bool, error) {
	return s.mutateRecord(ctx, instanceID, func(rec *mesh.InstanceRecord) bool {
		if rec.Status == status {
			return false
		}
		rec.Status = status
		return true
	}, false)
}

// mutateRecord applies fn to the stored record under CAS. When fn reports no
// change the call is a found no-op. renewTTL restarts the full TTL (heartbeat
// semantics); otherwise the remaining TTL is kept.
func (s *Redis) mutateRecord(ctx context.Context, instanceID string, fn func(*mesh.InstanceRecord) bool, renewTTL bool) (bool, error) {
	key := instanceKey(instanceID)
	var (
		found   bool
		changed bool
		version int64
		updated mesh.InstanceRecord
	)

	err := s.watch(ctx, func(tx *redis.Tx) error {
		existing, err := getRecordTx(ctx, tx, key)
		if err != nil {
			return err
		}
		if existing == nil {
			found = false
			return nil
		}
		found = true

		rec := existing.Clone()
		if !fn(&rec) {
			changed = false
			return nil
		}

		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}

		var incr *redis.IntCmd
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			incr = pipe.Incr(ctx, versionKey)
			if renewTTL {
				pipe.Set(ctx, key, payload, s.ttl)
			} else {
				pipe.SetArgs(ctx, key, payload, redis.SetArgs{KeepTTL: true})
			}
			return nil
		})
		if err != nil {
			return err
		}

		changed = true
		version = incr.Val()
		updated = rec
		return nil
	}, key)
	if err != nil {
		return false, fmt.Errorf("redis update %s: %w", instanceID, err)
	}

	if found && changed {
		s.emit(ctx, mesh.ServiceChangeEvent{
			InstanceID:  updated.InstanceID,
			ServiceName: updated.ServiceName,
			Kind:        mesh.ChangeUpsert,
			Version:     version,
			Record:      &updated,
		})
	}
	return found, nil
}

func (s *Redis) Get(ctx context.Context, instanceID string) (*mesh.InstanceRecord, error) {
	b, err := s.client.Get(ctx, instanceKey(instanceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return decodeRecord(b)
}

func (s *Redis) ListByService(ctx context.Context, serviceName string) ([]mesh.InstanceRecord, error) {
	ids, err := s.client.SMembers(ctx, serviceKey(serviceName)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list %s: %w", serviceName, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = instanceKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}

	out := make([]mesh.InstanceRecord, 0, len(vals))
	var stale []any
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			// Key expired under us; drop the dangling set member.
			stale = append(stale, ids[i])
			continue
		}
		rec, err := decodeRecord([]byte(raw))
		if err != nil {
			s.logger.Warn("skipping undecodable record", "instance_id", ids[i], "error", err)
			continue
		}
		out = append(out, *rec)
	}
	if len(stale) > 0 {
		if err := s.client.SRem(ctx, serviceKey(serviceName), stale...).Err(); err != nil {
			s.logger.Warn("pruning stale set members", "service", serviceName, "error", err)
		}
	}

	sortRecords(out)
	return out, nil
}

func (s *Redis) ListNames(ctx context.Context) ([]string, error) {
	names, err := s.client.SMembers(ctx, servicesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list names: %w", err)
	}

	out := make([]string, 0, len(names))
	for _, name := range names {
		n, err := s.client.SCard(ctx, serviceKey(name)).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scard %s: %w", name, err)
		}
		if n == 0 {
			if err := s.client.SRem(ctx, servicesKey, name).Err(); err != nil {
				s.logger.Warn("pruning empty service", "service", name, "error", err)
			}
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Redis) ListAll(ctx context.Context) ([]mesh.InstanceRecord, error) {
	names, err := s.ListNames(ctx)
	if err != nil {
		return nil, err
	}

	var out []mesh.InstanceRecord
	for _, name := range names {
		recs, err := s.ListByService(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	sortRecords(out)
	return out, nil
}

func (s *Redis) ListExpired(ctx context.Context, threshold time.Time) ([]mesh.InstanceRecord, error) {
	all, err := s.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	var out []mesh.InstanceRecord
	for _, rec := range all {
		if rec.LastHeartbeat.Before(threshold) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *Redis) Version(ctx context.Context) (int64, error) {
	v, err := s.client.Get(ctx, versionKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis version: %w", err)
	}
	return v, nil
}

func (s *Redis) ChangesSince(ctx context.Context, since int64) (mesh.ChangeSet, error) {
	current, err := s.Version(ctx)
	if err != nil {
		return mesh.ChangeSet{}, err
	}
	if since == current {
		return mesh.ChangeSet{Version: current, AddedOrUpdated: []mesh.InstanceRecord{}, Removed: []string{}}, nil
	}

	// No retained log: any lagging (or future) cursor gets a full snapshot.
	all, err := s.ListAll(ctx)
	if err != nil {
		return mesh.ChangeSet{}, err
	}
	if all == nil {
		all = []mesh.InstanceRecord{}
	}
	return mesh.ChangeSet{Version: current, AddedOrUpdated: all, Removed: []string{}, Reset: true}, nil
}

// RunSubscriber forwards change events published by other registry replicas
// into the local notifier. It blocks until ctx is cancelled.
func (s *Redis) RunSubscriber(ctx context.Context) error {
	sub := s.client.Subscribe(ctx, changeChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env changeEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				s.logger.Warn("undecodable change message", "error", err)
				continue
			}
			if env.Origin == s.origin {
				continue
			}
			if s.notify != nil {
				s.notify(env.Event)
			}
		}
	}
}

// emit delivers locally and publishes for other replicas.
func (s *Redis) emit(ctx context.Context, ev mesh.ServiceChangeEvent) {
	if s.notify != nil {
		s.notify(ev)
	}

	payload, err := json.Marshal(changeEnvelope{Origin: s.origin, Event: ev})
	if err != nil {
		s.logger.Warn("marshal change event", "error", err)
		return
	}
	if err := s.client.Publish(ctx, changeChannel, payload).Err(); err != nil {
		s.logger.Warn("publish change event", "instance_id", ev.InstanceID, "error", err)
	}
}

func (s *Redis) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	var err error
	for range watchRetries {
		err = s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

func getRecordTx(ctx context.Context, tx *redis.Tx, key string) (*mesh.InstanceRecord, error) {
	b, err := tx.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeRecord(b)
}

func decodeRecord(b []byte) (*mesh.InstanceRecord, error) {
	var rec mesh.InstanceRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if rec.Metadata == nil {
		rec.Metadata = make(map[string]string)
	}
	return &rec, nil
}
