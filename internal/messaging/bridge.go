// Package messaging exports the registry change feed to an external message
// broker. The bridge is best-effort: registrations must never block or fail
// on broker trouble, so events are queued on a bounded buffer and dropped
// with a warning when the broker cannot keep up.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/weftmesh/weftmesh/internal/mesh"
)

// Exchange is the durable fanout exchange change events are published to.
const Exchange = "weftmesh.instance-changes"

const (
	queueCapacity  = 256
	publishTimeout = 5 * time.Second
)

// changeEnvelope is the wire shape of one exported event. The instance field
// is present on upserts only.
type changeEnvelope struct {
	EventID     string               `json:"eventId"`
	Kind        mesh.ChangeKind      `json:"kind"`
	Version     int64                `json:"version"`
	Timestamp   time.Time            `json:"timestamp"`
	InstanceID  string               `json:"instanceId"`
	ServiceName string               `json:"serviceName"`
	Instance    *mesh.InstanceRecord `json:"instance,omitempty"`
}

// Bridge mirrors change events onto the exchange so consumers outside the
// mesh can follow the catalog. With no broker URL configured the bridge runs
// in no-op mode and only counts what it would have sent.
type Bridge struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *slog.Logger
	queue  chan mesh.ServiceChangeEvent

	published atomic.Int64
	dropped   atomic.Int64

	now func() time.Time // for testing
}

// NewBridge connects to the broker and declares the exchange. An empty url
// yields a no-op bridge.
func NewBridge(url string, logger *slog.Logger) (*Bridge, error) {
	b := &Bridge{
		logger: logger,
		queue:  make(chan mesh.ServiceChangeEvent, queueCapacity),
		now:    time.Now,
	}
	if url == "" {
		logger.Info("no broker URL configured, event bridge disabled")
		return b, nil
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(Exchange, "fanout", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", Exchange, err)
	}

	b.conn = conn
	b.ch = ch
	logger.Info("event bridge connected", "exchange", Exchange)
	return b, nil
}

// Publish queues ev for export. It never blocks: when the buffer is full the
// event is dropped and counted.
func (b *Bridge) Publish(ev mesh.ServiceChangeEvent) {
	select {
	case b.queue <- ev:
	default:
		b.dropped.Add(1)
		b.logger.Warn("event bridge buffer full, dropping event",
			"instance_id", ev.InstanceID,
			"version", ev.Version,
		)
	}
}

// Run drains the queue onto the exchange. It blocks until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("event bridge stopping")
			return nil
		case ev := <-b.queue:
			b.send(ctx, ev)
		}
	}
}

func (b *Bridge) send(ctx context.Context, ev mesh.ServiceChangeEvent) {
	if b.ch == nil {
		b.published.Add(1)
		return
	}

	env := b.envelope(ev)
	body, err := json.Marshal(env)
	if err != nil {
		b.logger.Error("failed to encode change event", "error", err)
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = b.ch.PublishWithContext(pubCtx, Exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		MessageId:   env.EventID,
		Timestamp:   env.Timestamp,
		Body:        body,
	})
	if err != nil {
		b.dropped.Add(1)
		b.logger.Warn("failed to publish change event",
			"instance_id", ev.InstanceID,
			"version", ev.Version,
			"error", err,
		)
		return
	}
	b.published.Add(1)
}

func (b *Bridge) envelope(ev mesh.ServiceChangeEvent) changeEnvelope {
	return changeEnvelope{
		EventID:     uuid.NewString(),
		Kind:        ev.Kind,
		Version:     ev.Version,
		Timestamp:   b.now().UTC(),
		InstanceID:  ev.InstanceID,
		ServiceName: ev.ServiceName,
		Instance:    ev.Record,
	}
}

// Close shuts down the broker connection. Queued events are abandoned.
func (b *Bridge) Close() error {
	if b.ch != nil {
		b.ch.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

// Published reports events handed to the broker, or counted in no-op mode.
func (b *Bridge) Published() int64 { return b.published.Load() }

// Dropped reports events lost to backpressure or publish failure.
func (b *Bridge) Dropped() int64 { return b.dropped.Load() }
