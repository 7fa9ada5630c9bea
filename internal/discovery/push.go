package discovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/weftmesh/weftmesh/internal/mesh"
)

const (
	pushReadWait    = 90 * time.Second
	pushMaxBackoff  = 30 * time.Second
	pushStableAfter = 30 * time.Second
)

// PushConsumer subscribes to the registry websocket feed and hands events to
// the cache's batch applier. Delivery is best-effort: any disconnect is
// retried with capped backoff, and the pull loop covers whatever was missed
// in between.
type PushConsumer struct {
	url    string
	cache  *Cache
	logger *slog.Logger
	dialer *websocket.Dialer
}

// NewPushConsumer creates a consumer for the given ws:// or wss:// URL.
func NewPushConsumer(url string, cache *Cache, logger *slog.Logger) *PushConsumer {
	return &PushConsumer{
		url:    url,
		cache:  cache,
		logger: logger,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Run keeps one feed connection alive until ctx is cancelled.
func (p *PushConsumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		started := time.Now()
		err := p.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(started) > pushStableAfter {
			backoff = time.Second
		}

		p.logger.Warn("push feed disconnected", "url", p.url, "error", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > pushMaxBackoff {
			backoff = pushMaxBackoff
		}
	}
}

func (p *PushConsumer) consume(ctx context.Context) error {
	conn, _, err := p.dialer.DialContext(ctx, p.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	p.logger.Info("push feed connected", "url", p.url)

	// ReadJSON has no context; closing the connection unblocks it.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	// The server pings on an interval well inside this deadline, so a silent
	// connection means a dead one.
	_ = conn.SetReadDeadline(time.Now().Add(pushReadWait))
	conn.SetPingHandler(func(payload string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pushReadWait))
		return conn.WriteControl(websocket.PongMessage, []byte(payload), time.Now().Add(time.Second))
	})

	for {
		var ev mesh.ServiceChangeEvent
		if err := conn.ReadJSON(&ev); err != nil {
			return err
		}
		p.cache.Enqueue(ev)
	}
}
