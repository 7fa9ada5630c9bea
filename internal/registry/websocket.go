package registry

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

// handleSubscribe upgrades the request and streams change events until the
// client goes away, the subscriber is dropped for falling behind, or the hub
// shuts down. A dropped or drained subscriber receives a going-away close
// frame; the client is expected to reconcile through the pull endpoint before
// reconnecting.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer ws.Close()

	sub := s.hub.Subscribe()
	defer sub.Close()

	s.logger.Info("feed subscriber connected", "remote", r.RemoteAddr)

	// After the upgrade the request context no longer tracks the peer, so a
	// read pump watches for disconnects and keeps pong handling alive.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		ws.SetReadLimit(512)
		_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pings := time.NewTicker(wsPingPeriod)
	defer pings.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("feed subscriber disconnected", "remote", r.RemoteAddr)
			return

		case ev, ok := <-sub.Events():
			if !ok {
				deadline := time.Now().Add(wsWriteWait)
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "resync required"),
					deadline)
				s.logger.Debug("feed subscriber detached", "remote", r.RemoteAddr)
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteJSON(ev); err != nil {
				s.logger.Debug("feed subscriber write failed", "remote", r.RemoteAddr, "error", err)
				return
			}

		case <-pings.C:
			deadline := time.Now().Add(time.Second)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}
