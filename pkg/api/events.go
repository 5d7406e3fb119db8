package api

import (
	"net/http"
	"time"

	"github.com/apiaryhq/apiary/pkg/metrics"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The gateway is same-host infrastructure; the canvas connects from
	// arbitrary origins during development.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleEvents upgrades to a websocket and pumps broker events to the
// client as JSON frames. A subscriber that falls behind the broker's queue
// is dropped; its channel closes and the socket closes with it, which is
// the client's signal to reconnect.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	broker := s.orch.Broker()
	sub := broker.Subscribe()
	metrics.EventSubscribers.Inc()
	defer func() {
		broker.Unsubscribe(sub)
		metrics.EventSubscribers.Dec()
		conn.Close()
	}()

	// Read pump: we never expect client frames, but reading drives control
	// message handling and detects the peer going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				if sub.Dropped() {
					metrics.EventsDroppedSubscribers.Inc()
					s.logger.Warn().Msg("event subscriber dropped: queue overflow")
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "resubscribe"))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
