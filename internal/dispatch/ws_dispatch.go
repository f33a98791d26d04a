// Package dispatch forwards coordinator snapshots to local consumers: browser
// views over websocket and an optional webhook.
package dispatch

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/carpool-coordinator/internal/coordinator"
	"github.com/example/carpool-coordinator/internal/logging"
	"github.com/example/carpool-coordinator/internal/observability"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 8
)

// Message is the envelope written to every websocket client.
type Message struct {
	Type      string               `json:"type"`
	Payload   coordinator.Snapshot `json:"payload"`
	Timestamp time.Time            `json:"timestamp"`
}

type wsSession struct {
	conn *websocket.Conn
	send chan []byte
}

// WSHub broadcasts snapshots to connected websocket clients. A client that
// falls sendBuffer messages behind is disconnected.
type WSHub struct {
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[*wsSession]struct{}
	last     []byte
}

func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{logger: logging.OrDefault(logger), sessions: make(map[*wsSession]struct{})}
}

// Add registers conn and sends it the latest snapshot, if any. The hub owns
// conn from here on.
func (h *WSHub) Add(conn *websocket.Conn) {
	s := &wsSession{conn: conn, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	if h.last != nil {
		s.send <- h.last
	}
	n := len(h.sessions)
	h.mu.Unlock()
	observability.ObserversConnected.Inc()
	h.logger.Info("ws_observer_connected", "remote", conn.RemoteAddr().String(), "observers", n)

	go h.writePump(s)
	go h.readPump(s)
}

// Publish implements coordinator.Observer. It never blocks.
func (h *WSHub) Publish(snap coordinator.Snapshot) {
	b, err := json.Marshal(Message{Type: "snapshot", Payload: snap, Timestamp: time.Now().UTC()})
	if err != nil {
		h.logger.Error("ws_marshal_failed", "error", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = b
	for s := range h.sessions {
		select {
		case s.send <- b:
		default:
			h.logger.Warn("ws_observer_dropped", "remote", s.conn.RemoteAddr().String())
			h.removeLocked(s)
		}
	}
}

// Len reports the number of connected clients.
func (h *WSHub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Close disconnects every client.
func (h *WSHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.sessions {
		h.removeLocked(s)
	}
}

func (h *WSHub) remove(s *wsSession) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(s)
}

func (h *WSHub) removeLocked(s *wsSession) {
	if _, ok := h.sessions[s]; !ok {
		return
	}
	delete(h.sessions, s)
	close(s.send)
	observability.ObserversConnected.Dec()
}

func (h *WSHub) writePump(s *wsSession) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.remove(s)
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(s)
				return
			}
		}
	}
}

// readPump discards client frames; it exists to notice disconnects and to
// answer pings.
func (h *WSHub) readPump(s *wsSession) {
	defer h.remove(s)
	s.conn.SetReadLimit(512)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("ws_read_failed", "error", err)
			}
			return
		}
	}
}
