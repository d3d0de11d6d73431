package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"battlemap/server/logging"
)

const writeWait = 10 * time.Second

// Hub owns all live client sessions and implements the addressed-send and
// broadcast primitives the synchronization engine relies on. It holds no
// per-session state beyond the connection itself.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]*session
	nextID   atomic.Uint64
	pub      logging.Publisher
	tel      *TelemetryCounters
}

type session struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *session) write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Broadcaster is the distribution surface the engine depends on. Hub is the
// production implementation; tests substitute a recorder.
type Broadcaster interface {
	SendTo(sessionID, event string, payload any)
	Broadcast(event string, payload any)
	BroadcastExcept(event string, payload any, exceptID string)
}

func NewHub(pub logging.Publisher, tel *TelemetryCounters) *Hub {
	if pub == nil {
		pub = logging.NopPublisher()
	}
	if tel == nil {
		tel = NewTelemetryCounters()
	}
	return &Hub{
		sessions: make(map[string]*session),
		pub:      pub,
		tel:      tel,
	}
}

// Register assigns an opaque session handle to a freshly upgraded
// connection and returns it.
func (h *Hub) Register(conn *websocket.Conn) string {
	id := fmt.Sprintf("session-%d", h.nextID.Add(1))
	h.mu.Lock()
	h.sessions[id] = &session{id: id, conn: conn}
	h.mu.Unlock()

	h.pub.Publish(context.Background(), logging.Event{
		Type:     logging.EventSessionConnected,
		Severity: logging.SeverityInfo,
		Category: logging.CategorySession,
		Session:  id,
	})
	return id
}

// Unregister drops the session and closes its connection.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	sub, ok := h.sessions[id]
	if ok {
		delete(h.sessions, id)
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	sub.conn.Close()
	h.pub.Publish(context.Background(), logging.Event{
		Type:     logging.EventSessionDisconnected,
		Severity: logging.SeverityInfo,
		Category: logging.CategorySession,
		Session:  id,
	})
}

// SessionCount reports the number of live sessions for diagnostics.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// SendTo addresses exactly one session.
func (h *Hub) SendTo(sessionID, event string, payload any) {
	data, ok := h.marshal(event, payload)
	if !ok {
		return
	}
	h.mu.Lock()
	sub, found := h.sessions[sessionID]
	h.mu.Unlock()
	if !found {
		return
	}
	h.deliver(sub, data)
}

// Broadcast sends to every connected session.
func (h *Hub) Broadcast(event string, payload any) {
	h.BroadcastExcept(event, payload, "")
}

// BroadcastExcept sends to every connected session but the excluded one,
// the pattern used when the originator already applied the change locally.
func (h *Hub) BroadcastExcept(event string, payload any, exceptID string) {
	data, ok := h.marshal(event, payload)
	if !ok {
		return
	}

	h.mu.Lock()
	subs := make([]*session, 0, len(h.sessions))
	for id, sub := range h.sessions {
		if id == exceptID {
			continue
		}
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		h.deliver(sub, data)
	}
}

func (h *Hub) marshal(event string, payload any) ([]byte, bool) {
	data, err := json.Marshal(outboundEnvelope{Type: event, Data: payload})
	if err != nil {
		h.pub.Publish(context.Background(), logging.Event{
			Type:     logging.EventSessionSendFailed,
			Severity: logging.SeverityError,
			Category: logging.CategorySession,
			Payload:  map[string]any{"event": event, "error": err.Error()},
		})
		return nil, false
	}
	return data, true
}

func (h *Hub) deliver(sub *session, data []byte) {
	if err := sub.write(data); err != nil {
		h.pub.Publish(context.Background(), logging.Event{
			Type:     logging.EventSessionSendFailed,
			Severity: logging.SeverityWarn,
			Category: logging.CategorySession,
			Session:  sub.id,
			Payload:  map[string]any{"error": err.Error()},
		})
		h.Unregister(sub.id)
		return
	}
	h.tel.RecordBroadcast(len(data))
}
