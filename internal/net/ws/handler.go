// Package ws upgrades HTTP requests into battle-map protocol sessions and
// pumps inbound events into the synchronization engine.
package ws

import (
	"context"
	"encoding/json"
	nethttp "net/http"

	"github.com/gorilla/websocket"

	server "battlemap/server"
	"battlemap/server/logging"
)

type clientEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Handler coordinates one websocket session per connection.
type Handler struct {
	hub      *server.Hub
	engine   *server.Engine
	pub      logging.Publisher
	upgrader websocket.Upgrader
}

func NewHandler(hub *server.Hub, engine *server.Engine, pub logging.Publisher) *Handler {
	if pub == nil {
		pub = logging.NopPublisher()
	}
	return &Handler{
		hub:    hub,
		engine: engine,
		pub:    pub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Clients may be served from another origin on the LAN.
			CheckOrigin: func(r *nethttp.Request) bool {
				return true
			},
		},
	}
}

// Handle upgrades the request and runs the read loop until the client goes
// away. Malformed frames are discarded; the session survives them.
func (h *Handler) Handle(w nethttp.ResponseWriter, r *nethttp.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.pub.Publish(context.Background(), logging.Event{
			Type:     logging.EventSessionSendFailed,
			Severity: logging.SeverityWarn,
			Category: logging.CategorySession,
			Payload:  map[string]any{"error": err.Error(), "stage": "upgrade"},
		})
		return
	}

	id := h.hub.Register(conn)
	defer h.hub.Unregister(id)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg clientEnvelope
		if err := json.Unmarshal(payload, &msg); err != nil || msg.Type == "" {
			h.pub.Publish(context.Background(), logging.Event{
				Type:     logging.EventProtocolMalformed,
				Severity: logging.SeverityWarn,
				Category: logging.CategorySession,
				Session:  id,
				Payload:  map[string]any{"error": "undecodable frame"},
			})
			continue
		}

		h.engine.Dispatch(id, msg.Type, msg.Data)
	}
}
