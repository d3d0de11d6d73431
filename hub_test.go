package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type hubFixture struct {
	hub    *Hub
	server *httptest.Server

	mu       sync.Mutex
	assigned []string
}

// newHubFixture stands up a real upgrade endpoint so broadcasts travel over
// actual websocket connections.
func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	f := &hubFixture{hub: NewHub(nil, nil)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		id := f.hub.Register(conn)
		f.mu.Lock()
		f.assigned = append(f.assigned, id)
		f.mu.Unlock()
	}))
	t.Cleanup(f.server.Close)
	return f
}

// dial connects one client and returns the connection plus the session
// handle the hub assigned to it.
func (f *hubFixture) dial(t *testing.T) (*websocket.Conn, string) {
	t.Helper()
	f.mu.Lock()
	before := len(f.assigned)
	f.mu.Unlock()

	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for {
		f.mu.Lock()
		n := len(f.assigned)
		f.mu.Unlock()
		if n > before {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session was never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.mu.Lock()
	id := f.assigned[len(f.assigned)-1]
	f.mu.Unlock()
	return conn, id
}

func readEnvelope(t *testing.T, conn *websocket.Conn) (string, json.RawMessage) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var msg struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("malformed envelope %s: %v", data, err)
	}
	return msg.Type, msg.Data
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, data, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected no message, got %s", data)
	}
}

func TestHubSendTo_AddressesOneSession(t *testing.T) {
	f := newHubFixture(t)
	first, firstID := f.dial(t)
	second, _ := f.dial(t)

	f.hub.SendTo(firstID, "initial_state", map[string]any{"tokens": []any{}})

	event, _ := readEnvelope(t, first)
	if event != "initial_state" {
		t.Fatalf("expected initial_state, got %q", event)
	}
	expectSilence(t, second)
}

func TestHubSendTo_UnknownSessionIsNoop(t *testing.T) {
	f := newHubFixture(t)
	conn, _ := f.dial(t)

	f.hub.SendTo("session-999", "initial_state", map[string]any{})

	expectSilence(t, conn)
}

func TestHubBroadcast_ReachesEverySession(t *testing.T) {
	f := newHubFixture(t)
	first, _ := f.dial(t)
	second, _ := f.dial(t)

	f.hub.Broadcast("map_changed", map[string]string{"map": "https://host/x.png"})

	for _, conn := range []*websocket.Conn{first, second} {
		event, data := readEnvelope(t, conn)
		if event != "map_changed" {
			t.Fatalf("expected map_changed, got %q", event)
		}
		var payload map[string]string
		if err := json.Unmarshal(data, &payload); err != nil {
			t.Fatalf("bad payload: %v", err)
		}
		if payload["map"] != "https://host/x.png" {
			t.Fatalf("unexpected payload: %v", payload)
		}
	}
}

func TestHubBroadcastExcept_SkipsOriginator(t *testing.T) {
	f := newHubFixture(t)
	origin, originID := f.dial(t)
	other, _ := f.dial(t)

	f.hub.BroadcastExcept("token_moved", map[string]any{"id": "t1", "x": 1, "y": 2}, originID)

	event, _ := readEnvelope(t, other)
	if event != "token_moved" {
		t.Fatalf("expected token_moved, got %q", event)
	}
	expectSilence(t, origin)
}

func TestHubUnregister_DropsSession(t *testing.T) {
	f := newHubFixture(t)
	conn, id := f.dial(t)

	if got := f.hub.SessionCount(); got != 1 {
		t.Fatalf("expected one session, got %d", got)
	}
	f.hub.Unregister(id)
	if got := f.hub.SessionCount(); got != 0 {
		t.Fatalf("expected zero sessions after unregister, got %d", got)
	}

	// The connection is closed server-side; the next read must fail.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected closed connection")
	}

	// Double unregister must be harmless.
	f.hub.Unregister(id)
}

func TestHubBroadcast_EvictsDeadSessions(t *testing.T) {
	f := newHubFixture(t)
	dead, _ := f.dial(t)
	live, _ := f.dial(t)

	dead.Close()
	// Two writes: the first may still land in OS buffers, the second
	// observes the failure and evicts the session.
	deadline := time.Now().Add(2 * time.Second)
	for f.hub.SessionCount() > 1 {
		if time.Now().After(deadline) {
			t.Fatalf("dead session never evicted, count=%d", f.hub.SessionCount())
		}
		f.hub.Broadcast("token_moved", map[string]any{"id": "t1"})
		time.Sleep(10 * time.Millisecond)
	}

	// The live session still receives messages.
	found := false
	for i := 0; i < 10 && !found; i++ {
		event, _ := readEnvelope(t, live)
		if event == "token_moved" {
			found = true
		}
	}
	if !found {
		t.Fatalf("live session stopped receiving broadcasts")
	}
}

func TestHubSessionIDsAreDistinct(t *testing.T) {
	f := newHubFixture(t)
	_, first := f.dial(t)
	_, second := f.dial(t)

	if first == second {
		t.Fatalf("duplicate session handles: %q", first)
	}
	if !strings.HasPrefix(first, "session-") || !strings.HasPrefix(second, "session-") {
		t.Fatalf("unexpected handle format: %q %q", first, second)
	}
}
