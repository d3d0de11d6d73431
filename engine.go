package server

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"battlemap/server/internal/state"
	"battlemap/server/internal/store"
	"battlemap/server/logging"
)

// Engine interprets inbound client events, mutates the shared state,
// persists the affected record, and issues the matching broadcast. A single
// mutex serializes handlers, so no event ever observes a half-applied
// mutation. Persistence runs inside the critical section and before any
// broadcast; a failed write is logged and counted but never rolled back.
type Engine struct {
	mu    sync.Mutex
	state *state.State
	store *store.Store
	net   Broadcaster
	pub   logging.Publisher
	tel   *TelemetryCounters

	now          func() time.Time
	newID        func() string
	externalBase func() string
}

type EngineConfig struct {
	State        *state.State
	Store        *store.Store
	Net          Broadcaster
	Publisher    logging.Publisher
	Telemetry    *TelemetryCounters
	Clock        func() time.Time
	NewID        func() string
	ExternalBase func() string
}

func NewEngine(cfg EngineConfig) *Engine {
	e := &Engine{
		state:        cfg.State,
		store:        cfg.Store,
		net:          cfg.Net,
		pub:          cfg.Publisher,
		tel:          cfg.Telemetry,
		now:          cfg.Clock,
		newID:        cfg.NewID,
		externalBase: cfg.ExternalBase,
	}
	if e.state == nil {
		e.state = state.New("", nil)
	}
	if e.pub == nil {
		e.pub = logging.NopPublisher()
	}
	if e.tel == nil {
		e.tel = NewTelemetryCounters()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	if e.externalBase == nil {
		e.externalBase = func() string { return "http://" + LocalIP() + ":9000" }
	}
	return e
}

// Dispatch routes one named client event to its handler.
func (e *Engine) Dispatch(sessionID, event string, data json.RawMessage) {
	e.tel.RecordEvent()
	switch event {
	case "request_initial_state":
		e.handleRequestInitialState(sessionID)
	case "move_token":
		e.handleMoveToken(sessionID, data)
	case "add_token":
		e.handleAddToken(sessionID, data)
	case "remove_token":
		e.handleRemoveToken(sessionID, data)
	case "change_map":
		e.handleChangeMap(sessionID, data)
	case "request_current_map":
		e.handleRequestCurrentMap(sessionID)
	case "clear_all_tokens":
		e.handleClearAllTokens(sessionID)
	default:
		e.pub.Publish(context.Background(), logging.Event{
			Type:     logging.EventProtocolUnknown,
			Severity: logging.SeverityWarn,
			Category: logging.CategorySession,
			Session:  sessionID,
			Payload:  map[string]any{"event": event},
		})
	}
}

// handleRequestInitialState replies to the requester alone with the full
// aggregate. Tokens that somehow lack an identifier are repaired first.
func (e *Engine) handleRequestInitialState(sessionID string) {
	e.mu.Lock()
	for _, t := range e.state.Tokens {
		if t.ID == "" {
			t.ID = e.newID()
			e.pub.Publish(context.Background(), logging.Event{
				Type:     logging.EventTokenRecovered,
				Severity: logging.SeverityWarn,
				Category: logging.CategoryState,
				Payload:  map[string]any{"id": t.ID, "reason": "missing identifier"},
			})
		}
	}
	tokens := e.state.SnapshotTokens()
	var mapRef *string
	if e.state.Map != "" {
		busted := e.cacheBust(e.state.Map)
		mapRef = &busted
	}
	e.mu.Unlock()

	e.net.SendTo(sessionID, "initial_state", initialStatePayload{Tokens: tokens, Map: mapRef})
}

// handleMoveToken updates an existing token's position, or materializes the
// token when the server does not know it. The auto-recovery branch repairs
// divergence after a restart: a client still holding a token reference must
// not have its move rejected.
func (e *Engine) handleMoveToken(sessionID string, data json.RawMessage) {
	var incoming state.Token
	if err := json.Unmarshal(data, &incoming); err != nil || incoming.ID == "" {
		e.rejectMalformed(sessionID, "move_token", data)
		return
	}

	e.mu.Lock()
	existing := e.state.FindToken(incoming.ID)
	var added *state.Token
	if existing != nil {
		existing.X = incoming.X
		existing.Y = incoming.Y
	} else {
		incoming.ApplyDefaults()
		recovered := incoming.Clone()
		e.state.Tokens = append(e.state.Tokens, recovered)
		added = recovered.Clone()
	}
	e.saveTokensLocked()
	e.mu.Unlock()

	if added != nil {
		e.pub.Publish(context.Background(), logging.Event{
			Type:     logging.EventTokenRecovered,
			Severity: logging.SeverityWarn,
			Category: logging.CategoryState,
			Session:  sessionID,
			Payload:  map[string]any{"id": added.ID},
		})
		e.net.Broadcast("token_added", added)
		e.net.BroadcastExcept("token_moved", json.RawMessage(data), sessionID)
		return
	}

	e.pub.Publish(context.Background(), logging.Event{
		Type:     logging.EventTokenMoved,
		Severity: logging.SeverityDebug,
		Category: logging.CategoryState,
		Session:  sessionID,
		Payload:  map[string]any{"id": incoming.ID, "x": incoming.X, "y": incoming.Y},
	})
	e.net.BroadcastExcept("token_moved", json.RawMessage(data), sessionID)
}

// handleAddToken appends a new token, or merges the payload into the
// existing one when the identifier is already taken (a reconnecting client
// resynchronizing its local state).
func (e *Engine) handleAddToken(sessionID string, data json.RawMessage) {
	var incoming state.Token
	if err := json.Unmarshal(data, &incoming); err != nil || incoming.ID == "" {
		e.rejectMalformed(sessionID, "add_token", data)
		return
	}

	e.mu.Lock()
	existing := e.state.FindToken(incoming.ID)
	if existing != nil {
		existing.Merge(&incoming, state.PresentKeys(data))
		e.mu.Unlock()

		e.pub.Publish(context.Background(), logging.Event{
			Type:     logging.EventTokenUpdated,
			Severity: logging.SeverityInfo,
			Category: logging.CategoryState,
			Session:  sessionID,
			Payload:  map[string]any{"id": incoming.ID},
		})
		e.net.BroadcastExcept("token_updated", json.RawMessage(data), sessionID)
		return
	}

	incoming.ApplyDefaults()
	appended := incoming.Clone()
	e.state.Tokens = append(e.state.Tokens, appended)
	e.saveTokensLocked()
	snapshot := appended.Clone()
	e.mu.Unlock()

	e.pub.Publish(context.Background(), logging.Event{
		Type:     logging.EventTokenAdded,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryState,
		Session:  sessionID,
		Payload:  map[string]any{"id": snapshot.ID},
	})
	e.net.BroadcastExcept("token_added", snapshot, sessionID)
}

// handleRemoveToken drops the token; unknown identifiers are a strict
// no-op with no broadcast and no persistence write.
func (e *Engine) handleRemoveToken(sessionID string, data json.RawMessage) {
	var payload removeTokenPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.ID == "" {
		e.rejectMalformed(sessionID, "remove_token", data)
		return
	}

	e.mu.Lock()
	removed := e.state.RemoveToken(payload.ID)
	if removed {
		e.saveTokensLocked()
	}
	e.mu.Unlock()

	if !removed {
		return
	}

	e.pub.Publish(context.Background(), logging.Event{
		Type:     logging.EventTokenRemoved,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryState,
		Session:  sessionID,
		Payload:  map[string]any{"id": payload.ID},
	})
	e.net.BroadcastExcept("token_removed", json.RawMessage(data), sessionID)
}

// handleChangeMap replaces the map reference wholesale. Inline image
// payloads are extracted to disk first; on extraction failure nothing
// changes and nothing is broadcast.
func (e *Engine) handleChangeMap(sessionID string, data json.RawMessage) {
	var payload changeMapPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.Map == nil || *payload.Map == "" {
		e.rejectMalformed(sessionID, "change_map", data)
		return
	}
	value := *payload.Map

	if strings.HasPrefix(value, "data:image/") {
		if e.store == nil {
			e.rejectMalformed(sessionID, "change_map", data)
			return
		}
		e.mu.Lock()
		relative, err := e.store.ExtractMapImage(value)
		if err != nil {
			e.mu.Unlock()
			e.rejectMalformed(sessionID, "change_map", data)
			return
		}
		e.state.Map = relative
		e.saveMapLocked(relative)
		broadcastURL := e.absoluteURL(relative)
		e.mu.Unlock()

		e.publishMapChanged(sessionID, broadcastURL)
		e.net.Broadcast("map_changed", mapChangedPayload{Map: broadcastURL})
		return
	}

	e.mu.Lock()
	e.state.Map = value
	e.saveMapLocked(value)
	broadcastURL := e.cacheBust(value)
	e.mu.Unlock()

	e.publishMapChanged(sessionID, broadcastURL)
	e.net.Broadcast("map_changed", mapChangedPayload{Map: broadcastURL})
}

// handleRequestCurrentMap answers the requester alone: the current map with
// an absolutized, cache-busted URL, or no_map_available when none is set.
func (e *Engine) handleRequestCurrentMap(sessionID string) {
	e.mu.Lock()
	mapRef := e.state.Map
	e.mu.Unlock()

	if mapRef == "" {
		e.net.SendTo(sessionID, "no_map_available", emptyPayload{})
		return
	}

	url := e.cacheBust(mapRef)
	if !hasScheme(mapRef) {
		url = e.absoluteURL(mapRef)
	}
	e.pub.Publish(context.Background(), logging.Event{
		Type:     logging.EventMapRequested,
		Severity: logging.SeverityDebug,
		Category: logging.CategoryState,
		Session:  sessionID,
		Payload:  map[string]any{"map": url},
	})
	e.net.SendTo(sessionID, "map_changed", mapChangedPayload{Map: url})
}

// handleClearAllTokens empties the token set unconditionally.
func (e *Engine) handleClearAllTokens(sessionID string) {
	e.mu.Lock()
	e.state.Tokens = make([]*state.Token, 0)
	e.saveTokensLocked()
	e.mu.Unlock()

	e.pub.Publish(context.Background(), logging.Event{
		Type:     logging.EventTokensCleared,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryState,
		Session:  sessionID,
	})
	e.net.BroadcastExcept("all_tokens_cleared", emptyPayload{}, sessionID)
}

// State exposes the aggregate for read-only inspection under the engine
// lock; callers must not retain the pointer across events.
func (e *Engine) State() *state.State {
	return e.state
}

// TokenCount reports the token total for diagnostics without exposing the
// aggregate outside the lock.
func (e *Engine) TokenCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.state.Tokens)
}

func (e *Engine) saveTokensLocked() {
	if e.store == nil {
		return
	}
	if err := e.store.SaveTokens(e.state.Tokens); err != nil {
		e.tel.IncrementPersistFailure()
	}
}

func (e *Engine) saveMapLocked(ref string) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveMap(ref); err != nil {
		e.tel.IncrementPersistFailure()
	}
}

func (e *Engine) rejectMalformed(sessionID, event string, data json.RawMessage) {
	e.tel.IncrementMalformed()
	detail := string(data)
	// Inline image payloads can run to megabytes; keep the log line short.
	if len(detail) > 256 {
		detail = detail[:256] + "..."
	}
	e.pub.Publish(context.Background(), logging.Event{
		Type:     logging.EventProtocolMalformed,
		Severity: logging.SeverityWarn,
		Category: logging.CategorySession,
		Session:  sessionID,
		Payload:  map[string]any{"event": event, "data": detail},
	})
}

func (e *Engine) publishMapChanged(sessionID, url string) {
	e.pub.Publish(context.Background(), logging.Event{
		Type:     logging.EventMapChanged,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryState,
		Session:  sessionID,
		Payload:  map[string]any{"map": url},
	})
}

// cacheBust appends a timestamp query so browsers reload an image whose URL
// is unchanged but whose content is new.
func (e *Engine) cacheBust(url string) string {
	return url + "?t=" + formatUnix(e.now())
}

// absoluteURL rewrites a server-relative path into a URL reachable from
// other devices on the local network, cache-busted.
func (e *Engine) absoluteURL(relative string) string {
	return e.externalBase() + relative + "?t=" + formatUnix(e.now())
}

func hasScheme(url string) bool {
	return strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")
}

func formatUnix(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}
