package logging

// Event types emitted by the synchronization server. Names follow
// category.action so sinks can be filtered with a prefix match.
const (
	EventSessionConnected    EventType = "session.connected"
	EventSessionDisconnected EventType = "session.disconnected"
	EventSessionSendFailed   EventType = "session.send_failed"

	EventTokenAdded     EventType = "token.added"
	EventTokenMoved     EventType = "token.moved"
	EventTokenUpdated   EventType = "token.updated"
	EventTokenRemoved   EventType = "token.removed"
	EventTokenRecovered EventType = "token.recovered"
	EventTokensCleared  EventType = "tokens.cleared"

	EventMapChanged   EventType = "map.changed"
	EventMapRequested EventType = "map.requested"

	EventStorageSaveFailed    EventType = "storage.save_failed"
	EventStorageLoadFailed    EventType = "storage.load_failed"
	EventStorageImageStored   EventType = "storage.image_stored"
	EventStorageImageRejected EventType = "storage.image_rejected"

	EventProtocolMalformed EventType = "protocol.malformed"
	EventProtocolUnknown   EventType = "protocol.unknown_event"

	EventServerStarted EventType = "server.started"
)
