package server

import "sync/atomic"

// TelemetryCounters tracks protocol and persistence activity for the
// diagnostics endpoint. All counters are safe for concurrent use.
type TelemetryCounters struct {
	eventsHandled      atomic.Uint64
	broadcastsSent     atomic.Uint64
	bytesSent          atomic.Uint64
	lastBroadcastBytes atomic.Uint64
	persistFailures    atomic.Uint64
	malformedEvents    atomic.Uint64
}

type TelemetrySnapshot struct {
	EventsHandled      uint64 `json:"eventsHandled"`
	BroadcastsSent     uint64 `json:"broadcastsSent"`
	BytesSent          uint64 `json:"bytesSent"`
	LastBroadcastBytes uint64 `json:"lastBroadcastBytes"`
	PersistFailures    uint64 `json:"persistFailures"`
	MalformedEvents    uint64 `json:"malformedEvents"`
}

func NewTelemetryCounters() *TelemetryCounters {
	return &TelemetryCounters{}
}

func (t *TelemetryCounters) RecordEvent() {
	t.eventsHandled.Add(1)
}

func (t *TelemetryCounters) RecordBroadcast(bytes int) {
	if bytes < 0 {
		bytes = 0
	}
	t.broadcastsSent.Add(1)
	t.bytesSent.Add(uint64(bytes))
	t.lastBroadcastBytes.Store(uint64(bytes))
}

func (t *TelemetryCounters) IncrementPersistFailure() {
	t.persistFailures.Add(1)
}

func (t *TelemetryCounters) IncrementMalformed() {
	t.malformedEvents.Add(1)
}

func (t *TelemetryCounters) Snapshot() TelemetrySnapshot {
	return TelemetrySnapshot{
		EventsHandled:      t.eventsHandled.Load(),
		BroadcastsSent:     t.broadcastsSent.Load(),
		BytesSent:          t.bytesSent.Load(),
		LastBroadcastBytes: t.lastBroadcastBytes.Load(),
		PersistFailures:    t.persistFailures.Load(),
		MalformedEvents:    t.malformedEvents.Load(),
	}
}
