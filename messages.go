package server

import (
	"battlemap/server/internal/state"
)

// outboundEnvelope frames every server-to-client message.
type outboundEnvelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type initialStatePayload struct {
	Tokens []*state.Token `json:"tokens"`
	Map    *string        `json:"map"`
}

type mapChangedPayload struct {
	Map string `json:"map"`
}

type removeTokenPayload struct {
	ID string `json:"id"`
}

type changeMapPayload struct {
	Map *string `json:"map"`
}

type emptyPayload struct{}
