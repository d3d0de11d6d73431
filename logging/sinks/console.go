package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"

	"battlemap/server/logging"
)

// Console writes one human-readable line per event.
type Console struct {
	logger *log.Logger
}

func NewConsole(w io.Writer) *Console {
	return &Console{logger: log.New(w, "", log.LstdFlags)}
}

func (s *Console) Write(event logging.Event) error {
	if s.logger == nil {
		return nil
	}
	s.logger.Printf("[%s] severity=%s%s%s", event.Type, event.Severity, formatSession(event.Session), formatPayload(event.Payload))
	return nil
}

func (s *Console) Close(context.Context) error {
	return nil
}

func formatSession(session string) string {
	if session == "" {
		return ""
	}
	return fmt.Sprintf(" session=%s", session)
}

func formatPayload(payload any) string {
	if payload == nil {
		return ""
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf(" payload=%v", payload)
	}
	return fmt.Sprintf(" payload=%s", data)
}
