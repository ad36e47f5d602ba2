package session

import (
	"context"
	"fmt"
	"iter"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// mcpEventType tags events written by the MCP transport.
const mcpEventType = "message"

// EventStore lets the MCP streamable transport persist and replay its
// streams in the session event logs. MCP session ids are bridge session
// ids.
type EventStore struct {
	m *Manager
}

var _ mcp.EventStore = (*EventStore)(nil)

// EventStore returns the MCP event store backed by m.
func (m *Manager) EventStore() *EventStore {
	return &EventStore{m: m}
}

// Open implements mcp.EventStore.
func (e *EventStore) Open(_ context.Context, sessionID, streamID string) error {
	s, err := e.m.Get(sessionID)
	if err != nil {
		return err
	}

	s.Stream(streamID)

	return nil
}

// Append implements mcp.EventStore.
func (e *EventStore) Append(_ context.Context, sessionID, streamID string, data []byte) error {
	s, err := e.m.Get(sessionID)
	if err != nil {
		return err
	}

	s.Stream(streamID).Append(mcpEventType, data)

	return nil
}

// After implements mcp.EventStore.
func (e *EventStore) After(_ context.Context, sessionID, streamID string, index int) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		s, err := e.m.Get(sessionID)
		if err != nil {
			yield(nil, err)
			return
		}

		l, ok := s.lookupStream(streamID)
		if !ok {
			yield(nil, fmt.Errorf("%w: stream %s not held by session %s", mcp.ErrEventsPurged, streamID, sessionID))
			return
		}

		events, err := l.After(index)
		if err != nil {
			yield(nil, fmt.Errorf("%w: %w", mcp.ErrEventsPurged, err))
			return
		}

		for _, ev := range events {
			if !yield(ev.Payload, nil) {
				return
			}
		}
	}
}

// SessionClosed implements mcp.EventStore.
func (e *EventStore) SessionClosed(_ context.Context, sessionID string) error {
	e.m.Close(sessionID)
	return nil
}
