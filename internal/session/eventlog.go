package session

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	apperrors "github.com/alexjbarnes/provider-bridge/internal/errors"
)

// DefaultStream is the stream served by the session SSE and WebSocket
// endpoints. Stream ids never contain an underscore.
const DefaultStream = "events"

// Event is one entry of a stream. Seq starts at 0 and increases by one per
// append; ID is "{stream}_{seq}".
type Event struct {
	ID      string `json:"id"`
	Stream  string `json:"-"`
	Seq     int    `json:"-"`
	Type    string `json:"type"`
	Payload []byte `json:"-"`
}

// FormatEventID renders an event id.
func FormatEventID(stream string, seq int) string {
	return stream + "_" + strconv.Itoa(seq)
}

// ParseEventID splits an event id into its stream and sequence number.
func ParseEventID(id string) (string, int, error) {
	stream, seqText, ok := strings.Cut(id, "_")
	if !ok || stream == "" || strings.Contains(seqText, "_") {
		return "", 0, fmt.Errorf("malformed event id %q", id)
	}

	seq, err := strconv.Atoi(seqText)
	if err != nil || seq < 0 {
		return "", 0, fmt.Errorf("malformed event id %q", id)
	}

	return stream, seq, nil
}

// EventLog is an append-only, bounded stream of events. When more than max
// events are held the oldest are dropped, and replay from before the
// retained window fails with ErrEventsPurged.
type EventLog struct {
	stream string
	max    int

	mu     sync.Mutex
	first  int
	events []Event
	wake   chan struct{}
}

func newEventLog(stream string, max int) *EventLog {
	return &EventLog{stream: stream, max: max, wake: make(chan struct{})}
}

// Stream returns the stream id.
func (l *EventLog) Stream() string {
	return l.stream
}

// Append adds an event and wakes every waiter.
func (l *EventLog) Append(typ string, payload []byte) Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq := l.first + len(l.events)
	ev := Event{
		ID:      FormatEventID(l.stream, seq),
		Stream:  l.stream,
		Seq:     seq,
		Type:    typ,
		Payload: append([]byte(nil), payload...),
	}

	l.events = append(l.events, ev)

	if l.max > 0 && len(l.events) > l.max {
		drop := len(l.events) - l.max
		kept := make([]Event, l.max)
		copy(kept, l.events[drop:])
		l.events = kept
		l.first += drop
	}

	close(l.wake)
	l.wake = make(chan struct{})

	return ev
}

// After returns the events with a sequence number greater than seq, in
// order. A seq of -1 asks for everything.
func (l *EventLog) After(seq int) ([]Event, error) {
	events, _, err := l.Next(seq)
	return events, err
}

// Next is After plus a channel that closes on the next append. Reading
// both under one lock means no append can slip between them. A seq newer
// than the last appended event fails with ErrBadEventID.
func (l *EventLog) Next(seq int) ([]Event, <-chan struct{}, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := seq + 1
	if next < l.first {
		return nil, l.wake, fmt.Errorf("%w: %s after %d, oldest is %d",
			apperrors.ErrEventsPurged, l.stream, seq, l.first)
	}

	idx := next - l.first
	if idx > len(l.events) {
		return nil, l.wake, fmt.Errorf("%w: %s after %d, newest is %d",
			ErrBadEventID, l.stream, seq, l.first+len(l.events)-1)
	}

	if idx == len(l.events) {
		return nil, l.wake, nil
	}

	out := make([]Event, len(l.events)-idx)
	copy(out, l.events[idx:])

	return out, l.wake, nil
}

// LastSeq returns the sequence number of the newest event, or -1.
func (l *EventLog) LastSeq() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.first + len(l.events) - 1
}

// Oldest returns the sequence number of the oldest retained event.
func (l *EventLog) Oldest() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.first
}
