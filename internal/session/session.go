package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexjbarnes/provider-bridge/internal/capability"
	"github.com/alexjbarnes/provider-bridge/internal/credential"
)

// Session is the per-client record. Its capability set and owner are
// fixed at creation; its credential snapshot is replaced wholesale when the
// client resumes with a refreshed token.
type Session struct {
	id         string
	owner      string
	caps       capability.Set
	createdAt  time.Time
	maxEvents  int
	maxStreams int
	now        func() time.Time

	cred         atomic.Pointer[credential.Credential]
	lastActivity atomic.Int64

	mu      sync.Mutex
	streams map[string]*EventLog
	// order holds the non-default stream ids, oldest first.
	order []string

	ctx    context.Context
	cancel context.CancelFunc
}

type sessionLimits struct {
	maxEvents  int
	maxStreams int
}

func newSession(id string, cred credential.Credential, caps capability.Set, limits sessionLimits, now func() time.Time) *Session {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		id:         id,
		owner:      cred.Subject(),
		caps:       caps,
		createdAt:  now(),
		maxEvents:  limits.maxEvents,
		maxStreams: limits.maxStreams,
		now:        now,
		streams:    make(map[string]*EventLog),
		ctx:        ctx,
		cancel:     cancel,
	}

	s.cred.Store(&cred)
	s.Touch()

	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Capabilities returns the tools computed when the session was created.
func (s *Session) Capabilities() capability.Set { return s.caps }

// Credential returns the current credential snapshot.
func (s *Session) Credential() credential.Credential { return *s.cred.Load() }

// CreatedAt returns the creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Touch records activity now.
func (s *Session) Touch() {
	s.lastActivity.Store(s.now().UnixNano())
}

// LastActivity returns the time of the most recent activity.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Done is closed when the session is destroyed.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Context is canceled when the session is destroyed.
func (s *Session) Context() context.Context { return s.ctx }

// Stream returns the named event log, creating it on first use. Once more
// than maxStreams non-default streams exist the oldest are dropped; the
// default stream is never dropped.
func (s *Session) Stream(id string) *EventLog {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.streams[id]
	if ok {
		return l
	}

	l = newEventLog(id, s.maxEvents)
	s.streams[id] = l

	if id == DefaultStream {
		return l
	}

	s.order = append(s.order, id)

	if s.maxStreams > 0 && len(s.order) > s.maxStreams {
		drop := len(s.order) - s.maxStreams
		for _, old := range s.order[:drop] {
			delete(s.streams, old)
		}

		s.order = append([]string(nil), s.order[drop:]...)
	}

	return l
}

// lookupStream returns an existing stream.
func (s *Session) lookupStream(id string) (*EventLog, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.streams[id]

	return l, ok
}

// Log returns the default stream.
func (s *Session) Log() *EventLog {
	return s.Stream(DefaultStream)
}

// Emit appends a JSON event to the default stream.
func (s *Session) Emit(typ string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encoding %s event: %w", typ, err)
	}

	ev := s.Log().Append(typ, data)
	s.Touch()

	return ev, nil
}

// ownedBy reports whether cred comes from the sign-in that opened the
// session and still carries every provider of its credential.
func (s *Session) ownedBy(cred credential.Credential) bool {
	if s.owner == "" || cred.Subject() != s.owner {
		return false
	}

	return cred.Has(s.Credential().Providers()...)
}

func (s *Session) rebind(cred credential.Credential) {
	s.cred.Store(&cred)
	s.Touch()
}

func (s *Session) destroy() {
	s.cancel()
}
