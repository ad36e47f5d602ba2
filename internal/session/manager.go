// Package session owns the per-client sessions of the bridge: their
// capability sets, their event logs and the idle reaper that is the only
// implicit way a session ends. Transports come and go; a session survives
// them until it is idle for longer than the threshold or explicitly closed.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/provider-bridge/internal/capability"
	"github.com/alexjbarnes/provider-bridge/internal/credential"
	apperrors "github.com/alexjbarnes/provider-bridge/internal/errors"
	"github.com/google/uuid"
)

const (
	DefaultIdleTimeout    = 30 * time.Minute
	DefaultReaperInterval = time.Minute
	DefaultMaxEvents      = 1000
	DefaultMaxStreams     = 32
)

// ErrBadEventID is returned for a last-event id that cannot be parsed,
// names another stream or is newer than anything the stream holds.
var ErrBadEventID = errors.New("bad last event id")

// Options configures a Manager.
type Options struct {
	IdleTimeout    time.Duration
	ReaperInterval time.Duration
	MaxEvents      int
	MaxStreams     int
	Registry       *capability.Registry
	Logger         *slog.Logger
}

// Manager is the session registry. It is safe for concurrent use.
type Manager struct {
	idle      time.Duration
	interval  time.Duration
	maxEvents  int
	maxStreams int
	registry   *capability.Registry
	logger     *slog.Logger
	now        func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a Manager and starts its reaper. Call Stop to end it.
func NewManager(opts Options) *Manager {
	m := newManager(opts)

	m.wg.Add(1)

	go m.reapLoop()

	return m
}

func newManager(opts Options) *Manager {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}

	if opts.ReaperInterval <= 0 {
		opts.ReaperInterval = DefaultReaperInterval
	}

	if opts.MaxEvents <= 0 {
		opts.MaxEvents = DefaultMaxEvents
	}

	if opts.MaxStreams <= 0 {
		opts.MaxStreams = DefaultMaxStreams
	}

	if opts.Registry == nil {
		opts.Registry = capability.DefaultRegistry()
	}

	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	return &Manager{
		idle:       opts.IdleTimeout,
		interval:   opts.ReaperInterval,
		maxEvents:  opts.MaxEvents,
		maxStreams: opts.MaxStreams,
		registry:   opts.Registry,
		logger:     opts.Logger,
		now:        time.Now,
		sessions:   make(map[string]*Session),
		done:       make(chan struct{}),
	}
}

// Stop ends the reaper and destroys every session.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		m.wg.Wait()

		m.mu.Lock()
		defer m.mu.Unlock()

		for id, s := range m.sessions {
			s.destroy()
			delete(m.sessions, id)
		}
	})
}

func (m *Manager) reapLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				m.logger.Info("reaped idle sessions", slog.Int("count", n), slog.Int("remaining", m.Len()))
			}
		}
	}
}

// Sweep destroys every session idle for longer than the threshold and
// returns how many it removed.
func (m *Manager) Sweep() int {
	cutoff := m.now().Add(-m.idle)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0

	for id, s := range m.sessions {
		if s.LastActivity().Before(cutoff) {
			s.destroy()
			delete(m.sessions, id)

			removed++
		}
	}

	return removed
}

// Open creates a session for cred, computing its capabilities once.
func (m *Manager) Open(cred credential.Credential) *Session {
	return m.openWithID(uuid.NewString(), cred)
}

func (m *Manager) openWithID(id string, cred credential.Credential) *Session {
	limits := sessionLimits{maxEvents: m.maxEvents, maxStreams: m.maxStreams}
	s := newSession(id, cred, m.registry.Compute(cred), limits, m.now)

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	m.logger.Info("session opened",
		slog.String("session_id", id),
		slog.Any("providers", cred.Providers()),
		slog.Int("capabilities", s.caps.Len()),
	)

	return s
}

// Get returns a live session and records activity on it.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrSessionNotFound, id)
	}

	s.Touch()

	return s, nil
}

// Resume returns a live session owned by cred and stores cred as its new
// snapshot. The capability set is not recomputed.
func (m *Manager) Resume(id string, cred credential.Credential) (*Session, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}

	if !s.ownedBy(cred) {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrSessionNotFound, id)
	}

	s.rebind(cred)

	return s, nil
}

// Close destroys a session. It reports whether the session existed.
func (m *Manager) Close(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if ok {
		s.destroy()
		m.logger.Info("session closed", slog.String("session_id", id))
	}

	return ok
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.sessions)
}

// HandshakeRequest is what a connecting client presents.
type HandshakeRequest struct {
	SessionID   string `json:"session_id,omitempty"`
	LastEventID string `json:"last_event_id,omitempty"`
}

// Handshake is the outcome of a connection handshake.
type Handshake struct {
	Session *Session
	Resumed bool
	// After is the sequence number replay starts after; -1 replays the
	// whole log.
	After int
	// Purged is set when events after the client's last id were dropped.
	Purged bool
}

// Handshake resumes the presented session when it is live and owned by
// cred, and otherwise falls back to a fresh session.
func (m *Manager) Handshake(cred credential.Credential, req HandshakeRequest) (Handshake, error) {
	after := -1

	if req.LastEventID != "" {
		stream, seq, err := ParseEventID(req.LastEventID)
		if err != nil {
			return Handshake{}, fmt.Errorf("%w: %w", ErrBadEventID, err)
		}

		if stream != DefaultStream {
			return Handshake{}, fmt.Errorf("%w: stream %q", ErrBadEventID, stream)
		}

		after = seq
	}

	if req.SessionID != "" {
		s, err := m.Resume(req.SessionID, cred)
		if err == nil {
			if last := s.Log().LastSeq(); after > last {
				return Handshake{}, fmt.Errorf("%w: %s is newer than %s",
					ErrBadEventID, req.LastEventID, FormatEventID(DefaultStream, last))
			}

			h := Handshake{Session: s, Resumed: true, After: after}
			if after+1 < s.Log().Oldest() {
				h.Purged = true
			}

			m.logger.Info("session resumed",
				slog.String("session_id", s.ID()),
				slog.Int("after", after),
			)

			return h, nil
		}

		if !errors.Is(err, apperrors.ErrSessionNotFound) {
			return Handshake{}, err
		}

		m.logger.Debug("unknown session on handshake, starting fresh", slog.String("session_id", req.SessionID))
	}

	return Handshake{Session: m.Open(cred), After: -1}, nil
}
