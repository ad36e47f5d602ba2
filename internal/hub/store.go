// Package hub is the connection hub: a short-lived, per-browser-session
// state machine that collects provider tokens in any order and collapses
// them into one credential when the user finishes.
package hub

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/alexjbarnes/provider-bridge/internal/connect"
	"github.com/alexjbarnes/provider-bridge/internal/credential"
	"github.com/alexjbarnes/provider-bridge/internal/models"
)

// CookieName carries the browser session id.
const CookieName = "bridge_hub"

// DefaultTTL bounds how long an unfinished browser session lives.
const DefaultTTL = 15 * time.Minute

var (
	ErrNoSession       = errors.New("no hub session for this browser")
	ErrNoClientRequest = errors.New("no client authorization in progress")
	ErrNothingToFinish = errors.New("connect at least one provider first")
	ErrUnknownState    = errors.New("unknown or expired state")
	ErrNotEnabled      = errors.New("provider is not enabled")
)

// ClientRequest is the pending client-facing authorization, captured at
// /authorize and replayed when the hub is finalized.
type ClientRequest struct {
	Code          string
	ClientID      string
	RedirectURI   string
	State         string
	CodeChallenge string
	Scope         string
}

// Phase is the hub state machine position.
type Phase int

const (
	Empty Phase = iota
	Partial
	Ready
)

func (p Phase) String() string {
	switch p {
	case Empty:
		return "empty"
	case Partial:
		return "partial"
	case Ready:
		return "ready"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Status is a read-only view of one browser session.
type Status struct {
	Phase      Phase
	Connected  []string
	Missing    []string
	HasRequest bool
}

type state struct {
	tokens    map[string]models.StandardToken
	pending   map[string]connect.Pending
	request   *ClientRequest
	expiresAt time.Time
}

// Options configures a Store.
type Options struct {
	Providers []string
	TTL       time.Duration
	Secure    bool
	Logger    *slog.Logger
}

// Store holds hub state for every live browser session. Entries are
// removed on finalize or reaped after TTL.
type Store struct {
	mu      sync.Mutex
	states  map[string]*state
	enabled map[string]bool
	names   []string
	ttl     time.Duration
	secure  bool
	logger  *slog.Logger
	now     func() time.Time
	stopGC  chan struct{}
	stopped sync.Once
}

// NewStore creates a Store and starts its reaper.
func NewStore(opts Options) *Store {
	s := &Store{
		states:  make(map[string]*state),
		enabled: make(map[string]bool, len(opts.Providers)),
		ttl:     opts.TTL,
		secure:  opts.Secure,
		logger:  opts.Logger,
		now:     time.Now,
		stopGC:  make(chan struct{}),
	}

	if s.ttl <= 0 {
		s.ttl = DefaultTTL
	}

	for _, name := range opts.Providers {
		if !s.enabled[name] {
			s.enabled[name] = true
			s.names = append(s.names, name)
		}
	}

	sort.Strings(s.names)

	go s.gcLoop()

	return s
}

// Stop terminates the reaper.
func (s *Store) Stop() {
	s.stopped.Do(func() { close(s.stopGC) })
}

func (s *Store) gcLoop() {
	interval := s.ttl / 2
	if interval > time.Minute {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep drops expired browser sessions and returns how many were removed.
func (s *Store) Sweep() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0

	for id, st := range s.states {
		if now.After(st.expiresAt) {
			delete(s.states, id)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("hub: reaped abandoned sessions", slog.Int("count", removed))
	}

	return removed
}

// Enabled returns the enabled provider names in sorted order.
func (s *Store) Enabled() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)

	return out
}

func (s *Store) cookieID(r *http.Request) string {
	c, err := r.Cookie(CookieName)
	if err != nil {
		return ""
	}

	return c.Value
}

// lookup returns the live state for r. Callers hold s.mu.
func (s *Store) lookup(r *http.Request) (string, *state) {
	id := s.cookieID(r)
	if id == "" {
		return "", nil
	}

	st, ok := s.states[id]
	if !ok || s.now().After(st.expiresAt) {
		return id, nil
	}

	return id, st
}

// ensure returns the state for r, creating a browser session and setting
// its cookie when none is live. Callers hold s.mu.
func (s *Store) ensure(w http.ResponseWriter, r *http.Request) *state {
	if _, st := s.lookup(r); st != nil {
		st.expiresAt = s.now().Add(s.ttl)
		return st
	}

	id := randomHex(32)
	st := &state{
		tokens:    make(map[string]models.StandardToken),
		pending:   make(map[string]connect.Pending),
		expiresAt: s.now().Add(s.ttl),
	}
	s.states[id] = st

	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(s.ttl.Seconds()),
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})

	return st
}

// Begin records the client request for this browser, starting a hub
// session when needed. A new request replaces any earlier one; providers
// already connected in this browser stay connected.
func (s *Store) Begin(w http.ResponseWriter, r *http.Request, req ClientRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.ensure(w, r)
	st.request = &req
}

// PutPending records an in-flight provider exchange. It requires a
// client request so the flow always ends with a client to hand back to.
func (s *Store) PutPending(w http.ResponseWriter, r *http.Request, p connect.Pending) error {
	if !s.enabled[p.Provider] {
		return fmt.Errorf("%w: %s", ErrNotEnabled, p.Provider)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, st := s.lookup(r)
	if st == nil || st.request == nil {
		return ErrNoClientRequest
	}

	st.pending[p.State] = p
	st.expiresAt = s.now().Add(s.ttl)

	return nil
}

// TakePending removes and returns the pending exchange for state.
func (s *Store) TakePending(r *http.Request, stateParam string) (connect.Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, st := s.lookup(r)
	if st == nil {
		return connect.Pending{}, ErrNoSession
	}

	p, ok := st.pending[stateParam]
	if !ok {
		return connect.Pending{}, ErrUnknownState
	}

	delete(st.pending, stateParam)

	return p, nil
}

// Connect stores a provider's tokens, overwriting an earlier connection
// of the same provider.
func (s *Store) Connect(r *http.Request, providerName string, tok models.StandardToken) error {
	if !s.enabled[providerName] {
		return fmt.Errorf("%w: %s", ErrNotEnabled, providerName)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, st := s.lookup(r)
	if st == nil {
		return ErrNoSession
	}

	st.tokens[providerName] = tok
	st.expiresAt = s.now().Add(s.ttl)

	return nil
}

// Status reports the hub state for r.
func (s *Store) Status(r *http.Request) Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, st := s.lookup(r)

	out := Status{}

	for _, name := range s.names {
		if st != nil {
			if _, ok := st.tokens[name]; ok {
				out.Connected = append(out.Connected, name)
				continue
			}
		}

		out.Missing = append(out.Missing, name)
	}

	if st != nil {
		out.HasRequest = st.request != nil
	}

	switch {
	case len(out.Connected) == 0:
		out.Phase = Empty
	case len(out.Missing) == 0:
		out.Phase = Ready
	default:
		out.Phase = Partial
	}

	return out
}

// Finalize atomically removes the browser session and returns its client
// request with a Credential built from every connected provider. On error
// the session is left untouched.
func (s *Store) Finalize(w http.ResponseWriter, r *http.Request) (ClientRequest, credential.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, st := s.lookup(r)
	if st == nil {
		return ClientRequest{}, credential.Credential{}, ErrNoSession
	}

	if st.request == nil {
		return ClientRequest{}, credential.Credential{}, ErrNoClientRequest
	}

	if len(st.tokens) == 0 {
		return ClientRequest{}, credential.Credential{}, ErrNothingToFinish
	}

	cred, err := credential.FromTokens(st.tokens, s.now())
	if err != nil {
		return ClientRequest{}, credential.Credential{}, err
	}

	req := *st.request
	delete(s.states, id)

	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})

	return req, cred, nil
}

// Len returns the number of live browser sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.states)
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)

	return hex.EncodeToString(b)
}
