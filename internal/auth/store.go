// Package auth is the client-facing authorization server. It runs the
// outer PKCE exchange a tool client performs against the bridge, hands the
// browser to the connection hub in between, and issues the credential
// token pair minted from whatever the hub collected.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/provider-bridge/internal/models"
	"github.com/alexjbarnes/provider-bridge/internal/state"
)

// CodeEntry is a one-time authorization code bound to an already minted
// token pair.
type CodeEntry struct {
	Code            string
	AccessToken     string
	RefreshToken    string
	AccessExpiresAt time.Time
	ClientID        string
	RedirectURI     string
	CodeChallenge   string
	Scope           string
	ExpiresAt       time.Time
}

const (
	// maxClients caps the number of registered clients to prevent
	// unbounded growth from unauthenticated registration requests.
	maxClients = 100

	// cleanupInterval controls how often expired codes are reaped.
	cleanupInterval = time.Minute

	// registrationsPerMinute limits unauthenticated /register calls.
	registrationsPerMinute = 10
)

// Store holds authorization codes in memory and registered clients in
// memory backed by bbolt when persistence is configured.
type Store struct {
	mu      sync.RWMutex
	codes   map[string]*CodeEntry
	clients map[string]*models.OAuthClient
	persist *state.State
	logger  *slog.Logger
	now     func() time.Time
	stopGC  chan struct{}
	stopped sync.Once

	registrationTimes []time.Time
}

// NewStore creates a store, loads persisted clients when persist is
// non-nil and starts the code reaper. Call Stop to end the reaper.
func NewStore(persist *state.State, logger *slog.Logger) *Store {
	s := &Store{
		codes:   make(map[string]*CodeEntry),
		clients: make(map[string]*models.OAuthClient),
		persist: persist,
		logger:  logger,
		now:     time.Now,
		stopGC:  make(chan struct{}),
	}

	if persist != nil {
		clients, err := persist.AllOAuthClients()
		if err != nil {
			logger.Warn("loading registered clients", slog.String("error", err.Error()))
		}

		for i := range clients {
			c := clients[i]
			s.clients[c.ClientID] = &c
		}

		if len(clients) > 0 {
			logger.Info("loaded registered clients", slog.Int("count", len(clients)))
		}
	}

	go s.gcLoop()

	return s
}

// Stop terminates the background cleanup goroutine.
func (s *Store) Stop() {
	s.stopped.Do(func() { close(s.stopGC) })
}

func (s *Store) gcLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopGC:
			return
		}
	}
}

func (s *Store) cleanup() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, ce := range s.codes {
		if now.After(ce.ExpiresAt) {
			delete(s.codes, k)
		}
	}
}

// SaveCode stores an authorization code.
func (s *Store) SaveCode(ce *CodeEntry) {
	s.mu.Lock()
	s.codes[ce.Code] = ce
	s.mu.Unlock()
}

// ConsumeCode retrieves and deletes an authorization code in one step.
// Returns nil if not found or expired.
func (s *Store) ConsumeCode(code string) *CodeEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	ce, ok := s.codes[code]
	if !ok {
		return nil
	}

	delete(s.codes, code)

	if s.now().After(ce.ExpiresAt) {
		return nil
	}

	return ce
}

// RegistrationAllowed applies a sliding one-minute rate limit to client
// registration.
func (s *Store) RegistrationAllowed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	window := now.Add(-time.Minute)

	valid := s.registrationTimes[:0]
	for _, t := range s.registrationTimes {
		if t.After(window) {
			valid = append(valid, t)
		}
	}

	s.registrationTimes = valid

	if len(s.registrationTimes) >= registrationsPerMinute {
		return false
	}

	s.registrationTimes = append(s.registrationTimes, now)

	return true
}

// RegisterClient stores a new client registration. Returns false if the
// maximum number of registered clients has been reached.
func (s *Store) RegisterClient(c *models.OAuthClient) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.clients) >= maxClients {
		return false
	}

	s.clients[c.ClientID] = c

	if s.persist != nil {
		if err := s.persist.SaveOAuthClient(*c); err != nil {
			s.logger.Warn("persisting registered client",
				slog.String("client_id", c.ClientID),
				slog.String("error", err.Error()),
			)
		}
	}

	return true
}

// GetClient returns the client with the given id, or nil.
func (s *Store) GetClient(clientID string) *models.OAuthClient {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.clients[clientID]
}

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}
