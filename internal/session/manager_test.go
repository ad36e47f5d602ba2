package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alexjbarnes/provider-bridge/internal/credential"
	apperrors "github.com/alexjbarnes/provider-bridge/internal/errors"
	"github.com/alexjbarnes/provider-bridge/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Unix(1_700_000_000, 0)

func credFor(t *testing.T, names ...string) credential.Credential {
	t.Helper()

	return credAs(t, "user-1", names...)
}

// credAs builds a credential for the sign-in identified by subject.
func credAs(t *testing.T, subject string, names ...string) credential.Credential {
	t.Helper()

	m := make(map[string]credential.ProviderCredential, len(names))
	for _, n := range names {
		m[n] = credential.ProviderCredential{AccessToken: n + "-access", RefreshToken: n + "-refresh"}
	}

	cred, err := credential.New(m)
	require.NoError(t, err)

	return cred.WithSubject(subject)
}

// testManager returns a Manager without a reaper goroutine and a clock
// the test can advance.
func testManager(t *testing.T) (*Manager, *time.Time) {
	t.Helper()

	now := testNow
	m := newManager(Options{IdleTimeout: 10 * time.Minute, MaxEvents: 100})
	m.now = func() time.Time { return now }

	return m, &now
}

func TestOpen_ComputesCapabilities(t *testing.T) {
	m, _ := testManager(t)

	s := m.Open(credFor(t, provider.Linear, provider.Figma))

	assert.True(t, s.Capabilities().Contains("linear_get_issue", "figma_get_file", "design_issue_context"))
	assert.Equal(t, 1, m.Len())
}

func TestHandshake_FreshWhenNoSession(t *testing.T) {
	m, _ := testManager(t)

	h, err := m.Handshake(credFor(t, provider.Linear), HandshakeRequest{})
	require.NoError(t, err)

	assert.False(t, h.Resumed)
	assert.Equal(t, -1, h.After)
	assert.NotEmpty(t, h.Session.ID())
}

func TestHandshake_ResumeKeepsCapabilitiesAndLog(t *testing.T) {
	m, _ := testManager(t)
	cred := credFor(t, provider.Linear)

	first, err := m.Handshake(cred, HandshakeRequest{})
	require.NoError(t, err)

	_, err = first.Session.Emit("note", map[string]int{"n": 1})
	require.NoError(t, err)

	refreshed := credFor(t, provider.Linear, provider.Google)

	second, err := m.Handshake(refreshed, HandshakeRequest{
		SessionID:   first.Session.ID(),
		LastEventID: "events_0",
	})
	require.NoError(t, err)

	assert.True(t, second.Resumed)
	assert.Same(t, first.Session, second.Session)
	assert.Same(t, first.Session.Log(), second.Session.Log())
	assert.Equal(t, 0, second.After)
	assert.Equal(t, first.Session.Capabilities().Names(), second.Session.Capabilities().Names())
	assert.True(t, second.Session.Credential().Has(provider.Google))
}

func TestHandshake_UnknownSessionFallsBackToFresh(t *testing.T) {
	m, _ := testManager(t)

	h, err := m.Handshake(credFor(t, provider.Figma), HandshakeRequest{SessionID: "gone", LastEventID: "events_4"})
	require.NoError(t, err)

	assert.False(t, h.Resumed)
	assert.NotEqual(t, "gone", h.Session.ID())
	assert.Equal(t, -1, h.After)
}

func TestHandshake_ForeignCredentialStartsFresh(t *testing.T) {
	m, _ := testManager(t)

	owner := m.Open(credFor(t, provider.Linear, provider.Figma))

	h, err := m.Handshake(credFor(t, provider.Linear), HandshakeRequest{SessionID: owner.ID()})
	require.NoError(t, err)

	assert.False(t, h.Resumed)
	assert.NotEqual(t, owner.ID(), h.Session.ID())
}

func TestHandshake_OtherSignInStartsFresh(t *testing.T) {
	m, _ := testManager(t)

	owner := m.Open(credAs(t, "user-1", provider.Linear))

	h, err := m.Handshake(credAs(t, "user-2", provider.Linear), HandshakeRequest{SessionID: owner.ID()})
	require.NoError(t, err)

	assert.False(t, h.Resumed)
	assert.NotEqual(t, owner.ID(), h.Session.ID())
	assert.Equal(t, "user-1", owner.Credential().Subject(), "snapshot not rebound")

	_, err = m.Resume(owner.ID(), credential.Credential{})
	require.ErrorIs(t, err, apperrors.ErrSessionNotFound)
}

func TestOpen_WithoutSubjectCannotBeResumed(t *testing.T) {
	m, _ := testManager(t)
	anon := credAs(t, "", provider.Linear)

	s := m.Open(anon)

	_, err := m.Resume(s.ID(), anon)
	require.ErrorIs(t, err, apperrors.ErrSessionNotFound)
}

func TestHandshake_EventIDNewerThanLog(t *testing.T) {
	m, _ := testManager(t)
	cred := credFor(t, provider.Linear)

	s := m.Open(cred)
	_, err := s.Emit("note", 1)
	require.NoError(t, err)

	_, err = m.Handshake(cred, HandshakeRequest{SessionID: s.ID(), LastEventID: "events_50"})
	require.ErrorIs(t, err, ErrBadEventID)

	h, err := m.Handshake(cred, HandshakeRequest{SessionID: s.ID(), LastEventID: "events_0"})
	require.NoError(t, err)
	assert.True(t, h.Resumed)
	assert.Equal(t, 0, h.After)
}

func TestHandshake_BadEventID(t *testing.T) {
	m, _ := testManager(t)
	cred := credFor(t, provider.Linear)

	_, err := m.Handshake(cred, HandshakeRequest{LastEventID: "nonsense"})
	require.ErrorIs(t, err, ErrBadEventID)

	_, err = m.Handshake(cred, HandshakeRequest{LastEventID: "other_1"})
	require.ErrorIs(t, err, ErrBadEventID)
}

func TestHandshake_ReportsPurge(t *testing.T) {
	m, _ := testManager(t)
	m.maxEvents = 2
	cred := credFor(t, provider.Linear)

	s := m.Open(cred)
	for range 4 {
		_, err := s.Emit("x", 1)
		require.NoError(t, err)
	}

	h, err := m.Handshake(cred, HandshakeRequest{SessionID: s.ID(), LastEventID: "events_0"})
	require.NoError(t, err)
	assert.True(t, h.Resumed)
	assert.True(t, h.Purged)
}

func TestStream_EvictsOldestBeyondBudget(t *testing.T) {
	m, _ := testManager(t)
	m.maxStreams = 3

	s := m.Open(credFor(t, provider.Linear))
	_, err := s.Emit("note", 1)
	require.NoError(t, err)

	first := s.Stream("s0")
	first.Append("message", []byte("a"))

	for i := 1; i <= 5; i++ {
		s.Stream(fmt.Sprintf("s%d", i))
	}

	_, ok := s.lookupStream("s0")
	assert.False(t, ok)

	for _, id := range []string{"s3", "s4", "s5", DefaultStream} {
		_, ok := s.lookupStream(id)
		assert.True(t, ok, id)
	}

	assert.Len(t, s.streams, 4)
	assert.Equal(t, 0, s.Log().LastSeq())
	assert.Same(t, s.Stream("s5"), s.Stream("s5"))
}

func TestSweep_RemovesIdleSessions(t *testing.T) {
	m, now := testManager(t)
	cred := credFor(t, provider.Linear)

	idle := m.Open(cred)
	active := m.Open(cred)

	*now = now.Add(8 * time.Minute)
	active.Touch()

	*now = now.Add(5 * time.Minute)

	assert.Equal(t, 1, m.Sweep())
	assert.Equal(t, 1, m.Len())

	_, err := m.Get(idle.ID())
	require.ErrorIs(t, err, apperrors.ErrSessionNotFound)

	select {
	case <-idle.Done():
	default:
		t.Fatal("reaped session not destroyed")
	}

	_, err = m.Get(active.ID())
	require.NoError(t, err)
}

func TestSweep_EmitCountsAsActivity(t *testing.T) {
	m, now := testManager(t)

	s := m.Open(credFor(t, provider.Linear))

	*now = now.Add(9 * time.Minute)
	_, err := s.Emit("x", 1)
	require.NoError(t, err)

	*now = now.Add(9 * time.Minute)
	assert.Zero(t, m.Sweep())
}

func TestReaper_RemovesSessionWithoutExplicitClose(t *testing.T) {
	m := NewManager(Options{IdleTimeout: 20 * time.Millisecond, ReaperInterval: 10 * time.Millisecond})
	t.Cleanup(m.Stop)

	s := m.Open(credFor(t, provider.Linear))

	require.Eventually(t, func() bool { return m.Len() == 0 }, 2*time.Second, 10*time.Millisecond)

	_, err := m.Get(s.ID())
	require.ErrorIs(t, err, apperrors.ErrSessionNotFound)
}

func TestClose(t *testing.T) {
	m, _ := testManager(t)

	s := m.Open(credFor(t, provider.Linear))

	assert.True(t, m.Close(s.ID()))
	assert.False(t, m.Close(s.ID()))
	assert.ErrorIs(t, s.Context().Err(), context.Canceled)
}

func TestStop_DestroysSessions(t *testing.T) {
	m := NewManager(Options{})
	s := m.Open(credFor(t, provider.Figma))

	m.Stop()
	m.Stop()

	assert.Zero(t, m.Len())
	assert.Error(t, s.Context().Err())
}
