package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/alexjbarnes/provider-bridge/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(tokenURL string) Config {
	return Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURL:  "https://bridge.example.com/auth/callback/x",
		TokenURL:     tokenURL,
		Timeout:      5 * time.Second,
	}
}

// tokenServer answers the token endpoint with the given JSON body and
// records the form values of the last request.
func tokenServer(t *testing.T, status int, body func(n int64) map[string]any) (*httptest.Server, *atomic.Value) {
	t.Helper()

	var calls atomic.Int64

	last := &atomic.Value{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		last.Store(r.PostForm)

		n := calls.Add(1)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body(n))
	}))
	t.Cleanup(srv.Close)

	return srv, last
}

func TestNew_UnknownProvider(t *testing.T) {
	_, err := New("dropbox", testConfig(""))
	assert.ErrorIs(t, err, apperrors.ErrUnknownProvider)
}

func TestNew_RequiresCredentials(t *testing.T) {
	_, err := New(Linear, Config{ClientID: "only-id"})
	assert.Error(t, err)
}

func TestNew_KnownProviders(t *testing.T) {
	for _, name := range []string{Linear, Figma, Google} {
		p, err := New(name, testConfig(""))
		require.NoError(t, err)
		assert.Equal(t, name, p.Name())
		assert.NotEmpty(t, p.DefaultScopes())
	}
}

func TestCallbackURL(t *testing.T) {
	assert.Equal(t, "https://b.example.com/auth/callback/figma", CallbackURL("https://b.example.com/", Figma))
}

func TestSet_SortedAndDuplicateRejected(t *testing.T) {
	g, _ := New(Google, testConfig(""))
	l, _ := New(Linear, testConfig(""))
	f, _ := New(Figma, testConfig(""))

	s, err := NewSet(l, g, f)
	require.NoError(t, err)
	assert.Equal(t, []string{Figma, Google, Linear}, s.Names())
	assert.Equal(t, 3, s.Len())

	got, ok := s.Get(Linear)
	require.True(t, ok)
	assert.Equal(t, Linear, got.Name())

	_, ok = s.Get("missing")
	assert.False(t, ok)

	_, err = NewSet(l, l)
	assert.Error(t, err)
}

func TestLinear_AuthorizationURL_CommaScopes(t *testing.T) {
	p, err := New(Linear, testConfig(""))
	require.NoError(t, err)

	raw := p.AuthorizationURL(AuthParams{
		State:       "st",
		RedirectURI: "https://bridge.example.com/auth/callback/linear",
		Scopes:      []string{"read", "write"},
	})

	u, err := url.Parse(raw)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "linear.app", u.Host)
	assert.Equal(t, "read,write", q.Get("scope"))
	assert.Equal(t, "st", q.Get("state"))
	assert.Equal(t, "client-id", q.Get("client_id"))
	assert.Equal(t, "https://bridge.example.com/auth/callback/linear", q.Get("redirect_uri"))
	assert.Empty(t, q.Get("code_challenge"), "provider exchange is confidential, not PKCE")
}

func TestGoogle_AuthorizationURL_OfflineAccess(t *testing.T) {
	p, err := New(Google, testConfig(""))
	require.NoError(t, err)

	u, err := url.Parse(p.AuthorizationURL(AuthParams{State: "s"}))
	require.NoError(t, err)
	assert.Equal(t, "offline", u.Query().Get("access_type"))
	assert.Equal(t, "consent", u.Query().Get("prompt"))
	assert.Equal(t, googleDriveScope, u.Query().Get("scope"))
}

func TestDefaultParseCallback(t *testing.T) {
	code, state, err := defaultParseCallback(url.Values{"code": {"c"}, "state": {"s%2B1"}})
	require.NoError(t, err)
	assert.Equal(t, "c", code)
	assert.Equal(t, "s%2B1", state)

	_, _, err = defaultParseCallback(url.Values{"error": {"access_denied"}})
	assert.ErrorIs(t, err, apperrors.ErrProviderExchange)

	_, _, err = defaultParseCallback(url.Values{"state": {"s"}})
	assert.ErrorIs(t, err, apperrors.ErrProviderExchange)

	_, _, err = defaultParseCallback(url.Values{"code": {"c"}})
	assert.ErrorIs(t, err, apperrors.ErrProviderExchange)
}

func TestFigma_ParseCallback_DecodesState(t *testing.T) {
	p, err := New(Figma, testConfig(""))
	require.NoError(t, err)

	_, state, err := p.ParseCallback(url.Values{"code": {"c"}, "state": {"abc%2Bdef"}})
	require.NoError(t, err)
	assert.Equal(t, "abc+def", state)
}

func TestLinear_ExchangeCode(t *testing.T) {
	srv, last := tokenServer(t, http.StatusOK, func(int64) map[string]any {
		return map[string]any{
			"access_token":  "lin-access",
			"refresh_token": "lin-refresh",
			"token_type":    "Bearer",
			"expires_in":    86399,
			"scope":         "read",
		}
	})

	p, err := New(Linear, testConfig(srv.URL))
	require.NoError(t, err)

	tok, err := p.ExchangeCode(context.Background(), "the-code", "ignored-verifier")
	require.NoError(t, err)
	assert.Equal(t, "lin-access", tok.AccessToken)
	assert.Equal(t, "lin-refresh", tok.RefreshToken)
	assert.Equal(t, int64(86399), tok.ExpiresIn)
	assert.Equal(t, "read", tok.Scope)

	form := last.Load().(url.Values)
	assert.Equal(t, "authorization_code", form.Get("grant_type"))
	assert.Equal(t, "the-code", form.Get("code"))
	assert.Equal(t, "client-secret", form.Get("client_secret"))
	assert.Empty(t, form.Get("code_verifier"))
}

func TestLinear_ExchangeCode_Rejected(t *testing.T) {
	srv, _ := tokenServer(t, http.StatusBadRequest, func(int64) map[string]any {
		return map[string]any{"error": "invalid_grant"}
	})

	p, err := New(Linear, testConfig(srv.URL))
	require.NoError(t, err)

	_, err = p.ExchangeCode(context.Background(), "bad", "")
	assert.ErrorIs(t, err, apperrors.ErrProviderExchange)
}

func TestLinear_Refresh_Rotates(t *testing.T) {
	srv, last := tokenServer(t, http.StatusOK, func(n int64) map[string]any {
		return map[string]any{
			"access_token":  "access-" + string(rune('0'+n)),
			"refresh_token": "refresh-" + string(rune('0'+n)),
			"expires_in":    3600,
		}
	})

	p, err := New(Linear, testConfig(srv.URL))
	require.NoError(t, err)

	tok, err := p.Refresh(context.Background(), "refresh-0")
	require.NoError(t, err)
	assert.Equal(t, "refresh-1", tok.RefreshToken)

	form := last.Load().(url.Values)
	assert.Equal(t, "refresh_token", form.Get("grant_type"))
	assert.Equal(t, "refresh-0", form.Get("refresh_token"))

	tok, err = p.Refresh(context.Background(), tok.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "refresh-2", tok.RefreshToken)
}

func TestGoogle_Refresh_KeepsOriginal(t *testing.T) {
	srv, _ := tokenServer(t, http.StatusOK, func(int64) map[string]any {
		return map[string]any{"access_token": "g-access", "expires_in": 3599}
	})

	p, err := New(Google, testConfig(srv.URL))
	require.NoError(t, err)

	tok, err := p.Refresh(context.Background(), "g-refresh")
	require.NoError(t, err)
	assert.Equal(t, "g-access", tok.AccessToken)
	assert.Equal(t, "g-refresh", tok.RefreshToken)
}

func TestRefresh_EmptyRefreshToken(t *testing.T) {
	for _, name := range []string{Linear, Figma, Google} {
		p, err := New(name, testConfig("http://127.0.0.1:1"))
		require.NoError(t, err)

		_, err = p.Refresh(context.Background(), "")
		assert.ErrorIs(t, err, apperrors.ErrRefreshFailed, name)
	}
}

func TestFigma_Refresh_KeepsOriginal(t *testing.T) {
	var gotUser, gotPass, gotRefresh string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, _ = r.BasicAuth()
		require.NoError(t, r.ParseForm())
		gotRefresh = r.PostForm.Get("refresh_token")

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"figma-new","expires_in":7776000}`))
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig("")
	cfg.RefreshURL = srv.URL

	p, err := New(Figma, cfg)
	require.NoError(t, err)

	tok, err := p.Refresh(context.Background(), "figma-refresh")
	require.NoError(t, err)
	assert.Equal(t, "figma-new", tok.AccessToken)
	assert.Equal(t, "figma-refresh", tok.RefreshToken)
	assert.Equal(t, int64(7776000), tok.ExpiresIn)
	assert.Equal(t, "Bearer", tok.TokenType)

	assert.Equal(t, "client-id", gotUser)
	assert.Equal(t, "client-secret", gotPass)
	assert.Equal(t, "figma-refresh", gotRefresh)
}

func TestFigma_Refresh_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":true,"status":400,"message":"Invalid refresh token"}`))
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig("")
	cfg.RefreshURL = srv.URL

	p, err := New(Figma, cfg)
	require.NoError(t, err)

	_, err = p.Refresh(context.Background(), "stale")
	require.ErrorIs(t, err, apperrors.ErrRefreshFailed)
	assert.Contains(t, err.Error(), "Invalid refresh token")
}
