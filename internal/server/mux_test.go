package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/alexjbarnes/provider-bridge/internal/auth"
	"github.com/alexjbarnes/provider-bridge/internal/capability"
	"github.com/alexjbarnes/provider-bridge/internal/connect"
	"github.com/alexjbarnes/provider-bridge/internal/credential"
	"github.com/alexjbarnes/provider-bridge/internal/hub"
	"github.com/alexjbarnes/provider-bridge/internal/mcpserver"
	"github.com/alexjbarnes/provider-bridge/internal/provider"
	"github.com/alexjbarnes/provider-bridge/internal/session"
)

const clientRedirect = "http://127.0.0.1:9999/callback"

type bridge struct {
	srv     *httptest.Server
	browser *http.Client
	enabled int
}

// fakeProviders serves a token endpoint per provider at /{name}/token.
func fakeProviders(t *testing.T) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name, ok := strings.CutSuffix(strings.TrimPrefix(r.URL.Path, "/"), "/token")
		if !ok {
			http.NotFound(w, r)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"`+name+`-at","refresh_token":"`+name+`-rt","token_type":"Bearer","expires_in":3600}`)
	}))
	t.Cleanup(srv.Close)

	return srv
}

func newBridge(t *testing.T, names ...string) *bridge {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	var handler http.Handler

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	upstream := fakeProviders(t)

	var enabled []provider.Provider

	for _, name := range names {
		p, err := provider.New(name, provider.Config{
			ClientID:     name + "-client",
			ClientSecret: name + "-secret",
			RedirectURL:  provider.CallbackURL(srv.URL, name),
			AuthURL:      upstream.URL + "/" + name + "/authorize",
			TokenURL:     upstream.URL + "/" + name + "/token",
		})
		require.NoError(t, err)

		enabled = append(enabled, p)
	}

	providers, err := provider.NewSet(enabled...)
	require.NoError(t, err)

	codec, err := credential.NewCodec(credential.Options{
		Secret:    []byte("test-signing-secret-0123456789abcdef"),
		Issuer:    srv.URL,
		Providers: providers,
	})
	require.NoError(t, err)

	authStore := auth.NewStore(nil, logger)
	t.Cleanup(authStore.Stop)

	hubStore := hub.NewStore(hub.Options{Providers: providers.Names(), Logger: logger})
	t.Cleanup(hubStore.Stop)

	sessions := session.NewManager(session.Options{Logger: logger})
	t.Cleanup(sessions.Stop)

	clients := capability.NewClients(0, nil)

	handler = NewMux(MuxConfig{
		Providers: providers,
		AuthStore: authStore,
		Hub:       hubStore,
		Codec:     codec,
		Sessions: session.NewAPI(sessions, session.APIOptions{
			Clients:        clients,
			CredentialFrom: auth.CredentialFromContext,
			Logger:         logger,
		}),
		MCPHandler: mcpserver.NewHandler(mcpserver.Options{
			Manager: sessions,
			Clients: clients,
			Version: "test",
			Logger:  logger,
		}),
		Logger:    logger,
		ServerURL: srv.URL,
	})

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	return &bridge{
		srv:     srv,
		enabled: len(names),
		browser: &http.Client{
			Jar: jar,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// redirect issues a GET and returns the absolute Location it redirects to.
func (b *bridge) redirect(t *testing.T, target string) *url.URL {
	t.Helper()

	resp, err := b.browser.Get(target)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	require.Equal(t, http.StatusFound, resp.StatusCode, string(body))

	loc, err := resp.Location()
	require.NoError(t, err)

	return loc
}

func (b *bridge) register(t *testing.T) string {
	t.Helper()

	body := `{"client_name":"agent","redirect_uris":["` + clientRedirect + `"]}`

	resp, err := http.Post(b.srv.URL+auth.RegisterPath, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var reg struct {
		ClientID string `json:"client_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reg))
	require.NotEmpty(t, reg.ClientID)

	return reg.ClientID
}

func (b *bridge) hubURL(t *testing.T, name string) *url.URL {
	t.Helper()

	target := b.srv.URL + connect.HubPath
	if name != "" {
		target += "/" + name
	}

	u, err := url.Parse(target)
	require.NoError(t, err)

	return u
}

// connect follows one provider round trip starting at its hub link and
// returns where the callback sent the browser.
func (b *bridge) connect(t *testing.T, start *url.URL) *url.URL {
	t.Helper()

	loc := b.redirect(t, start.String())
	require.True(t, strings.HasSuffix(loc.Path, "/authorize"), loc.String())

	name := strings.TrimSuffix(strings.TrimPrefix(loc.Path, "/"), "/authorize")
	providerState := loc.Query().Get("state")
	require.NotEmpty(t, providerState)

	cb := url.Values{"code": {name + "-code"}, "state": {providerState}}
	loc = b.redirect(t, b.srv.URL+"/auth/callback/"+name+"?"+cb.Encode())
	require.Equal(t, connect.HubPath, loc.Path)

	return loc
}

// signIn runs the whole browser flow, connecting the given providers, and
// returns the access token.
func (b *bridge) signIn(t *testing.T, names ...string) string {
	t.Helper()

	clientID := b.register(t)
	verifier := oauth2.GenerateVerifier()

	q := url.Values{
		"client_id":             {clientID},
		"redirect_uri":          {clientRedirect},
		"response_type":         {"code"},
		"state":                 {"agent-state"},
		"code_challenge":        {oauth2.S256ChallengeFromVerifier(verifier)},
		"code_challenge_method": {"S256"},
	}

	loc := b.redirect(t, b.srv.URL+auth.AuthorizePath+"?"+q.Encode())

	if b.enabled == 1 {
		// A sole provider skips the hub page.
		require.Equal(t, connect.HubPath+"/"+names[0], loc.Path)
		loc = b.connect(t, loc)
		loc = b.redirect(t, loc.String())
	} else {
		require.Equal(t, connect.HubPath, loc.Path)

		for _, name := range names {
			loc = b.connect(t, b.hubURL(t, name))
		}

		loc = b.hubURL(t, "")
		loc.Path = auth.DonePath
	}

	require.Equal(t, auth.DonePath, loc.Path)

	loc = b.redirect(t, loc.String())
	require.Equal(t, "127.0.0.1:9999", loc.Host)
	assert.Equal(t, "agent-state", loc.Query().Get("state"))

	code := loc.Query().Get("code")
	require.NotEmpty(t, code)

	resp, err := http.PostForm(b.srv.URL+auth.TokenPath, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {clientRedirect},
		"client_id":     {clientID},
		"code_verifier": {verifier},
	})
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tok struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tok))
	require.NotEmpty(t, tok.AccessToken)
	require.NotEmpty(t, tok.RefreshToken)

	return tok.AccessToken
}

type bearerTransport struct {
	token string
}

func (b bearerTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	r.Header.Set("Authorization", "Bearer "+b.token)

	return http.DefaultTransport.RoundTrip(r)
}

func TestNewMux_Discovery(t *testing.T) {
	b := newBridge(t, provider.Linear)

	resp, err := http.Get(b.srv.URL + auth.ServerMetaURI)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var meta map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&meta))
	assert.Equal(t, b.srv.URL+auth.AuthorizePath, meta["authorization_endpoint"])
	assert.Equal(t, b.srv.URL+auth.TokenPath, meta["token_endpoint"])

	resp2, err := http.Get(b.srv.URL + auth.ResourceMetaURI + "/mcp")
	require.NoError(t, err)
	defer resp2.Body.Close()

	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestNewMux_ProtectedRoutesRequireToken(t *testing.T) {
	b := newBridge(t, provider.Linear)

	for _, path := range []string{"/session", "/mcp"} {
		resp, err := http.Post(b.srv.URL+path, "application/json", strings.NewReader(`{}`))
		require.NoError(t, err)
		resp.Body.Close()

		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
		assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Bearer", path)
	}
}

// handshake opens a bridge session and returns its sorted tool names.
func (b *bridge) handshake(t *testing.T, token string) []string {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, b.srv.URL+"/session", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var hs struct {
		SessionID    string `json:"session_id"`
		Resumed      bool   `json:"resumed"`
		Capabilities []struct {
			Name string `json:"name"`
		} `json:"capabilities"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&hs))
	assert.NotEmpty(t, hs.SessionID)
	assert.False(t, hs.Resumed)

	names := make([]string, 0, len(hs.Capabilities))
	for _, c := range hs.Capabilities {
		names = append(names, c.Name)
	}

	sort.Strings(names)

	return names
}

// mcpTools lists the tools an MCP client sees over /mcp.
func (b *bridge) mcpTools(t *testing.T, token string) []string {
	t.Helper()

	ctx := context.Background()
	client := mcp.NewClient(&mcp.Implementation{Name: "agent", Version: "v0"}, nil)

	cs, err := client.Connect(ctx, &mcp.StreamableClientTransport{
		Endpoint:   b.srv.URL + "/mcp",
		HTTPClient: &http.Client{Transport: bearerTransport{token: token}},
	}, nil)
	require.NoError(t, err)

	defer cs.Close()

	res, err := cs.ListTools(ctx, nil)
	require.NoError(t, err)

	names := make([]string, 0, len(res.Tools))
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}

	sort.Strings(names)

	return names
}

func TestNewMux_EndToEnd(t *testing.T) {
	tests := []struct {
		name      string
		providers []string
		want      []string
	}{
		{
			name:      "linear only",
			providers: []string{provider.Linear},
			want:      []string{"linear_get_issue", "linear_graphql"},
		},
		{
			name:      "linear and figma",
			providers: []string{provider.Linear, provider.Figma},
			want: []string{
				"design_issue_context",
				"figma_get_file",
				"figma_list_comments",
				"linear_get_issue",
				"linear_graphql",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBridge(t, tt.providers...)
			token := b.signIn(t, tt.providers...)

			assert.Equal(t, tt.want, b.handshake(t, token))
			assert.Equal(t, tt.want, b.mcpTools(t, token))
		})
	}
}

func TestNewMux_PartialConnectLimitsTools(t *testing.T) {
	b := newBridge(t, provider.Linear, provider.Figma, provider.Google)

	// All three are enabled but only Google is connected before finishing.
	token := b.signIn(t, provider.Google)

	assert.Equal(t, []string{"gdrive_export", "gdrive_search"}, b.handshake(t, token))
}
