package auth

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alexjbarnes/provider-bridge/internal/connect"
	"github.com/alexjbarnes/provider-bridge/internal/hub"
	"github.com/alexjbarnes/provider-bridge/internal/models"
)

const (
	codeExpiry = 5 * time.Minute

	// authCodeBytes is the number of random bytes used to generate
	// an authorization code (hex-encoded to twice this length).
	authCodeBytes = 32

	// maxRequestBody caps form and JSON bodies on the OAuth endpoints.
	maxRequestBody = 64 << 10
)

// resourceMatches compares a client-supplied resource URI against the
// server's canonical URL, ignoring trailing slashes.
func resourceMatches(resource, serverURL string) bool {
	return strings.TrimRight(resource, "/") == strings.TrimRight(serverURL, "/")
}

// redirectWithError redirects the user-agent back to the client with an
// error response per RFC 6749 Section 4.1.2.1. Only call this after the
// redirect_uri has been validated.
func redirectWithError(w http.ResponseWriter, r *http.Request, redirectURI, state, errCode, description string) {
	params := url.Values{}
	params.Set("error", errCode)
	params.Set("error_description", description)

	if state != "" {
		params.Set("state", state)
	}

	http.Redirect(w, r, appendQuery(redirectURI, params), http.StatusFound)
}

// appendQuery keeps any query the redirect URI already carries.
func appendQuery(redirectURI string, params url.Values) string {
	sep := "?"
	if strings.Contains(redirectURI, "?") {
		sep = "&"
	}

	return redirectURI + sep + params.Encode()
}

// validateRedirectURI checks redirectURI against the client's registered
// URIs. Exact match is required except for bare loopback registrations,
// which accept any port and path (RFC 8252 Section 7.3). A client with no
// registered URIs may only use loopback redirects.
func validateRedirectURI(client *models.OAuthClient, redirectURI string) bool {
	if len(client.RedirectURIs) == 0 {
		u, err := url.Parse(redirectURI)
		if err != nil {
			return false
		}

		return u.Scheme == "http" && isLoopbackHost(u.Hostname())
	}

	for _, registered := range client.RedirectURIs {
		if redirectURI == registered {
			return true
		}

		if isLocalhostPrefix(registered) && isLoopbackRedirect(redirectURI, registered) {
			return true
		}
	}

	return false
}

func isLocalhostPrefix(uri string) bool {
	return uri == "http://127.0.0.1" || uri == "http://localhost"
}

func isLoopbackHost(host string) bool {
	return host == "127.0.0.1" || host == "localhost" || host == "::1"
}

// isLoopbackRedirect compares scheme and parsed hostname so that
// 127.0.0.1.evil.com never matches a 127.0.0.1 prefix.
func isLoopbackRedirect(redirectURI, registeredPrefix string) bool {
	ru, err := url.Parse(redirectURI)
	if err != nil {
		return false
	}

	pu, err := url.Parse(registeredPrefix)
	if err != nil {
		return false
	}

	return ru.Scheme == pu.Scheme && ru.Hostname() == pu.Hostname()
}

// HandleAuthorize returns the /authorize handler. It validates the client,
// redirect URI and PKCE challenge, parks the request in the hub browser
// session under a freshly generated code, and sends the browser into the
// hub, or straight to the provider when only one is enabled.
func HandleAuthorize(store *Store, hubStore *hub.Store, logger *slog.Logger, serverURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		clientID := q.Get("client_id")

		// Clients that skipped registration are held to loopback redirects.
		client := store.GetClient(clientID)
		if client == nil {
			client = &models.OAuthClient{ClientID: clientID}
		}

		redirectURI := q.Get("redirect_uri")
		if redirectURI == "" {
			if len(client.RedirectURIs) != 1 {
				http.Error(w, "redirect_uri is required", http.StatusBadRequest)
				return
			}

			redirectURI = client.RedirectURIs[0]
		} else if !validateRedirectURI(client, redirectURI) {
			logger.Warn("authorize: redirect_uri rejected",
				slog.String("client_id", clientID),
				slog.String("redirect_uri", redirectURI),
			)
			http.Error(w, "redirect_uri not registered for this client", http.StatusBadRequest)

			return
		}

		state := q.Get("state")

		if rt := q.Get("response_type"); rt != "" && rt != "code" {
			redirectWithError(w, r, redirectURI, state, "unsupported_response_type", `response_type must be "code"`)
			return
		}

		codeChallenge := q.Get("code_challenge")
		if codeChallenge == "" {
			redirectWithError(w, r, redirectURI, state, "invalid_request", "code_challenge is required (PKCE)")
			return
		}

		if m := q.Get("code_challenge_method"); m != "" && m != "S256" {
			redirectWithError(w, r, redirectURI, state, "invalid_request", "only S256 code_challenge_method is supported")
			return
		}

		if resource := q.Get("resource"); resource != "" && !resourceMatches(resource, serverURL) {
			redirectWithError(w, r, redirectURI, state, "invalid_request", "resource parameter does not match this server")
			return
		}

		hubStore.Begin(w, r, hub.ClientRequest{
			Code:          RandomHex(authCodeBytes),
			ClientID:      clientID,
			RedirectURI:   redirectURI,
			State:         state,
			CodeChallenge: codeChallenge,
			Scope:         q.Get("scope"),
		})

		logger.Info("authorize: client request accepted",
			slog.String("client_id", clientID),
			slog.String("redirect_uri", redirectURI),
		)

		target := connect.HubPath
		if enabled := hubStore.Enabled(); len(enabled) == 1 {
			target = connect.HubPath + "/" + enabled[0]
		}

		http.Redirect(w, r, target, http.StatusFound)
	}
}
