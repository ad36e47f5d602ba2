package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/alexjbarnes/provider-bridge/internal/models"
)

// registrationRequest is the DCR POST body (RFC 7591).
type registrationRequest struct {
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
}

// registrationResponse is the DCR response.
type registrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

// validRedirect accepts https URIs and http loopback URIs.
func validRedirect(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || u.Fragment != "" {
		return false
	}

	switch u.Scheme {
	case "https":
		return true
	case "http":
		return isLoopbackHost(u.Hostname())
	default:
		return false
	}
}

// HandleRegistration returns the /register handler. Only public clients
// are issued; the bridge relies on PKCE rather than client secrets.
func HandleRegistration(store *Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !store.RegistrationAllowed() {
			writeJSONError(w, http.StatusTooManyRequests, "too_many_requests", "registration rate limit exceeded")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

		var req registrationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_client_metadata", "invalid request body")
			return
		}

		if len(req.RedirectURIs) == 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid_redirect_uri", "redirect_uris is required")
			return
		}

		for _, u := range req.RedirectURIs {
			if !validRedirect(u) {
				writeJSONError(w, http.StatusBadRequest, "invalid_redirect_uri", "redirect URIs must be https or http loopback: "+u)
				return
			}
		}

		client := &models.OAuthClient{
			ClientID:     RandomHex(16),
			ClientName:   req.ClientName,
			RedirectURIs: req.RedirectURIs,
			CreatedAt:    store.now().UTC(),
		}

		if !store.RegisterClient(client) {
			writeJSONError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "client registration limit reached")
			return
		}

		logger.Info("registered client",
			slog.String("client_id", client.ClientID),
			slog.String("client_name", client.ClientName),
		)

		grantTypes := req.GrantTypes
		if len(grantTypes) == 0 {
			grantTypes = []string{"authorization_code", "refresh_token"}
		}

		responseTypes := req.ResponseTypes
		if len(responseTypes) == 0 {
			responseTypes = []string{"code"}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(registrationResponse{
			ClientID:                client.ClientID,
			ClientIDIssuedAt:        client.CreatedAt.Unix(),
			ClientName:              client.ClientName,
			RedirectURIs:            client.RedirectURIs,
			GrantTypes:              grantTypes,
			ResponseTypes:           responseTypes,
			TokenEndpointAuthMethod: "none",
		})
	}
}

func writeJSONError(w http.ResponseWriter, status int, errCode, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             errCode,
		"error_description": description,
	})
}
