package auth

import (
	"encoding/json"
	"net/http"
	"strings"

	sdkauth "github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/oauthex"
)

// Endpoint paths served by this package.
const (
	AuthorizePath   = "/authorize"
	TokenPath       = "/access-token"
	RegisterPath    = "/register"
	DonePath        = "/auth/done"
	ResourceMetaURI = "/.well-known/oauth-protected-resource"
	ServerMetaURI   = "/.well-known/oauth-authorization-server"
)

// ServerMetadata is the RFC 8414 response.
type ServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
}

// HandleProtectedResourceMetadata serves RFC 9728 metadata through the
// MCP SDK handler. Scopes are the enabled provider names.
func HandleProtectedResourceMetadata(serverURL string, providers []string) http.Handler {
	serverURL = strings.TrimRight(serverURL, "/")

	return sdkauth.ProtectedResourceMetadataHandler(&oauthex.ProtectedResourceMetadata{
		Resource:               serverURL,
		AuthorizationServers:   []string{serverURL},
		ScopesSupported:        providers,
		BearerMethodsSupported: []string{"header"},
		ResourceName:           "provider-bridge",
	})
}

// HandleServerMetadata returns the /.well-known/oauth-authorization-server handler.
func HandleServerMetadata(serverURL string, providers []string) http.HandlerFunc {
	serverURL = strings.TrimRight(serverURL, "/")

	meta := ServerMetadata{
		Issuer:                            serverURL,
		AuthorizationEndpoint:             serverURL + AuthorizePath,
		TokenEndpoint:                     serverURL + TokenPath,
		RegistrationEndpoint:              serverURL + RegisterPath,
		ScopesSupported:                   providers,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported:     []string{"S256"},
		TokenEndpointAuthMethodsSupported: []string{"none"},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		_ = json.NewEncoder(w).Encode(meta)
	}
}
