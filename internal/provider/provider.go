// Package provider describes how to authenticate against each third-party
// service the bridge can connect to. A Provider is immutable and built once
// at startup; per-provider quirks (scope encoding, callback parsing, refresh
// token rotation) live entirely inside its implementation.
package provider

//go:generate mockgen -source=provider.go -destination=providertest/mock_provider.go -package=providertest

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/provider-bridge/internal/errors"
	"github.com/alexjbarnes/provider-bridge/internal/models"
)

// Known provider names.
const (
	Linear = "linear"
	Figma  = "figma"
	Google = "google"
)

// DefaultTimeout bounds every token exchange and refresh round trip when
// the caller does not configure one.
const DefaultTimeout = 30 * time.Second

// AuthParams are the per-request inputs to an authorization URL.
type AuthParams struct {
	State       string
	RedirectURI string
	Scopes      []string
	Verifier    string
}

// Provider is the uniform view of one service's OAuth surface. The
// provider-facing exchange is always a confidential-client exchange
// authenticated with the client secret.
type Provider interface {
	// Name is the stable identifier used in URLs and token payloads.
	Name() string

	// AuthorizationURL builds the URL the browser is sent to.
	AuthorizationURL(p AuthParams) string

	// ParseCallback extracts code and state from the provider's redirect.
	ParseCallback(q url.Values) (code, state string, err error)

	// ExchangeCode trades an authorization code for tokens.
	ExchangeCode(ctx context.Context, code, verifier string) (models.StandardToken, error)

	// Refresh obtains a new access token. Providers that do not rotate
	// refresh tokens return the input refresh token unchanged.
	Refresh(ctx context.Context, refreshToken string) (models.StandardToken, error)

	// DefaultScopes lists the scopes requested when none are given.
	DefaultScopes() []string
}

// Config holds the static settings for one provider.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AuthURL      string
	TokenURL     string
	RefreshURL   string
	Scopes       []string
	Timeout      time.Duration
}

func (c Config) httpClient() *http.Client {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &http.Client{Timeout: timeout}
}

// New builds the provider registered under name.
func New(name string, cfg Config) (Provider, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("provider %s: client id and secret are required", name)
	}

	switch name {
	case Linear:
		return newLinear(cfg), nil
	case Figma:
		return newFigma(cfg), nil
	case Google:
		return newGoogle(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %s", apperrors.ErrUnknownProvider, name)
	}
}

// CallbackURL returns the bridge callback address for a provider.
func CallbackURL(serverURL, name string) string {
	return strings.TrimRight(serverURL, "/") + "/auth/callback/" + name
}

// Set is the immutable registry of enabled providers.
type Set struct {
	byName map[string]Provider
	names  []string
}

// NewSet builds a registry. Duplicate names are rejected.
func NewSet(providers ...Provider) (*Set, error) {
	s := &Set{byName: make(map[string]Provider, len(providers))}

	for _, p := range providers {
		if _, dup := s.byName[p.Name()]; dup {
			return nil, fmt.Errorf("duplicate provider %q", p.Name())
		}

		s.byName[p.Name()] = p
		s.names = append(s.names, p.Name())
	}

	sort.Strings(s.names)

	return s, nil
}

// Get returns the provider with the given name.
func (s *Set) Get(name string) (Provider, bool) {
	p, ok := s.byName[name]
	return p, ok
}

// Names returns the enabled provider names in sorted order.
func (s *Set) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)

	return out
}

// Len returns the number of enabled providers.
func (s *Set) Len() int {
	return len(s.names)
}

// defaultParseCallback reads code and state verbatim from the query.
func defaultParseCallback(q url.Values) (string, string, error) {
	if errCode := q.Get("error"); errCode != "" {
		desc := q.Get("error_description")
		if desc == "" {
			desc = errCode
		}

		return "", "", fmt.Errorf("%w: %s", apperrors.ErrProviderExchange, desc)
	}

	code := q.Get("code")
	if code == "" {
		return "", "", fmt.Errorf("%w: missing code", apperrors.ErrProviderExchange)
	}

	state := q.Get("state")
	if state == "" {
		return "", "", fmt.Errorf("%w: missing state", apperrors.ErrProviderExchange)
	}

	return code, state, nil
}
