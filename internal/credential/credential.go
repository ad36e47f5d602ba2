// Package credential holds the bridge's multi-provider credential and the
// codec that seals it into signed access and refresh tokens.
package credential

import (
	"fmt"
	"sort"
	"time"

	apperrors "github.com/alexjbarnes/provider-bridge/internal/errors"
	"github.com/alexjbarnes/provider-bridge/internal/models"
)

// ProviderCredential is one connected provider's tokens. ExpiresAt is unix
// seconds; zero means the provider reported no expiry.
type ProviderCredential struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
	Scope        string `json:"scope,omitempty"`
}

// FromStandardToken converts a normalized provider token, anchoring its
// relative lifetime at now.
func FromStandardToken(tok models.StandardToken, now time.Time) ProviderCredential {
	pc := ProviderCredential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Scope:        tok.Scope,
	}

	if exp := tok.ExpiresAt(now); !exp.IsZero() {
		pc.ExpiresAt = exp.Unix()
	}

	return pc
}

// Credential is an immutable, non-empty set of provider credentials.
// Refreshing produces a new Credential; nothing mutates one in place.
// The subject identifies the sign-in that produced it and survives every
// refresh of that lineage.
type Credential struct {
	providers map[string]ProviderCredential
	subject   string
}

// New builds a Credential from a copy of providers.
func New(providers map[string]ProviderCredential) (Credential, error) {
	if len(providers) == 0 {
		return Credential{}, apperrors.ErrEmptyCredential
	}

	m := make(map[string]ProviderCredential, len(providers))
	for name, pc := range providers {
		if pc.AccessToken == "" {
			return Credential{}, fmt.Errorf("provider %s: empty access token", name)
		}

		m[name] = pc
	}

	return Credential{providers: m}, nil
}

// FromTokens builds a Credential from freshly exchanged provider tokens.
func FromTokens(tokens map[string]models.StandardToken, now time.Time) (Credential, error) {
	m := make(map[string]ProviderCredential, len(tokens))
	for name, tok := range tokens {
		m[name] = FromStandardToken(tok, now)
	}

	return New(m)
}

// WithSubject returns a copy of c bound to subject.
func (c Credential) WithSubject(subject string) Credential {
	return Credential{providers: c.snapshot(), subject: subject}
}

// Subject returns the sign-in identity, empty until the credential is
// first minted.
func (c Credential) Subject() string {
	return c.subject
}

// Providers returns the connected provider names in sorted order.
func (c Credential) Providers() []string {
	names := make([]string, 0, len(c.providers))
	for name := range c.providers {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Get returns the credential for one provider.
func (c Credential) Get(name string) (ProviderCredential, bool) {
	pc, ok := c.providers[name]
	return pc, ok
}

// Has reports whether every named provider is present.
func (c Credential) Has(names ...string) bool {
	for _, name := range names {
		if _, ok := c.providers[name]; !ok {
			return false
		}
	}

	return true
}

// Len returns the number of providers.
func (c Credential) Len() int {
	return len(c.providers)
}

// IsZero reports whether c was never initialized.
func (c Credential) IsZero() bool {
	return len(c.providers) == 0
}

// EarliestExpiry returns the soonest provider expiry, ignoring providers
// without one. ok is false when no provider reports an expiry.
func (c Credential) EarliestExpiry() (time.Time, bool) {
	var earliest int64

	for _, pc := range c.providers {
		if pc.ExpiresAt <= 0 {
			continue
		}

		if earliest == 0 || pc.ExpiresAt < earliest {
			earliest = pc.ExpiresAt
		}
	}

	if earliest == 0 {
		return time.Time{}, false
	}

	return time.Unix(earliest, 0), true
}

func (c Credential) snapshot() map[string]ProviderCredential {
	m := make(map[string]ProviderCredential, len(c.providers))
	for name, pc := range c.providers {
		m[name] = pc
	}

	return m
}
