// Package models defines types shared across internal packages.
package models

import "time"

// StandardToken is a provider token response normalized to one shape,
// regardless of what the provider's token endpoint actually returns.
type StandardToken struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
}

// ExpiresAt converts the relative lifetime into an absolute time. A zero
// ExpiresIn means the provider did not report an expiry, and the zero time
// is returned.
func (t StandardToken) ExpiresAt(now time.Time) time.Time {
	if t.ExpiresIn <= 0 {
		return time.Time{}
	}

	return now.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// OAuthClient represents a dynamically registered OAuth client.
type OAuthClient struct {
	ClientID     string    `json:"client_id"`
	ClientName   string    `json:"client_name,omitempty"`
	RedirectURIs []string  `json:"redirect_uris"`
	CreatedAt    time.Time `json:"created_at"`
}
