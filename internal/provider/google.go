package provider

import (
	"context"

	"github.com/alexjbarnes/provider-bridge/internal/models"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

const googleDriveScope = "https://www.googleapis.com/auth/drive.readonly"

// googleProvider talks to Google (Drive as the document store). Google
// issues one long-lived refresh token and does not rotate it.
type googleProvider struct {
	oauthClient
}

func newGoogle(cfg Config) *googleProvider {
	endpoint := endpoints.Google
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	g := &googleProvider{oauthClient: newOAuthClient(Google, cfg, endpoint, []string{googleDriveScope})}

	// Offline access plus forced consent is the only way Google hands out a
	// refresh token on repeat authorizations.
	g.authOpts = []oauth2.AuthCodeOption{oauth2.AccessTypeOffline, oauth2.ApprovalForce}

	return g
}

func (g *googleProvider) AuthorizationURL(p AuthParams) string {
	return g.authURL(p, oauth2.SetAuthURLParam("include_granted_scopes", "true"))
}

func (g *googleProvider) ExchangeCode(ctx context.Context, code, _ string) (models.StandardToken, error) {
	return g.exchange(ctx, code)
}

// Refresh keeps the original refresh token: Google never returns a new one.
func (g *googleProvider) Refresh(ctx context.Context, refreshToken string) (models.StandardToken, error) {
	tok, err := g.refreshGrant(ctx, refreshToken)
	if err != nil {
		return models.StandardToken{}, err
	}

	tok.RefreshToken = refreshToken

	return tok, nil
}
