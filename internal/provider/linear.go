package provider

import (
	"context"
	"strings"

	"github.com/alexjbarnes/provider-bridge/internal/models"
	"golang.org/x/oauth2"
)

var linearEndpoint = oauth2.Endpoint{
	AuthURL:   "https://linear.app/oauth/authorize",
	TokenURL:  "https://api.linear.app/oauth/token",
	AuthStyle: oauth2.AuthStyleInParams,
}

// linearProvider talks to Linear. Linear rotates refresh tokens: every
// refresh returns a new one and invalidates the old.
type linearProvider struct {
	oauthClient
}

func newLinear(cfg Config) *linearProvider {
	return &linearProvider{oauthClient: newOAuthClient(Linear, cfg, linearEndpoint, []string{"read"})}
}

// AuthorizationURL sends scopes comma separated, which is what Linear's
// authorize endpoint expects.
func (l *linearProvider) AuthorizationURL(p AuthParams) string {
	scopes := p.Scopes
	if len(scopes) == 0 {
		scopes = l.conf.Scopes
	}

	return l.authURL(p,
		oauth2.SetAuthURLParam("scope", strings.Join(scopes, ",")),
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
}

func (l *linearProvider) ExchangeCode(ctx context.Context, code, _ string) (models.StandardToken, error) {
	return l.exchange(ctx, code)
}

func (l *linearProvider) Refresh(ctx context.Context, refreshToken string) (models.StandardToken, error) {
	return l.refreshGrant(ctx, refreshToken)
}
