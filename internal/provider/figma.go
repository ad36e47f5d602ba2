package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	apperrors "github.com/alexjbarnes/provider-bridge/internal/errors"
	"github.com/alexjbarnes/provider-bridge/internal/models"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
)

var figmaEndpoint = oauth2.Endpoint{
	AuthURL:   "https://www.figma.com/oauth",
	TokenURL:  "https://api.figma.com/v1/oauth/token",
	AuthStyle: oauth2.AuthStyleInHeader,
}

const figmaRefreshURL = "https://api.figma.com/v1/oauth/refresh"

// maxProviderBody caps how much of a provider response is read.
const maxProviderBody = 1 << 20

// figmaProvider talks to Figma. Figma refreshes through a dedicated
// endpoint whose response carries no refresh token, so the original one is
// kept. Figma also percent-encodes the state a second time on redirect.
type figmaProvider struct {
	oauthClient
	refreshURL string
}

func newFigma(cfg Config) *figmaProvider {
	refreshURL := cfg.RefreshURL
	if refreshURL == "" {
		refreshURL = figmaRefreshURL
	}

	return &figmaProvider{
		oauthClient: newOAuthClient(Figma, cfg, figmaEndpoint, []string{"file_content:read", "file_comments:read"}),
		refreshURL:  refreshURL,
	}
}

func (f *figmaProvider) AuthorizationURL(p AuthParams) string {
	return f.authURL(p, oauth2.SetAuthURLParam("response_type", "code"))
}

func (f *figmaProvider) ParseCallback(q url.Values) (string, string, error) {
	code, state, err := defaultParseCallback(q)
	if err != nil {
		return "", "", err
	}

	if decoded, err := url.QueryUnescape(state); err == nil {
		state = decoded
	}

	return code, state, nil
}

func (f *figmaProvider) ExchangeCode(ctx context.Context, code, _ string) (models.StandardToken, error) {
	return f.exchange(ctx, code)
}

// Refresh calls Figma's refresh endpoint and returns the input refresh
// token unchanged alongside the new access token.
func (f *figmaProvider) Refresh(ctx context.Context, refreshToken string) (models.StandardToken, error) {
	if refreshToken == "" {
		return models.StandardToken{}, fmt.Errorf("%w: figma: no refresh token", apperrors.ErrRefreshFailed)
	}

	form := url.Values{"refresh_token": {refreshToken}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.refreshURL, strings.NewReader(form.Encode()))
	if err != nil {
		return models.StandardToken{}, fmt.Errorf("%w: figma: building request: %w", apperrors.ErrRefreshFailed, err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(url.QueryEscape(f.conf.ClientID), url.QueryEscape(f.conf.ClientSecret))

	resp, err := f.client.Do(req)
	if err != nil {
		return models.StandardToken{}, fmt.Errorf("%w: figma: %w", apperrors.ErrRefreshFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderBody))
	if err != nil {
		return models.StandardToken{}, fmt.Errorf("%w: figma: reading response: %w", apperrors.ErrRefreshFailed, err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := gjson.GetBytes(body, "message").String()
		if msg == "" {
			msg = gjson.GetBytes(body, "error").String()
		}

		return models.StandardToken{}, fmt.Errorf("%w: figma: status %d: %s", apperrors.ErrRefreshFailed, resp.StatusCode, msg)
	}

	parsed := gjson.ParseBytes(body)

	access := parsed.Get("access_token").String()
	if access == "" {
		return models.StandardToken{}, fmt.Errorf("%w: figma: response has no access_token", apperrors.ErrRefreshFailed)
	}

	tokenType := parsed.Get("token_type").String()
	if tokenType == "" {
		tokenType = "Bearer"
	}

	return models.StandardToken{
		AccessToken:  access,
		RefreshToken: refreshToken,
		TokenType:    tokenType,
		ExpiresIn:    parsed.Get("expires_in").Int(),
		Scope:        parsed.Get("scope").String(),
	}, nil
}
