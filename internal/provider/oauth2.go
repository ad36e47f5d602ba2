package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	apperrors "github.com/alexjbarnes/provider-bridge/internal/errors"
	"github.com/alexjbarnes/provider-bridge/internal/models"
	"golang.org/x/oauth2"
)

// oauthClient is the shared confidential-client plumbing on top of
// x/oauth2. Concrete providers embed it and override what differs.
type oauthClient struct {
	name     string
	conf     oauth2.Config
	client   *http.Client
	authOpts []oauth2.AuthCodeOption
}

func newOAuthClient(name string, cfg Config, endpoint oauth2.Endpoint, defaultScopes []string) oauthClient {
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}

	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = defaultScopes
	}

	return oauthClient{
		name: name,
		conf: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
		},
		client: cfg.httpClient(),
	}
}

func (o oauthClient) Name() string {
	return o.name
}

func (o oauthClient) DefaultScopes() []string {
	out := make([]string, len(o.conf.Scopes))
	copy(out, o.conf.Scopes)

	return out
}

func (o oauthClient) ParseCallback(q url.Values) (string, string, error) {
	return defaultParseCallback(q)
}

// withClient makes x/oauth2 use the provider's bounded HTTP client.
func (o oauthClient) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, o.client)
}

func (o oauthClient) authURL(p AuthParams, extra ...oauth2.AuthCodeOption) string {
	conf := o.conf
	if p.RedirectURI != "" {
		conf.RedirectURL = p.RedirectURI
	}

	if len(p.Scopes) > 0 {
		conf.Scopes = p.Scopes
	}

	opts := make([]oauth2.AuthCodeOption, 0, len(o.authOpts)+len(extra))
	opts = append(opts, o.authOpts...)
	opts = append(opts, extra...)

	return conf.AuthCodeURL(p.State, opts...)
}

func (o oauthClient) exchange(ctx context.Context, code string) (models.StandardToken, error) {
	tok, err := o.conf.Exchange(o.withClient(ctx), code)
	if err != nil {
		return models.StandardToken{}, fmt.Errorf("%w: %s: %w", apperrors.ErrProviderExchange, o.name, err)
	}

	return fromOAuth2(tok, time.Now()), nil
}

// refreshGrant runs the refresh_token grant and returns whatever the
// token endpoint handed back.
func (o oauthClient) refreshGrant(ctx context.Context, refreshToken string) (models.StandardToken, error) {
	if refreshToken == "" {
		return models.StandardToken{}, fmt.Errorf("%w: %s: no refresh token", apperrors.ErrRefreshFailed, o.name)
	}

	src := o.conf.TokenSource(o.withClient(ctx), &oauth2.Token{RefreshToken: refreshToken})

	tok, err := src.Token()
	if err != nil {
		return models.StandardToken{}, fmt.Errorf("%w: %s: %w", apperrors.ErrRefreshFailed, o.name, err)
	}

	return fromOAuth2(tok, time.Now()), nil
}

// fromOAuth2 normalizes an x/oauth2 token into a StandardToken.
func fromOAuth2(tok *oauth2.Token, now time.Time) models.StandardToken {
	std := models.StandardToken{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresIn:    tok.ExpiresIn,
	}

	if std.TokenType == "" {
		std.TokenType = "Bearer"
	}

	if std.ExpiresIn <= 0 && !tok.Expiry.IsZero() {
		std.ExpiresIn = int64(tok.Expiry.Sub(now).Seconds())
	}

	if scope, ok := tok.Extra("scope").(string); ok {
		std.Scope = scope
	}

	return std
}
