package credential

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/provider-bridge/internal/errors"
	"github.com/alexjbarnes/provider-bridge/internal/models"
	"github.com/alexjbarnes/provider-bridge/internal/provider"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/sync/errgroup"
)

// TokenType tags a signed token as access or refresh.
type TokenType string

const (
	TypeAccess  TokenType = "access"
	TypeRefresh TokenType = "refresh"
)

const (
	// DefaultSafetyMargin is subtracted from the earliest provider expiry
	// so an access token dies before any embedded provider token does.
	DefaultSafetyMargin = 5 * time.Minute
	DefaultMaxAccessTTL = time.Hour
	DefaultRefreshTTL   = 30 * 24 * time.Hour

	// MinSecretLength is the shortest signing secret accepted.
	MinSecretLength = 32
)

// Claims is the signed payload of both token types.
type Claims struct {
	Providers map[string]ProviderCredential `json:"providers"`
	Type      TokenType                     `json:"type"`
	jwt.RegisteredClaims
}

// Credential rebuilds the Credential carried by the claims.
func (c *Claims) Credential() (Credential, error) {
	cred, err := New(c.Providers)
	if err != nil {
		return Credential{}, err
	}

	return cred.WithSubject(c.Subject), nil
}

// ProviderLookup resolves provider names. *provider.Set implements it.
type ProviderLookup interface {
	Get(name string) (provider.Provider, bool)
}

// Options configures a Codec.
type Options struct {
	Secret         []byte
	Issuer         string
	Providers      ProviderLookup
	SafetyMargin   time.Duration
	MaxAccessTTL   time.Duration
	RefreshTTL     time.Duration
	RefreshTimeout time.Duration
	Logger         *slog.Logger
}

// Pair is a freshly minted access and refresh token.
type Pair struct {
	AccessToken     string
	RefreshToken    string
	AccessExpiresAt time.Time
	Scope           string
}

// ExpiresIn returns the access token lifetime in whole seconds from now.
func (p Pair) ExpiresIn(now time.Time) int64 {
	secs := int64(p.AccessExpiresAt.Sub(now).Seconds())
	if secs < 0 {
		return 0
	}

	return secs
}

// Codec mints, validates and refreshes credential tokens.
type Codec struct {
	accessKey      []byte
	refreshKey     []byte
	issuer         string
	providers      ProviderLookup
	safetyMargin   time.Duration
	maxAccessTTL   time.Duration
	refreshTTL     time.Duration
	refreshTimeout time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

// NewCodec derives the per-type signing keys from the secret.
func NewCodec(opts Options) (*Codec, error) {
	if len(opts.Secret) < MinSecretLength {
		return nil, fmt.Errorf("signing secret must be at least %d bytes", MinSecretLength)
	}

	if opts.Providers == nil {
		return nil, errors.New("provider lookup is required")
	}

	accessKey, err := deriveKey(opts.Secret, TypeAccess)
	if err != nil {
		return nil, err
	}

	refreshKey, err := deriveKey(opts.Secret, TypeRefresh)
	if err != nil {
		return nil, err
	}

	c := &Codec{
		accessKey:      accessKey,
		refreshKey:     refreshKey,
		issuer:         opts.Issuer,
		providers:      opts.Providers,
		safetyMargin:   opts.SafetyMargin,
		maxAccessTTL:   opts.MaxAccessTTL,
		refreshTTL:     opts.RefreshTTL,
		refreshTimeout: opts.RefreshTimeout,
		logger:         opts.Logger,
		now:            time.Now,
	}

	if c.safetyMargin <= 0 {
		c.safetyMargin = DefaultSafetyMargin
	}

	if c.maxAccessTTL <= 0 {
		c.maxAccessTTL = DefaultMaxAccessTTL
	}

	if c.refreshTTL <= 0 {
		c.refreshTTL = DefaultRefreshTTL
	}

	if c.refreshTimeout <= 0 {
		c.refreshTimeout = provider.DefaultTimeout
	}

	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}

	return c, nil
}

func deriveKey(secret []byte, typ TokenType) ([]byte, error) {
	key := make([]byte, 32)

	r := hkdf.New(sha256.New, secret, nil, []byte("provider-bridge token "+string(typ)))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving %s key: %w", typ, err)
	}

	return key, nil
}

func (c *Codec) key(typ TokenType) ([]byte, error) {
	switch typ {
	case TypeAccess:
		return c.accessKey, nil
	case TypeRefresh:
		return c.refreshKey, nil
	default:
		return nil, fmt.Errorf("unknown token type %q", typ)
	}
}

// AccessExpiry computes the access token expiry for cred: the earliest
// provider expiry minus the safety margin, capped at now+MaxAccessTTL.
// The result is not raised to any floor; it may already be past.
func (c *Codec) AccessExpiry(cred Credential, now time.Time) time.Time {
	upper := now.Add(c.maxAccessTTL)

	earliest, ok := cred.EarliestExpiry()
	if !ok {
		return upper
	}

	exp := earliest.Add(-c.safetyMargin)

	if exp.After(upper) {
		return upper
	}

	return exp
}

// Mint signs an access and refresh token carrying cred. A credential whose
// earliest provider expiry is inside the safety margin yields no access
// token; Mint fails with ErrRefreshRequired instead. A credential without
// a subject gets a new one.
func (c *Codec) Mint(cred Credential) (Pair, error) {
	if cred.IsZero() {
		return Pair{}, apperrors.ErrEmptyCredential
	}

	if cred.Subject() == "" {
		cred = cred.WithSubject(randomID())
	}

	now := c.now()

	accessExp := c.AccessExpiry(cred, now)
	if !accessExp.After(now) {
		return Pair{}, fmt.Errorf("%w: access token would expire at %s", apperrors.ErrRefreshRequired, accessExp.UTC().Format(time.RFC3339))
	}

	access, err := c.sign(cred, TypeAccess, now, accessExp)
	if err != nil {
		return Pair{}, err
	}

	refresh, err := c.sign(cred, TypeRefresh, now, now.Add(c.refreshTTL))
	if err != nil {
		return Pair{}, err
	}

	return Pair{
		AccessToken:     access,
		RefreshToken:    refresh,
		AccessExpiresAt: accessExp,
		Scope:           strings.Join(cred.Providers(), " "),
	}, nil
}

func (c *Codec) sign(cred Credential, typ TokenType, now, exp time.Time) (string, error) {
	key, err := c.key(typ)
	if err != nil {
		return "", err
	}

	claims := Claims{
		Providers: cred.snapshot(),
		Type:      typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   cred.Subject(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        randomID(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("signing %s token: %w", typ, err)
	}

	return signed, nil
}

// Parse verifies signature, expiry, issuer and type, and returns the
// claims. Every failure wraps ErrInvalidToken.
func (c *Codec) Parse(token string, typ TokenType) (*Claims, error) {
	key, err := c.key(typ)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrInvalidToken, err)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	}
	if c.issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.issuer))
	}

	claims := &Claims{}

	_, err = jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return key, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrInvalidToken, err)
	}

	if claims.Type != typ {
		return nil, fmt.Errorf("%w: expected %s token, got %q", apperrors.ErrInvalidToken, typ, claims.Type)
	}

	if len(claims.Providers) == 0 {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrInvalidToken, apperrors.ErrEmptyCredential)
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", apperrors.ErrInvalidToken)
	}

	return claims, nil
}

// Validate parses a token of the given type and returns its Credential.
func (c *Codec) Validate(token string, typ TokenType) (Credential, error) {
	claims, err := c.Parse(token, typ)
	if err != nil {
		return Credential{}, err
	}

	cred, err := claims.Credential()
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %w", apperrors.ErrInvalidToken, err)
	}

	return cred, nil
}

// Refresh refreshes every provider in the refresh token concurrently and
// mints a new pair. If any provider fails nothing is issued. Provider calls
// are detached from ctx cancellation and bounded by the refresh timeout
// instead, so a client hanging up cannot leave half the providers rotated.
func (c *Codec) Refresh(ctx context.Context, refreshToken string) (Pair, error) {
	cred, err := c.Validate(refreshToken, TypeRefresh)
	if err != nil {
		return Pair{}, err
	}

	names := cred.Providers()

	providers := make([]provider.Provider, len(names))
	for i, name := range names {
		p, ok := c.providers.Get(name)
		if !ok {
			return Pair{}, fmt.Errorf("%w: %w: %s", apperrors.ErrRefreshFailed, apperrors.ErrUnknownProvider, name)
		}

		providers[i] = p
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.refreshTimeout)
	defer cancel()

	results := make([]models.StandardToken, len(names))

	var g errgroup.Group

	for i, p := range providers {
		old, _ := cred.Get(names[i])

		g.Go(func() error {
			tok, err := p.Refresh(ctx, old.RefreshToken)
			if err != nil {
				return fmt.Errorf("%s: %w", p.Name(), err)
			}

			if tok.AccessToken == "" {
				return fmt.Errorf("%s: refresh returned no access token", p.Name())
			}

			results[i] = tok

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		c.logger.Warn("credential refresh failed", slog.String("error", err.Error()))

		if errors.Is(err, apperrors.ErrRefreshFailed) {
			return Pair{}, err
		}

		return Pair{}, fmt.Errorf("%w: %w", apperrors.ErrRefreshFailed, err)
	}

	now := c.now()
	next := make(map[string]ProviderCredential, len(names))

	for i, name := range names {
		next[name] = FromStandardToken(results[i], now)
	}

	refreshed, err := New(next)
	if err != nil {
		return Pair{}, fmt.Errorf("%w: %w", apperrors.ErrRefreshFailed, err)
	}

	c.logger.Info("credential refreshed", slog.String("providers", strings.Join(names, ",")))

	return c.Mint(refreshed.WithSubject(cred.Subject()))
}

func randomID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)

	return hex.EncodeToString(b)
}
