package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/alexjbarnes/provider-bridge/internal/credential"
	sdkauth "github.com/modelcontextprotocol/go-sdk/auth"
)

// credentialKey is the TokenInfo.Extra key holding the decoded credential.
const credentialKey = "credential"

// TokenVerifier validates bridge access tokens for the MCP SDK bearer
// middleware. The decoded credential travels in TokenInfo.Extra.
func TokenVerifier(codec *credential.Codec, logger *slog.Logger) sdkauth.TokenVerifier {
	return func(_ context.Context, token string, r *http.Request) (*sdkauth.TokenInfo, error) {
		claims, err := codec.Parse(token, credential.TypeAccess)
		if err != nil {
			logger.Debug("middleware: invalid bearer token",
				slog.String("ip", remoteIP(r)),
				slog.String("path", r.URL.Path),
				slog.String("error", err.Error()),
			)

			return nil, fmt.Errorf("%w: %w", sdkauth.ErrInvalidToken, err)
		}

		cred, err := claims.Credential()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", sdkauth.ErrInvalidToken, err)
		}

		// UserID makes the MCP transport refuse a session id presented by
		// another sign-in.
		return &sdkauth.TokenInfo{
			UserID:     cred.Subject(),
			Scopes:     cred.Providers(),
			Expiration: claims.ExpiresAt.Time,
			Extra:      map[string]any{credentialKey: cred},
		}, nil
	}
}

// Middleware requires a valid bridge access token. Failures get a 401
// whose WWW-Authenticate header points at the protected resource
// metadata (RFC 9728 Section 5.1).
func Middleware(codec *credential.Codec, logger *slog.Logger, serverURL string) func(http.Handler) http.Handler {
	return sdkauth.RequireBearerToken(TokenVerifier(codec, logger), &sdkauth.RequireBearerTokenOptions{
		ResourceMetadataURL: strings.TrimRight(serverURL, "/") + ResourceMetaURI,
	})
}

// CredentialFromContext returns the credential the middleware decoded for
// this request.
func CredentialFromContext(ctx context.Context) (credential.Credential, bool) {
	return CredentialFromTokenInfo(sdkauth.TokenInfoFromContext(ctx))
}

// CredentialFromTokenInfo extracts the credential placed by TokenVerifier.
func CredentialFromTokenInfo(ti *sdkauth.TokenInfo) (credential.Credential, bool) {
	if ti == nil {
		return credential.Credential{}, false
	}

	cred, ok := ti.Extra[credentialKey].(credential.Credential)

	return cred, ok && !cred.IsZero()
}

// remoteIP extracts the IP address from r.RemoteAddr, stripping the port.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}
