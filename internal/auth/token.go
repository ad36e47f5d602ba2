package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"mime"
	"net/http"

	"github.com/alexjbarnes/provider-bridge/internal/credential"
)

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code"`
	RedirectURI  string `json:"redirect_uri"`
	CodeVerifier string `json:"code_verifier"`
	ClientID     string `json:"client_id"`
	RefreshToken string `json:"refresh_token"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
}

// HandleToken returns the /access-token handler for the authorization_code
// and refresh_token grants.
func HandleToken(store *Store, codec *credential.Codec, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

		req, ok := decodeTokenRequest(w, r)
		if !ok {
			return
		}

		switch req.GrantType {
		case "authorization_code":
			handleAuthorizationCode(w, store, logger, req)
		case "refresh_token":
			handleRefreshToken(w, r, store, codec, logger, req)
		default:
			writeJSONError(w, http.StatusBadRequest, "unsupported_grant_type", "grant_type must be authorization_code or refresh_token")
		}
	}
}

// decodeTokenRequest accepts both JSON and form-encoded bodies.
func decodeTokenRequest(w http.ResponseWriter, r *http.Request) (tokenRequest, bool) {
	var req tokenRequest

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
			return req, false
		}

		return req, true
	}

	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid form data")
		return req, false
	}

	return tokenRequest{
		GrantType:    r.PostFormValue("grant_type"),
		Code:         r.PostFormValue("code"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		CodeVerifier: r.PostFormValue("code_verifier"),
		ClientID:     r.PostFormValue("client_id"),
		RefreshToken: r.PostFormValue("refresh_token"),
	}, true
}

func handleAuthorizationCode(w http.ResponseWriter, store *Store, logger *slog.Logger, req tokenRequest) {
	if req.Code == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "code is required")
		return
	}

	// Consume before validating so a failed attempt also burns the code.
	ce := store.ConsumeCode(req.Code)
	if ce == nil {
		logger.Warn("token: unknown or reused authorization code")
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "invalid or expired authorization code")

		return
	}

	if req.ClientID != "" && ce.ClientID != "" && req.ClientID != ce.ClientID {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "client_id mismatch")
		return
	}

	if req.RedirectURI != "" && req.RedirectURI != ce.RedirectURI {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
		return
	}

	if req.CodeVerifier == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "code_verifier is required")
		return
	}

	if !verifyPKCE(req.CodeVerifier, ce.CodeChallenge) {
		logger.Warn("token: PKCE verification failed", slog.String("client_id", ce.ClientID))
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "PKCE verification failed")

		return
	}

	logger.Info("token: authorization code exchanged", slog.String("client_id", ce.ClientID))

	writeToken(w, tokenResponse{
		AccessToken:  ce.AccessToken,
		RefreshToken: ce.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    secondsUntil(store, ce),
		Scope:        ce.Scope,
	})
}

func secondsUntil(store *Store, ce *CodeEntry) int64 {
	secs := int64(ce.AccessExpiresAt.Sub(store.now()).Seconds())
	if secs < 0 {
		return 0
	}

	return secs
}

func handleRefreshToken(w http.ResponseWriter, r *http.Request, store *Store, codec *credential.Codec, logger *slog.Logger, req tokenRequest) {
	if req.RefreshToken == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	pair, err := codec.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		logger.Warn("token: refresh rejected", slog.String("error", err.Error()))
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "refresh failed, re-authenticate")

		return
	}

	writeToken(w, tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    pair.ExpiresIn(store.now()),
		Scope:        pair.Scope,
	})
}

func writeToken(w http.ResponseWriter, resp tokenResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(resp)
}

// verifyPKCE checks that BASE64URL(SHA256(verifier)) matches the challenge.
func verifyPKCE(verifier, challenge string) bool {
	h := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(h[:])

	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
