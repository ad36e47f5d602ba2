package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/alexjbarnes/provider-bridge/internal/connect"
	"github.com/alexjbarnes/provider-bridge/internal/credential"
	"github.com/alexjbarnes/provider-bridge/internal/hub"
)

// HandleDone returns the /auth/done handler. It finalizes the hub, mints
// the credential token pair, binds it to the code chosen at /authorize and
// redirects the browser back to the client.
func HandleDone(store *Store, hubStore *hub.Store, codec *credential.Codec, logger *slog.Logger, serverURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, cred, err := hubStore.Finalize(w, r)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, hub.ErrNothingToFinish) {
				status = http.StatusConflict
			}

			logger.Warn("done: finalize failed", slog.String("error", err.Error()))
			connect.RenderError(w, status, "Cannot finish sign-in", err.Error())

			return
		}

		pair, err := codec.Mint(cred)
		if err != nil {
			logger.Error("done: minting credential", slog.String("error", err.Error()))
			redirectWithError(w, r, req.RedirectURI, req.State, "server_error", "could not issue credential")

			return
		}

		store.SaveCode(&CodeEntry{
			Code:            req.Code,
			AccessToken:     pair.AccessToken,
			RefreshToken:    pair.RefreshToken,
			AccessExpiresAt: pair.AccessExpiresAt,
			ClientID:        req.ClientID,
			RedirectURI:     req.RedirectURI,
			CodeChallenge:   req.CodeChallenge,
			Scope:           pair.Scope,
			ExpiresAt:       store.now().Add(codeExpiry),
		})

		logger.Info("done: authorization code issued",
			slog.String("client_id", req.ClientID),
			slog.String("providers", pair.Scope),
		)

		params := url.Values{}
		params.Set("code", req.Code)

		if req.State != "" {
			params.Set("state", req.State)
		}

		// RFC 9207: include the issuer identifier to prevent mix-up attacks.
		if serverURL != "" {
			params.Set("iss", serverURL)
		}

		http.Redirect(w, r, appendQuery(req.RedirectURI, params), http.StatusFound)
	}
}
