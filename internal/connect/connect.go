// Package connect builds the two HTTP handlers that drive the
// bridge-to-provider exchange for one provider: authorize and callback.
package connect

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	apperrors "github.com/alexjbarnes/provider-bridge/internal/errors"
	"github.com/alexjbarnes/provider-bridge/internal/models"
	"github.com/alexjbarnes/provider-bridge/internal/provider"
	"golang.org/x/oauth2"
)

// HubPath is where every callback returns the browser to.
const HubPath = "/auth/connect"

// Pending is an in-flight provider exchange bound to one browser session.
type Pending struct {
	Provider string
	State    string
	Verifier string
}

// PendingStore keeps pending exchanges scoped to the browser session that
// started them. Take must be an atomic check-and-delete.
type PendingStore interface {
	PutPending(w http.ResponseWriter, r *http.Request, p Pending) error
	TakePending(r *http.Request, state string) (Pending, error)
}

// SuccessFunc receives the exchanged tokens for the browser session of r.
type SuccessFunc func(r *http.Request, providerName string, tok models.StandardToken) error

// Options configures the handlers for one provider.
type Options struct {
	ServerURL string
	Timeout   time.Duration
	Logger    *slog.Logger
}

func (o Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return provider.DefaultTimeout
	}

	return o.Timeout
}

// MakeAuthorize returns the handler that starts the exchange with p:
// it records state and verifier for this browser session and redirects to
// the provider's authorization page.
func MakeAuthorize(p provider.Provider, store PendingStore, opts Options) http.HandlerFunc {
	logger := opts.Logger

	return func(w http.ResponseWriter, r *http.Request) {
		pending := Pending{
			Provider: p.Name(),
			State:    randomHex(16),
			Verifier: oauth2.GenerateVerifier(),
		}

		if err := store.PutPending(w, r, pending); err != nil {
			logger.Warn("connect: storing pending exchange",
				slog.String("provider", p.Name()),
				slog.String("error", err.Error()),
			)
			RenderError(w, http.StatusBadRequest, "Cannot connect "+DisplayName(p.Name()), err.Error())

			return
		}

		target := p.AuthorizationURL(provider.AuthParams{
			State:       pending.State,
			RedirectURI: provider.CallbackURL(opts.ServerURL, p.Name()),
			Scopes:      p.DefaultScopes(),
			Verifier:    pending.Verifier,
		})

		logger.Info("connect: redirecting to provider", slog.String("provider", p.Name()))
		http.Redirect(w, r, target, http.StatusFound)
	}
}

// MakeCallback returns the handler the provider redirects back to. The code
// is exchanged synchronously with the client secret; on success onSuccess
// receives the tokens and the browser goes back to the hub.
func MakeCallback(p provider.Provider, store PendingStore, onSuccess SuccessFunc, opts Options) http.HandlerFunc {
	logger := opts.Logger
	title := "Could not connect " + DisplayName(p.Name())

	return func(w http.ResponseWriter, r *http.Request) {
		code, state, err := p.ParseCallback(r.URL.Query())
		if err != nil {
			logger.Warn("connect: bad callback", slog.String("provider", p.Name()), slog.String("error", err.Error()))
			RenderError(w, http.StatusBadRequest, title, err.Error())

			return
		}

		pending, err := store.TakePending(r, state)
		if err != nil {
			logger.Warn("connect: unknown state", slog.String("provider", p.Name()), slog.String("error", err.Error()))
			RenderError(w, http.StatusBadRequest, title, "This sign-in link has expired or was already used.")

			return
		}

		if pending.Provider != p.Name() {
			RenderError(w, http.StatusBadRequest, title, "The sign-in response does not match the provider that was started.")
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), opts.timeout())
		defer cancel()

		tok, err := p.ExchangeCode(ctx, code, pending.Verifier)
		if err != nil {
			logger.Error("connect: code exchange failed", slog.String("provider", p.Name()), slog.String("error", err.Error()))
			RenderError(w, http.StatusBadGateway, title, err.Error())

			return
		}

		if tok.AccessToken == "" {
			RenderError(w, http.StatusBadGateway, title, fmt.Sprintf("%v: no access token returned", apperrors.ErrProviderExchange))
			return
		}

		if err := onSuccess(r, p.Name(), tok); err != nil {
			logger.Warn("connect: storing provider tokens", slog.String("provider", p.Name()), slog.String("error", err.Error()))
			RenderError(w, http.StatusBadRequest, title, err.Error())

			return
		}

		logger.Info("connect: provider connected", slog.String("provider", p.Name()))
		http.Redirect(w, r, HubPath, http.StatusFound)
	}
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)

	return hex.EncodeToString(b)
}
