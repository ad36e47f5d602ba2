// Package server assembles the bridge's HTTP surface.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/provider-bridge/internal/auth"
	"github.com/alexjbarnes/provider-bridge/internal/connect"
	"github.com/alexjbarnes/provider-bridge/internal/credential"
	"github.com/alexjbarnes/provider-bridge/internal/hub"
	"github.com/alexjbarnes/provider-bridge/internal/provider"
	"github.com/alexjbarnes/provider-bridge/internal/session"
)

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Providers       *provider.Set
	AuthStore       *auth.Store
	Hub             *hub.Store
	Codec           *credential.Codec
	Sessions        *session.API
	MCPHandler      http.Handler
	Logger          *slog.Logger
	ServerURL       string
	ProviderTimeout time.Duration
}

// NewMux builds the HTTP mux with OAuth discovery, registration, the
// client-facing authorization flow, the connection hub, the session API
// and the MCP endpoint. Session and MCP routes require a bearer token.
func NewMux(cfg MuxConfig) *http.ServeMux {
	names := cfg.Providers.Names()

	mux := http.NewServeMux()
	resourceMeta := auth.HandleProtectedResourceMetadata(cfg.ServerURL, names)
	mux.Handle(auth.ResourceMetaURI, resourceMeta)
	mux.Handle(auth.ResourceMetaURI+"/mcp", resourceMeta)
	mux.HandleFunc(auth.ServerMetaURI, auth.HandleServerMetadata(cfg.ServerURL, names))

	mux.HandleFunc("POST "+auth.RegisterPath, auth.HandleRegistration(cfg.AuthStore, cfg.Logger))
	mux.HandleFunc("GET "+auth.AuthorizePath, auth.HandleAuthorize(cfg.AuthStore, cfg.Hub, cfg.Logger, cfg.ServerURL))
	mux.HandleFunc("POST "+auth.TokenPath, auth.HandleToken(cfg.AuthStore, cfg.Codec, cfg.Logger))
	mux.HandleFunc("GET "+auth.DonePath, auth.HandleDone(cfg.AuthStore, cfg.Hub, cfg.Codec, cfg.Logger, cfg.ServerURL))

	hub.Mount(mux, cfg.Providers, cfg.Hub, connect.Options{
		ServerURL: cfg.ServerURL,
		Timeout:   cfg.ProviderTimeout,
		Logger:    cfg.Logger,
	})

	protect := auth.Middleware(cfg.Codec, cfg.Logger, cfg.ServerURL)
	cfg.Sessions.Mount(mux, protect)
	mux.Handle("/mcp", protect(cfg.MCPHandler))

	return mux
}
