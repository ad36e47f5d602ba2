package mcpserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/provider-bridge/internal/auth"
	"github.com/alexjbarnes/provider-bridge/internal/capability"
	"github.com/alexjbarnes/provider-bridge/internal/session"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	serverName      = "provider-bridge"
	sessionIDHeader = "Mcp-Session-Id"
)

// Options configures the MCP endpoint.
type Options struct {
	Manager *session.Manager
	Clients *capability.Clients
	Version string
	// ConcurrentSampling declares that the client transport carries
	// concurrent sampling requests. When false they are queued.
	ConcurrentSampling bool
	IdleTimeout        time.Duration
	Logger             *slog.Logger
}

// NewServer builds the MCP server for one bridge session. Its MCP session
// id is the bridge session id, so the session's event log backs the
// transport's replay.
func NewServer(s *session.Session, opts Options) *mcp.Server {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	if opts.Clients == nil {
		opts.Clients = capability.NewClients(0, nil)
	}

	server := mcp.NewServer(
		&mcp.Implementation{Name: serverName, Version: opts.Version},
		&mcp.ServerOptions{
			GetSessionID: s.ID,
			Logger:       opts.Logger,
		},
	)

	RegisterTools(server, &Tools{
		sess:               s,
		resumer:            opts.Manager,
		clients:            opts.Clients,
		concurrentSampling: opts.ConcurrentSampling,
		logger:             opts.Logger,
	})

	return server
}

// NewHandler returns the streamable HTTP handler for /mcp. It expects the
// bearer middleware to have run. A request naming a session the manager
// no longer holds gets 404 so the client starts over with a fresh
// initialize.
func NewHandler(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	if opts.Clients == nil {
		opts.Clients = capability.NewClients(0, nil)
	}

	streamable := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		cred, ok := auth.CredentialFromContext(r.Context())
		if !ok {
			return nil
		}

		return NewServer(opts.Manager.Open(cred), opts)
	}, &mcp.StreamableHTTPOptions{
		EventStore:     opts.Manager.EventStore(),
		SessionTimeout: opts.IdleTimeout,
		Logger:         opts.Logger,
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get(sessionIDHeader); id != "" {
			if _, err := opts.Manager.Get(id); err != nil {
				http.Error(w, "session not found", http.StatusNotFound)
				return
			}
		}

		streamable.ServeHTTP(w, r)
	})
}
