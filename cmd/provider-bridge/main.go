package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/provider-bridge/internal/auth"
	"github.com/alexjbarnes/provider-bridge/internal/capability"
	"github.com/alexjbarnes/provider-bridge/internal/config"
	"github.com/alexjbarnes/provider-bridge/internal/credential"
	"github.com/alexjbarnes/provider-bridge/internal/hub"
	"github.com/alexjbarnes/provider-bridge/internal/logging"
	"github.com/alexjbarnes/provider-bridge/internal/mcpserver"
	"github.com/alexjbarnes/provider-bridge/internal/server"
	"github.com/alexjbarnes/provider-bridge/internal/session"
	"github.com/alexjbarnes/provider-bridge/internal/state"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "provider-bridge",
		Short:         "OAuth bridge exposing Linear, Figma and Google Drive to MCP clients",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the bridge HTTP server",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "keygen",
			Short: "Print a random signing secret for BRIDGE_SIGNING_SECRET",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return keygen(cmd.OutOrStdout())
			},
		},
	)

	return root
}

func keygen(w io.Writer) error {
	b := make([]byte, credential.MinSecretLength)
	if _, err := rand.Read(b); err != nil {
		return fmt.Errorf("generating secret: %w", err)
	}

	_, err := fmt.Fprintln(w, hex.EncodeToString(b))

	return err
}

func openState(path string) (*state.State, error) {
	if path == "" {
		return state.Load()
	}

	return state.LoadAt(path)
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("provider-bridge starting",
		slog.String("version", Version),
		slog.String("server_url", cfg.ServerURL),
		slog.Any("providers", cfg.EnabledProviders()),
	)

	appState, err := openState(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	providers, err := cfg.Providers()
	if err != nil {
		return fmt.Errorf("building providers: %w", err)
	}

	codec, err := credential.NewCodec(credential.Options{
		Secret:         []byte(cfg.SigningSecret),
		Issuer:         cfg.ServerURL,
		Providers:      providers,
		RefreshTTL:     cfg.RefreshTokenTTL,
		RefreshTimeout: cfg.ProviderTimeout,
		Logger:         logger.With(slog.String("component", "credential")),
	})
	if err != nil {
		return fmt.Errorf("creating credential codec: %w", err)
	}

	authStore := auth.NewStore(appState, logger.With(slog.String("component", "auth")))
	defer authStore.Stop()

	hubStore := hub.NewStore(hub.Options{
		Providers: providers.Names(),
		TTL:       cfg.HubTTL,
		Secure:    cfg.Secure(),
		Logger:    logger.With(slog.String("component", "hub")),
	})
	defer hubStore.Stop()

	sessions := session.NewManager(session.Options{
		IdleTimeout:    cfg.SessionIdleTimeout,
		ReaperInterval: cfg.ReaperInterval,
		Logger:         logger.With(slog.String("component", "session")),
	})
	defer sessions.Stop()

	clients := capability.NewClients(cfg.ProviderTimeout, cfg.APIBaseURLs())

	sessionAPI := session.NewAPI(sessions, session.APIOptions{
		Clients:        clients,
		CredentialFrom: auth.CredentialFromContext,
		CallTimeout:    cfg.ProviderTimeout,
		Logger:         logger.With(slog.String("component", "session")),
	})
	defer sessionAPI.Wait()

	mcpHandler := mcpserver.NewHandler(mcpserver.Options{
		Manager:            sessions,
		Clients:            clients,
		Version:            Version,
		ConcurrentSampling: cfg.ConcurrentSampling,
		IdleTimeout:        cfg.SessionIdleTimeout,
		Logger:             logger.With(slog.String("service", "mcp")),
	})

	mux := server.NewMux(server.MuxConfig{
		Providers:       providers,
		AuthStore:       authStore,
		Hub:             hubStore,
		Codec:           codec,
		Sessions:        sessionAPI,
		MCPHandler:      mcpHandler,
		Logger:          logger,
		ServerURL:       cfg.ServerURL,
		ProviderTimeout: cfg.ProviderTimeout,
	})

	// No WriteTimeout: SSE and WebSocket streams are long-lived.
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("listening", slog.String("addr", cfg.ListenAddr))

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
