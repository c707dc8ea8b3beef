package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rcourtman/bizdesk/internal/api"
	"github.com/rcourtman/bizdesk/internal/config"
	"github.com/rcourtman/bizdesk/internal/crypto"
	"github.com/rcourtman/bizdesk/internal/logging"
	"github.com/rcourtman/bizdesk/internal/metrics"
	"github.com/rcourtman/bizdesk/internal/oidcauth"
	"github.com/rcourtman/bizdesk/internal/session"
	"github.com/rcourtman/bizdesk/internal/store"
	"github.com/rcourtman/bizdesk/internal/websocket"
	"github.com/rcourtman/bizdesk/pkg/access"
	"github.com/rcourtman/bizdesk/pkg/entitlement"
	"github.com/rcourtman/bizdesk/pkg/identity"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout  = 30 * time.Second
	discoveryTimeout = 15 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bizdesk HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServer(ctx)
	},
}

func runServer(ctx context.Context) error {
	// Baseline logging for early startup messages.
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "bizdesk",
	})

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "bizdesk",
		FilePath:  cfg.LogFile,
	})
	defer logging.Shutdown()

	log.Info().Str("version", Version).Msg("Starting bizdesk server")
	if cfg.SessionSecretGenerated {
		log.Warn().Msg("BIZDESK_SESSION_SECRET is not set; using a random secret, sessions end on restart")
	}
	if cfg.DevLogin {
		log.Warn().Msg("Development login is enabled; do not use this in production")
	}

	st, err := store.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	var auth *oidcauth.Authenticator
	if cfg.OIDCEnabled() {
		discoverCtx, cancel := context.WithTimeout(ctx, discoveryTimeout)
		auth, err = oidcauth.New(discoverCtx, oidcauth.Settings{
			IssuerURL:    cfg.OIDCIssuerURL,
			ClientID:     cfg.OIDCClientID,
			ClientSecret: cfg.OIDCClientSecret,
			RedirectURL:  cfg.OIDCRedirectURL,
			Scopes:       cfg.OIDCScopes,
		})
		cancel()
		if err != nil {
			return err
		}
		log.Info().Str("issuer", cfg.OIDCIssuerURL).Msg("OIDC sign-in enabled")
	}

	sealer, err := crypto.LoadOrCreate(cfg.DataDir)
	if err != nil {
		return err
	}

	gate := access.NewGate(access.WithStrictBundle(cfg.StrictBundle))

	// The hub reads session state lazily, so it can be built before the
	// session manager it reports on.
	var sessions *session.Manager
	hub := websocket.NewHub(func(sessionID string) interface{} {
		if sess, ok := sessions.Get(sessionID); ok {
			return api.NewEntitlementsView(gate, sess.Entitlements.Current())
		}
		return api.NewEntitlementsView(gate, entitlement.Empty())
	})
	hub.OnClientCount(func(n int) { metrics.WebsocketClients.Set(float64(n)) })
	hub.OnRefresh(func(ctx context.Context, sessionID string) {
		if sess, ok := sessions.Get(sessionID); ok {
			sess.Entitlements.Refresh(ctx)
		}
	})

	var revoke func(ctx context.Context, token string) error
	if auth != nil {
		revoke = auth.Revoke
	}
	sessions, err = session.NewManager(session.Options{
		Secret:      []byte(cfg.SessionSecret),
		TTL:         cfg.SessionTTL,
		IdleTimeout: cfg.SessionIdleTimeout,
		Secure:      cfg.SecureCookies,
		Store:       st,
		Hints:       identity.NewFileHintStore(cfg.SessionDir(), identity.WithCipher(sealer)),
		EndedPath:   filepath.Join(cfg.SessionDir(), "signed-out.json"),
		EntitlementOptions: []entitlement.Option{
			entitlement.WithEmailFallback(cfg.EmailFallback),
			entitlement.WithRefreshTimeout(cfg.RefreshTimeout),
			entitlement.WithHooks(metrics.EntitlementHooks()),
		},
		Revoke: revoke,
		OnChange: func(sessionID string, state entitlement.State) {
			hub.Publish(sessionID, websocket.TypeEntitlements, api.NewEntitlementsView(gate, state))
		},
		OnCount: func(n int) { metrics.SessionsActive.Set(float64(n)) },
	})
	if err != nil {
		return err
	}

	router := api.NewRouter(api.Deps{
		Config:   cfg,
		Sessions: sessions,
		Gate:     gate,
		Hub:      hub,
		Auth:     auth,
		Health:   st.Ping,
		Version:  Version,
	})

	// ReadHeaderTimeout rather than ReadTimeout: a connection deadline would
	// outlive the websocket upgrade.
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	configWatcher, err := config.NewWatcher(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create config watcher, .env changes will require restart")
	} else {
		configWatcher.OnLogLevel(func(level string) {
			if logging.SetLevel(level) {
				log.Info().Str("level", level).Msg("Log level changed")
			}
		})
		if err := configWatcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to start config watcher")
		}
		defer configWatcher.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return sessions.Run(gctx)
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return metrics.Serve(gctx, cfg.MetricsAddr)
		})
	}
	g.Go(func() error {
		log.Info().Str("addr", cfg.ListenAddr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
		return nil
	})
	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-hup:
				log.Info().Msg("Received SIGHUP, reloading configuration...")
				if configWatcher != nil {
					configWatcher.Reload()
				}
			case <-gctx.Done():
				return nil
			}
		}
	})

	err = g.Wait()
	log.Info().Msg("Server stopped")
	return err
}
