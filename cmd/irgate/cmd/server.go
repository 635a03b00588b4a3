package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/irbridge/irgate/api"
	"github.com/irbridge/irgate/audit"
	"github.com/irbridge/irgate/config"
	"github.com/irbridge/irgate/gatekeeper"
	"github.com/irbridge/irgate/identity"
	"github.com/irbridge/irgate/metrics"
	"github.com/irbridge/irgate/role"
	"github.com/irbridge/irgate/session"
	"github.com/irbridge/irgate/telemetry"
	"github.com/irbridge/irgate/web"
)

var (
	tlsCert string
	tlsKey  string
)

const rateLimitSweepInterval = 5 * time.Minute

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the session gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile, cmd.Flags())
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		logger := newLogger(cfg)
		slog.SetDefault(logger)
		if cfg.BackendURLDefaulted {
			logger.Warn("backend URL not configured, using local development default",
				"key", config.KeyBackendURL, "url", config.DefaultBackendURL)
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		shutdownTelemetry := telemetry.Setup(ctx, "irgate", Version, logger)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTelemetry(sctx); err != nil {
				logger.Warn("telemetry shutdown failed", "error", err)
			}
		}()

		codec, err := session.NewCodec(cfg.Auth0.Secrets)
		if err != nil {
			return fmt.Errorf("building cookie codec: %w", err)
		}
		lifetime := session.Lifetime{
			Rolling:    cfg.Session.Rolling,
			Inactivity: cfg.Session.InactivityDuration,
			Absolute:   cfg.Session.AbsoluteDuration,
		}
		cookies := session.CookieOptions{Secure: strings.HasPrefix(cfg.Auth0.BaseURL, "https://")}

		store, closeStore, err := openSessionStore(ctx, cfg, codec, lifetime, cookies, logger)
		if err != nil {
			return err
		}
		defer closeStore()

		idp, err := identity.New(ctx, identity.Config{
			Issuer:       identity.IssuerForDomain(cfg.Auth0.Domain),
			ClientID:     cfg.Auth0.ClientID,
			ClientSecret: cfg.Auth0.ClientSecret,
			BaseURL:      cfg.Auth0.BaseURL,
			Audience:     cfg.Auth0.Audience,
			Scopes:       strings.Fields(cfg.Auth0.Scope),
		})
		if err != nil {
			return err
		}

		m := metrics.New()

		var webhook *audit.Webhook
		if cfg.AuditWebhookURL != "" {
			webhook = audit.NewWebhook(cfg.AuditWebhookURL, cfg.AuditWebhookHeader, logger)
			defer webhook.Close()
		}
		detector := audit.NewDetector(func(a audit.Alert) {
			logger.Warn("anomaly detected",
				"type", a.Type, "message", a.Message, "count", a.Count, "threshold", a.Threshold)
			m.Alert(string(a.Type))
			webhook.EnqueueAlert(a)
		})
		auditLog := audit.New(logger, detector).WithWebhook(webhook)

		accessor := session.NewAccessor(store, idp).WithLogger(logger)
		accessor.OnRefresh = m.TokenRefresh
		resolver := role.Resolver{Claim: cfg.Auth0.RoleClaim, Logger: logger}

		trusted, err := api.WithTrustedProxies(cfg.TrustedProxies)
		if err != nil {
			return err
		}
		a := api.New(api.Deps{
			Identity:     idp,
			Sessions:     accessor,
			Transactions: session.NewTransactions(codec, cookies),
			Roles:        resolver,
			BaseURL:      cfg.Auth0.BaseURL,
			Audience:     cfg.Auth0.Audience,
			Connections: map[role.Role]string{
				role.Admin:     cfg.Auth0.AdminConnection,
				role.Corporate: cfg.Auth0.CorporateConnection,
				role.Investor:  cfg.Auth0.InvestorConnection,
			},
			BackendURL:     cfg.BackendURL,
			BackendTimeout: cfg.BackendTimeout,
		}, api.WithLogger(logger), api.WithAudit(auditLog), api.WithMetrics(m), trusted)
		a.StartSweeper(ctx, rateLimitSweepInterval)

		gk := gatekeeper.New(store, gatekeeper.Options{
			Rolling: cfg.Session.Rolling,
			Audit:   auditLog,
			Metrics: m,
			Logger:  logger,
		})

		assets, err := web.Assets(cfg.WebDir)
		if err != nil {
			return err
		}
		webHandler, err := web.Handler(assets, &web.Gate{
			Routes:   gatekeeper.DefaultRoutes(),
			Sessions: accessor,
			Roles:    resolver,
			Logger:   logger,
		})
		if err != nil {
			return err
		}

		apiRouter := a.Router()
		apiRouter.NotFound(webHandler.ServeHTTP)

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)
		r.Use(api.SecurityHeaders)
		r.Use(gk.Middleware)
		r.Mount("/", apiRouter)

		var tlsConfig *tls.Config
		if tlsCert != "" && tlsKey != "" {
			cert, err := tls.LoadX509KeyPair(tlsCert, tlsKey)
			if err != nil {
				return fmt.Errorf("failed to load TLS key pair: %w", err)
			}
			tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		}

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           otelhttp.NewHandler(r, "irgate"),
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      cfg.BackendTimeout + 30*time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			var err error
			if tlsConfig != nil {
				err = server.ListenAndServeTLS("", "")
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner(cmd.OutOrStdout())
		logger.Info("listening",
			"port", cfg.Port, "tls", tlsConfig != nil, "session_store", cfg.Session.Store, "backend", cfg.BackendURL)

		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(sctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

// newLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func init() {
	rootCmd.AddCommand(serverCmd)
	f := serverCmd.Flags()
	f.StringP("port", "p", "", "Port to listen on (PORT)")
	f.String("backend-url", "", "Backend API base URL (BACKEND_URL)")
	f.String("session-store", "", "Session store: cookie, memory, bbolt, postgres or redis (SESSION_STORE)")
	f.String("web-dir", "", "Directory holding the built frontend (WEB_DIR)")
	f.String("log-level", "", "Log level: debug, info, warn or error (LOG_LEVEL)")
	f.String("log-format", "", "Log format: json or text (LOG_FORMAT)")
	f.String("trusted-proxies", "", "Comma separated proxy CIDRs whose forwarding headers are trusted (TRUSTED_PROXIES)")
	f.StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	f.StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
}
