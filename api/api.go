// Package api is the HTTP surface of the gateway: the Auth0 login
// handshake, the role-scoped login redirectors and the authenticated
// backend proxy.
package api

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/irbridge/irgate/audit"
	"github.com/irbridge/irgate/identity"
	"github.com/irbridge/irgate/metrics"
	"github.com/irbridge/irgate/role"
	"github.com/irbridge/irgate/session"
)

//go:embed openapi.yaml
var openapiSpec []byte

// Identity is the part of the identity provider client the handlers use.
type Identity interface {
	AuthorizeURL(state, verifier string, p identity.AuthorizeParams) string
	Exchange(ctx context.Context, code, verifier, nonce string) (*session.Session, error)
	LogoutURL(returnTo string) string
}

// Deps are the collaborators and settings the API is built from. Empty
// settings are reported as configuration errors by the handlers that
// need them.
type Deps struct {
	Identity     Identity
	Sessions     *session.Accessor
	Transactions *session.Transactions
	Roles        role.Resolver

	BaseURL  string
	Audience string
	// Connections maps each scoped role to its Auth0 connection name.
	Connections    map[role.Role]string
	BackendURL     string
	BackendTimeout time.Duration
}

// API holds the dependencies needed by the HTTP handlers.
type API struct {
	Deps

	client         *http.Client
	callbackLimit  *ipRateLimiter
	globalLimit    *globalRateLimiter
	trustedProxies []netip.Prefix
	audit          *audit.Logger
	metrics        *metrics.Metrics
	logger         *slog.Logger
}

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// WithAudit sets the audit logger.
func WithAudit(l *audit.Logger) Option {
	return func(a *API) {
		a.audit = l
	}
}

// WithMetrics sets the Prometheus collectors and exposes them on /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *API) {
		a.metrics = m
	}
}

// WithHTTPClient replaces the client used for backend calls.
func WithHTTPClient(c *http.Client) Option {
	return func(a *API) {
		a.client = c
	}
}

// WithTrustedProxies sets the proxies whose forwarding headers are trusted
// when determining the client IP. Entries are CIDRs or bare addresses.
func WithTrustedProxies(cidrs []string) (Option, error) {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if !strings.Contains(c, "/") {
			addr, err := netip.ParseAddr(c)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", c, err)
			}
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(c)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", c, err)
		}
		prefixes = append(prefixes, p.Masked())
	}
	return func(a *API) {
		a.trustedProxies = prefixes
	}, nil
}

const defaultBackendTimeout = 5 * time.Second

// New creates a new API instance.
func New(deps Deps, opts ...Option) *API {
	a := &API{
		Deps:          deps,
		callbackLimit: newIPRateLimiter(),
		globalLimit:   newGlobalRateLimiter(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	if a.audit == nil {
		a.audit = audit.New(a.logger, nil)
	}
	if a.client == nil {
		a.client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if a.BackendTimeout <= 0 {
		a.BackendTimeout = defaultBackendTimeout
	}
	return a
}

// Router returns a chi.Router with all routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/healthz", a.Health)
	r.Handle("/metrics", a.metrics.Handler())

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})
	r.Handle("/docs", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/openapi.yaml",
		Path:    "docs",
		Title:   "irgate API",
	}, nil))

	r.Route("/auth", func(r chi.Router) {
		r.Get("/login", a.Login)
		r.Get("/callback", a.Callback)
		r.Get("/logout", a.Logout)
		r.Get("/profile", a.Profile)
		r.Get("/access-token", a.AccessToken)

		r.Get("/admin-login", a.RoleLogin(role.Admin))
		r.Get("/corporate-login", a.RoleLogin(role.Corporate))
		r.Get("/investor-login", a.RoleLogin(role.Investor))
	})

	r.Route("/api", func(r chi.Router) {
		for _, p := range proxyRoutes {
			r.Method(p.method, p.pattern, a.proxy(p))
		}
	})

	return r
}

// StartSweeper periodically drops stale rate-limit records until ctx is
// done.
func (a *API) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.callbackLimit.sweep()
			}
		}
	}()
}

// Health reports liveness.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}
