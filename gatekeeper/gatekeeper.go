// Package gatekeeper validates the session cookie on every page request
// before route dispatch.
//
// The gatekeeper never blocks a request for lack of a session. Pages and
// API handlers enforce authorization themselves; the gatekeeper only
// recovers from unreadable cookies and keeps rolling sessions alive.
package gatekeeper

import (
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/irbridge/irgate/audit"
	"github.com/irbridge/irgate/metrics"
	"github.com/irbridge/irgate/session"
)

// State is the outcome of checking one request.
type State string

const (
	StateValid    State = "valid"
	StateInvalid  State = "invalid"
	StateAbsent   State = "absent"
	StateExcluded State = "excluded"
)

// DefaultLoginPath is the login entry point invalid sessions are sent to.
const DefaultLoginPath = "/auth/login"

// DefaultAuthPrefix covers the login, callback and role-scoped redirector
// handlers. They treat a missing session as "start a login" themselves, so
// an invalid session there is cleared and forwarded rather than redirected.
const DefaultAuthPrefix = "/auth/"

// DefaultExclusions matches framework assets, static files, proxied API
// routes and ops endpoints.
var DefaultExclusions = regexp.MustCompile(
	`^/(?:_next/static/|_next/image|static/|assets/|api/)` +
		`|^/favicon\.ico$` +
		`|^/(?:metrics|healthz|openapi\.yaml|docs)$` +
		`|\.(?:svg|png|jpe?g|gif|webp|ico|css|js|map|woff2?|ttf|txt)$`,
)

// Options configures a Gatekeeper. Zero values select defaults.
type Options struct {
	// Rolling re-issues the session cookie on every valid request.
	Rolling    bool
	LoginPath  string
	AuthPrefix string
	Exclusions *regexp.Regexp
	Audit      *audit.Logger
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Gatekeeper is the edge session check.
type Gatekeeper struct {
	store      session.Store
	rolling    bool
	loginPath  string
	authPrefix string
	exclusions *regexp.Regexp
	audit      *audit.Logger
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// New returns a Gatekeeper over store.
func New(store session.Store, opts Options) *Gatekeeper {
	g := &Gatekeeper{
		store:      store,
		rolling:    opts.Rolling,
		loginPath:  opts.LoginPath,
		authPrefix: opts.AuthPrefix,
		exclusions: opts.Exclusions,
		audit:      opts.Audit,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
	}
	if g.loginPath == "" {
		g.loginPath = DefaultLoginPath
	}
	if g.authPrefix == "" {
		g.authPrefix = DefaultAuthPrefix
	}
	if g.exclusions == nil {
		g.exclusions = DefaultExclusions
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	return g
}

// Excluded reports whether path bypasses the gatekeeper.
func (g *Gatekeeper) Excluded(path string) bool {
	return g.exclusions.MatchString(path)
}

// Middleware runs the session check ahead of next.
func (g *Gatekeeper) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		state := g.check(w, r)
		g.metrics.GatekeeperDecision(string(state))

		if state == StateInvalid && !g.handlesLogin(r.URL.Path) {
			http.Redirect(w, r, g.loginPath, http.StatusSeeOther)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handlesLogin reports whether path starts or completes a login on its own.
// Redirecting those would loop or drop their role-specific parameters.
func (g *Gatekeeper) handlesLogin(path string) bool {
	return path == g.loginPath || strings.HasPrefix(path, g.authPrefix)
}

// check classifies r, clearing and stripping cookies that must not travel
// further. It never writes a response body.
func (g *Gatekeeper) check(w http.ResponseWriter, r *http.Request) State {
	if g.Excluded(r.URL.Path) {
		return StateExcluded
	}
	if !session.HasSessionCookie(r) {
		return StateAbsent
	}

	s, err := g.store.Load(r.Context(), r)
	switch {
	case errors.Is(err, session.ErrSessionDecode):
		g.store.Clear(w, r)
		session.StripSessionCookies(r)
		g.audit.Log(audit.InvalidSessionCleared, r)
		return StateInvalid

	case errors.Is(err, session.ErrSessionExpired):
		g.store.Clear(w, r)
		session.StripSessionCookies(r)
		g.audit.Log(audit.ExpiredSessionCleared, r)
		return StateAbsent

	case err != nil:
		// The cookie may well be fine; keep it and let the page decide.
		g.logger.Error("session backend unavailable", "path", r.URL.Path, "error", err)
		g.audit.Failure(audit.SessionBackendFailure, r, err.Error())
		return StateAbsent

	case s == nil:
		return StateAbsent
	}

	if g.rolling {
		if err := g.store.Save(r.Context(), w, r, s); err != nil {
			g.logger.Warn("rolling session refresh failed", "path", r.URL.Path, "error", err)
		}
	}
	return StateValid
}
