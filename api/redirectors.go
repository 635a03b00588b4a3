package api

import (
	"log/slog"
	"net/http"
	"net/url"

	"github.com/irbridge/irgate/audit"
	"github.com/irbridge/irgate/config"
	"github.com/irbridge/irgate/role"
)

// connectionKeys names the setting behind each role's connection.
var connectionKeys = map[role.Role]string{
	role.Admin:     config.KeyAdminConnection,
	role.Corporate: config.KeyCorporateConnection,
	role.Investor:  config.KeyInvestorConnection,
}

// RoleLogin returns the login redirector for target. A user already signed
// in with target's role goes straight to its landing page; everyone else
// is sent through /auth/login with the role's connection. The redirect
// depends only on the session, so repeated calls agree.
func (a *API) RoleLogin(target role.Role) http.HandlerFunc {
	landing := role.Landing(target)
	return func(w http.ResponseWriter, r *http.Request) {
		connection := a.Connections[target]
		if connection == "" {
			a.writeConfigError(w, r, connectionKeys[target])
			return
		}
		if a.Audience == "" {
			a.writeConfigError(w, r, config.KeyAudience)
			return
		}

		sess, err := a.Sessions.GetSession(r)
		if err != nil {
			// Fall through to a fresh login rather than an error page.
			a.logger.Warn("reading session in login redirector", "role", target, "error", err)
			a.metrics.RedirectorOutcome(string(target), "session_error")
		}
		if sess != nil && a.Roles.Resolve(sess) == target {
			a.metrics.RedirectorOutcome(string(target), "short_circuit")
			a.audit.Log(audit.RedirectShortCircuit, r,
				slog.String("role", string(target)),
				slog.String("sub", sess.User.Sub))
			http.Redirect(w, r, landing, http.StatusFound)
			return
		}

		q := url.Values{}
		q.Set("connection", connection)
		q.Set("audience", a.Audience)
		q.Set("returnTo", landing)
		a.metrics.RedirectorOutcome(string(target), "login")
		http.Redirect(w, r, "/auth/login?"+q.Encode(), http.StatusFound)
	}
}
