// Package role classifies sessions into the platform's closed set of roles.
package role

import (
	"log/slog"

	"github.com/irbridge/irgate/internal/util"
	"github.com/irbridge/irgate/session"
)

// Role is one of Corporate, Investor, Admin or Guest.
type Role string

const (
	Corporate Role = "corporate"
	Investor  Role = "investor"
	Admin     Role = "admin"
	// Guest is the least-privileged role and the fallback for anything
	// unrecognised.
	Guest Role = "guest"
)

// Scoped lists the roles that have their own login flow and landing page.
var Scoped = []Role{Admin, Corporate, Investor}

// Parse maps a claim value to a Role. Only the exact enum values match;
// anything else, including padded or lookalike spellings, is Guest.
func Parse(s string) (Role, bool) {
	switch r := Role(s); r {
	case Corporate, Investor, Admin, Guest:
		return r, true
	}
	return Guest, false
}

func (r Role) String() string {
	return string(r)
}

// Landing returns the page a user of role r lands on after login.
func Landing(r Role) string {
	switch r {
	case Admin:
		return "/admin/dashboard"
	case Corporate:
		return "/corporate/dashboard"
	case Investor:
		return "/investor/dashboard"
	}
	return "/"
}

// LoginPath returns the role-scoped login redirector for r, or the generic
// login entry point for Guest.
func LoginPath(r Role) string {
	switch r {
	case Admin, Corporate, Investor:
		return "/auth/" + string(r) + "-login"
	}
	return "/auth/login"
}

// Resolver reads the role from a single namespaced claim.
type Resolver struct {
	Claim string
	// Logger, when set, reports claim values that look like a role but are
	// not spelled canonically.
	Logger *slog.Logger
}

// Resolve returns the session's role. A nil session, a missing claim, a
// non-string value or an unknown value all yield Guest.
func (res Resolver) Resolve(s *session.Session) Role {
	if res.Claim == "" {
		return Guest
	}
	v, ok := s.Claim(res.Claim)
	if !ok {
		return Guest
	}
	str, ok := v.(string)
	if !ok {
		return Guest
	}
	r, ok := Parse(str)
	if !ok && !util.CanonicalClaim(str) && res.Logger != nil {
		res.Logger.Warn("non-canonical role claim resolved to guest",
			"claim", res.Claim, "value", str, "sub", s.User.Sub)
	}
	return r
}

// Encode writes r into claims under the resolver's claim.
func (res Resolver) Encode(claims map[string]any, r Role) {
	claims[res.Claim] = string(r)
}
