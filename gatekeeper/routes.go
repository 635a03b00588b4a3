package gatekeeper

import (
	"fmt"
	"sort"
	"strings"

	"github.com/irbridge/irgate/role"
)

// Rule classifies every path under Prefix.
type Rule struct {
	Prefix string
	Public bool
	// Role is the role a non-public prefix expects.
	Role role.Role
}

// Routes is a longest-prefix route classification table.
type Routes struct {
	rules []Rule
}

// Required public prefixes: the auth endpoints and the landing page.
// Without them nobody could log in.
var requiredPublic = []string{"/auth/", "/"}

// NewRoutes validates rules and builds the table.
func NewRoutes(rules []Rule) (*Routes, error) {
	seen := map[string]Rule{}
	for _, r := range rules {
		if !strings.HasPrefix(r.Prefix, "/") {
			return nil, fmt.Errorf("route prefix %q must start with /", r.Prefix)
		}
		if _, dup := seen[r.Prefix]; dup {
			return nil, fmt.Errorf("duplicate route prefix %q", r.Prefix)
		}
		if !r.Public {
			if _, ok := role.Parse(string(r.Role)); !ok || r.Role == role.Guest {
				return nil, fmt.Errorf("route prefix %q: %q is not a scoped role", r.Prefix, r.Role)
			}
		}
		seen[r.Prefix] = r
	}
	for _, p := range requiredPublic {
		if r, ok := seen[p]; !ok || !r.Public {
			return nil, fmt.Errorf("public routes must include %q", p)
		}
	}

	sorted := append([]Rule(nil), rules...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Prefix) > len(sorted[j].Prefix)
	})
	return &Routes{rules: sorted}, nil
}

// DefaultRoutes returns the platform's route table.
func DefaultRoutes() *Routes {
	rt, err := NewRoutes([]Rule{
		{Prefix: "/", Public: true},
		{Prefix: "/auth/", Public: true},
		{Prefix: "/login", Public: true},
		{Prefix: "/signup", Public: true},
		{Prefix: "/unauthorized", Public: true},
		{Prefix: "/admin/", Role: role.Admin},
		{Prefix: "/corporate/", Role: role.Corporate},
		{Prefix: "/investor/", Role: role.Investor},
	})
	if err != nil {
		panic(err)
	}
	return rt
}

func matches(prefix, path string) bool {
	if prefix == "/" {
		return true
	}
	if path == prefix {
		return true
	}
	base := strings.TrimSuffix(prefix, "/")
	return path == base || strings.HasPrefix(path, base+"/")
}

// Classify returns the rule governing path. Because "/" is always present
// every path has a rule.
func (rt *Routes) Classify(path string) Rule {
	for _, r := range rt.rules {
		if matches(r.Prefix, path) {
			return r
		}
	}
	return Rule{Prefix: "/", Public: true}
}
