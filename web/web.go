// Package web serves the frontend bundle and enforces role-scoped pages.
package web

import (
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/irbridge/irgate/gatekeeper"
	"github.com/irbridge/irgate/role"
	"github.com/irbridge/irgate/session"
)

//go:embed dist/*
var content embed.FS

// Assets returns the frontend file system: dir when set, otherwise the
// embedded placeholder bundle.
func Assets(dir string) (fs.FS, error) {
	if dir != "" {
		if _, err := os.Stat(filepath.Join(dir, "index.html")); err != nil {
			return nil, fmt.Errorf("web dir %s: %w", dir, err)
		}
		return os.DirFS(dir), nil
	}
	return fs.Sub(content, "dist")
}

// Gate decides whether a page may be served to the current user.
type Gate struct {
	Routes   *gatekeeper.Routes
	Sessions *session.Accessor
	Roles    role.Resolver
	Logger   *slog.Logger
}

// allow returns "" when r may see the page, or the redirect target.
func (g *Gate) allow(r *http.Request) string {
	if g == nil {
		return ""
	}
	rule := g.Routes.Classify(r.URL.Path)
	if rule.Public {
		return ""
	}
	sess, err := g.Sessions.GetSession(r)
	if err != nil && g.Logger != nil {
		g.Logger.Warn("reading session for page gate", "path", r.URL.Path, "error", err)
	}
	if sess != nil && g.Roles.Resolve(sess) == rule.Role {
		return ""
	}
	return role.LoginPath(rule.Role)
}

// Handler serves the SPA in fsys. Unknown paths fall back to index.html so
// client-side routes deep-link. Role-scoped pages are gated by gate; a nil
// gate serves everything.
func Handler(fsys fs.FS, gate *Gate) (http.Handler, error) {
	indexBytes, err := fs.ReadFile(fsys, "index.html")
	if err != nil {
		return nil, fmt.Errorf("reading index.html: %w", err)
	}

	static := http.FileServer(http.FS(fsys))

	serveIndex := func(w http.ResponseWriter, r *http.Request) {
		if target := gate.allow(r); target != "" {
			http.Redirect(w, r, target, http.StatusSeeOther)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		w.Write(indexBytes)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}

		cleanPath := strings.TrimPrefix(path.Clean(r.URL.Path), "/")
		if cleanPath == "." || cleanPath == "" || cleanPath == "index.html" {
			serveIndex(w, r)
			return
		}

		if info, err := fs.Stat(fsys, cleanPath); err == nil && !info.IsDir() {
			static.ServeHTTP(w, r)
			return
		}

		// BrowserRouter deep-link fallback.
		serveIndex(w, r)
	}), nil
}
