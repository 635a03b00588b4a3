package api

import (
	"net/http"
	"strings"
)

// contentSecurityPolicy allows the SPA bundle and company logos served from
// other origins. Everything else is same-origin.
const contentSecurityPolicy = "default-src 'self'; script-src 'self'; style-src 'self' 'unsafe-inline'; " +
	"img-src 'self' data: https:; connect-src 'self'; frame-ancestors 'none'; form-action 'self'"

// SecurityHeaders sets the standard security response headers. Responses
// under /auth and /api carry session data and are never cached.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		// The Redoc page loads its bundle from a CDN.
		if r.URL.Path != "/docs" {
			h.Set("Content-Security-Policy", contentSecurityPolicy)
		}
		if sessionBearing(r.URL.Path) {
			h.Set("Cache-Control", "no-store")
			h.Set("Pragma", "no-cache")
		}
		if requestIsSecure(r) {
			h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

func sessionBearing(path string) bool {
	return strings.HasPrefix(path, "/auth/") || strings.HasPrefix(path, "/api/")
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}
