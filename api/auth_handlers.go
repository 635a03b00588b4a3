package api

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/irbridge/irgate/audit"
	"github.com/irbridge/irgate/config"
	"github.com/irbridge/irgate/identity"
	"github.com/irbridge/irgate/internal/util"
	"github.com/irbridge/irgate/session"
)

const stateBytes = 24

// Login handles GET /auth/login. It records a login transaction in a
// sealed cookie and sends the browser to the provider.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	if a.Identity == nil {
		a.writeConfigError(w, r, config.KeyDomain)
		return
	}
	if a.BaseURL == "" {
		a.writeConfigError(w, r, config.KeyBaseURL)
		return
	}

	q := r.URL.Query()
	state, err := util.RandomToken(stateBytes)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to start login")
		return
	}
	nonce, err := util.RandomToken(stateBytes)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to start login")
		return
	}
	txn := &session.Transaction{
		State:        state,
		Nonce:        nonce,
		CodeVerifier: identity.NewVerifier(),
		ReturnTo:     a.safeReturnTo(q.Get("returnTo")),
	}
	if err := a.Transactions.Save(w, r, txn); err != nil {
		a.logger.Error("saving login transaction", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start login")
		return
	}

	params := identity.AuthorizeParams{
		Connection: q.Get("connection"),
		Audience:   q.Get("audience"),
		ScreenHint: q.Get("screen_hint"),
		Nonce:      nonce,
	}
	a.audit.Log(audit.LoginStarted, r,
		slog.String("connection", params.Connection),
		slog.String("return_to", txn.ReturnTo))
	http.Redirect(w, r, a.Identity.AuthorizeURL(state, txn.CodeVerifier, params), http.StatusFound)
}

// safeReturnTo keeps returnTo only when it stays on this application:
// a root-relative path or an absolute URL on APP_BASE_URL's origin. The
// result is rebuilt from the parsed URL, never echoed.
func (a *API) safeReturnTo(raw string) string {
	// Browsers drop tab, CR and LF and treat "\" as "/", which can turn a
	// path into "//host".
	if raw == "" || strings.ContainsRune(raw, '\\') || hasControl(raw) {
		return "/"
	}
	u, err := url.Parse(raw)
	if err != nil || u.Opaque != "" || u.User != nil {
		return "/"
	}
	if u.Scheme != "" || u.Host != "" {
		base, err := url.Parse(a.BaseURL)
		if err != nil || !strings.EqualFold(u.Scheme, base.Scheme) || !strings.EqualFold(u.Host, base.Host) {
			return "/"
		}
	} else if !strings.HasPrefix(raw, "/") {
		return "/"
	}

	out := u.EscapedPath()
	if out == "" {
		out = "/"
	}
	if !strings.HasPrefix(out, "/") || strings.HasPrefix(out, "//") || strings.HasPrefix(u.Path, "//") {
		return "/"
	}
	if u.RawQuery != "" {
		out += "?" + u.RawQuery
	}
	return out
}

func hasControl(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] == 0x7f {
			return true
		}
	}
	return false
}

// Callback handles GET /auth/callback.
func (a *API) Callback(w http.ResponseWriter, r *http.Request) {
	if a.Identity == nil {
		a.writeConfigError(w, r, config.KeyDomain)
		return
	}

	clientIP := a.extractClientIP(r)
	if blocked, retryAfter := a.globalLimit.check(); blocked {
		a.audit.Failure(audit.LoginRateLimited, r, "global rate limited")
		writeRateLimited(w, retryAfter)
		return
	}
	if blocked, retryAfter := a.callbackLimit.check(clientIP); blocked {
		a.audit.Failure(audit.LoginRateLimited, r, "ip rate limited",
			slog.String("client_ip", clientIP))
		writeRateLimited(w, retryAfter)
		return
	}

	q := r.URL.Query()
	state := q.Get("state")
	txn, txnErr := a.Transactions.Take(w, r, state)

	if providerErr := q.Get("error"); providerErr != "" {
		a.callbackFailed(w, r, clientIP, providerErr+": "+q.Get("error_description"))
		return
	}
	if txnErr != nil {
		a.callbackFailed(w, r, clientIP, txnErr.Error())
		return
	}
	code := q.Get("code")
	if code == "" {
		a.callbackFailed(w, r, clientIP, "missing authorization code")
		return
	}

	sess, err := a.Identity.Exchange(r.Context(), code, txn.CodeVerifier, txn.Nonce)
	if err != nil {
		a.logger.Warn("code exchange failed", "error", err)
		a.callbackFailed(w, r, clientIP, "code exchange failed")
		return
	}

	// A fresh login never inherits a previous session record.
	if err := a.Sessions.Clear(r.Context(), w, r); err != nil {
		a.logger.Warn("clearing previous session", "error", err)
	}
	if err := a.Sessions.Save(r.Context(), w, r, sess); err != nil {
		a.logger.Error("saving session", "error", err)
		a.audit.Failure(audit.SessionBackendFailure, r, err.Error())
		writeError(w, http.StatusInternalServerError, "session store unavailable")
		return
	}

	a.callbackLimit.recordSuccess(clientIP)
	a.audit.Log(audit.LoginSuccess, r,
		slog.String("sub", sess.User.Sub),
		slog.String("role", a.Roles.Resolve(sess).String()))
	http.Redirect(w, r, txn.ReturnTo, http.StatusFound)
}

func (a *API) callbackFailed(w http.ResponseWriter, r *http.Request, clientIP, reason string) {
	a.callbackLimit.recordFailure(clientIP)
	a.globalLimit.recordFailure()
	a.audit.Failure(audit.LoginFailure, r, reason, slog.String("client_ip", clientIP))
	writeError(w, http.StatusBadRequest, "login failed")
}

// Logout handles GET /auth/logout.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	if a.Identity == nil {
		a.writeConfigError(w, r, config.KeyDomain)
		return
	}
	if a.BaseURL == "" {
		a.writeConfigError(w, r, config.KeyBaseURL)
		return
	}

	var sub string
	if sess, err := a.Sessions.GetSession(r); err == nil && sess != nil {
		sub = sess.User.Sub
	}
	if err := a.Sessions.Clear(r.Context(), w, r); err != nil {
		// The cookies are gone either way; the stored record expires on its own.
		a.logger.Warn("deleting session record", "error", err)
	}
	a.audit.Log(audit.Logout, r, slog.String("sub", sub))
	http.Redirect(w, r, a.Identity.LogoutURL(a.BaseURL), http.StatusFound)
}

// Profile handles GET /auth/profile.
func (a *API) Profile(w http.ResponseWriter, r *http.Request) {
	sess, err := a.Sessions.GetSession(r)
	if err != nil {
		a.logger.Error("session backend failure", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "session store unavailable")
		return
	}
	if sess == nil {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{
			Error: "not authenticated",
			Code:  session.CodeMissingSession,
		})
		return
	}
	writeJSON(w, http.StatusOK, ProfileResponse{
		Sub:     sess.User.Sub,
		Email:   sess.User.Email,
		Name:    sess.User.Name,
		Picture: sess.User.Picture,
		Role:    a.Roles.Resolve(sess).String(),
	})
}

// AccessToken handles GET /auth/access-token.
func (a *API) AccessToken(w http.ResponseWriter, r *http.Request) {
	tok, err := a.Sessions.GetAccessToken(w, r)
	if err != nil {
		a.mapTokenError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AccessTokenResponse{Token: tok.Token, ExpiresAt: tok.ExpiresAt})
}
