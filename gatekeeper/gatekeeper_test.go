package gatekeeper

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irbridge/irgate/session"
)

const secret = "0123456789abcdef0123456789abcdef"

var lifetime = session.Lifetime{Rolling: true, Inactivity: time.Hour, Absolute: 24 * time.Hour}

func newStore(t *testing.T) *session.CookieStore {
	t.Helper()
	codec, err := session.NewCodec([]string{secret})
	require.NoError(t, err)
	return session.NewCookieStore(codec, lifetime, session.CookieOptions{})
}

// recordingHandler remembers whether it ran and which cookies it saw.
type recordingHandler struct {
	called  bool
	cookies []*http.Cookie
}

func (h *recordingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.called = true
	h.cookies = r.Cookies()
	w.WriteHeader(http.StatusOK)
}

func (h *recordingHandler) sawSessionCookie() bool {
	for _, c := range h.cookies {
		if session.IsSessionCookie(c.Name) {
			return true
		}
	}
	return false
}

func validCookies(t *testing.T, store session.Store) []*http.Cookie {
	t.Helper()
	rec := httptest.NewRecorder()
	s := &session.Session{User: session.User{Sub: "auth0|1"}, Tokens: session.TokenSet{AccessToken: "at"}}
	require.NoError(t, store.Save(context.Background(), rec, httptest.NewRequest(http.MethodGet, "/", nil), s))
	return rec.Result().Cookies()
}

func clearedCookies(rec *httptest.ResponseRecorder) map[string]bool {
	out := map[string]bool{}
	for _, c := range rec.Result().Cookies() {
		if c.MaxAge < 0 {
			out[c.Name] = true
		}
	}
	return out
}

func TestValidSessionPassesThroughAndRolls(t *testing.T) {
	store := newStore(t)
	g := New(store, Options{Rolling: true})
	next := &recordingHandler{}

	req := httptest.NewRequest(http.MethodGet, "/investor/dashboard", nil)
	for _, c := range validCookies(t, store) {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	g.Middleware(next).ServeHTTP(rec, req)

	assert.True(t, next.called)
	assert.True(t, next.sawSessionCookie())
	assert.Equal(t, http.StatusOK, rec.Code)

	var rolled bool
	for _, c := range rec.Result().Cookies() {
		if c.Name == session.CookieName && c.MaxAge >= 0 {
			rolled = true
		}
	}
	assert.True(t, rolled, "rolling session should re-issue the cookie")
}

func TestAbsentSessionPassesThrough(t *testing.T) {
	g := New(newStore(t), Options{})
	next := &recordingHandler{}

	rec := httptest.NewRecorder()
	g.Middleware(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/corporate/dashboard", nil))

	assert.True(t, next.called)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Result().Cookies())
}

func TestInvalidSessionClearsAndRedirects(t *testing.T) {
	g := New(newStore(t), Options{})
	next := &recordingHandler{}

	req := httptest.NewRequest(http.MethodGet, "/admin/dashboard", nil)
	req.AddCookie(&http.Cookie{Name: session.CookieName + ".0", Value: "corrupt"})
	req.AddCookie(&http.Cookie{Name: session.CookieName + ".1", Value: "corrupt"})
	req.AddCookie(&http.Cookie{Name: "theme", Value: "dark"})

	rec := httptest.NewRecorder()
	g.Middleware(next).ServeHTTP(rec, req)

	assert.False(t, next.called, "invalid cookie must not be forwarded")
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, DefaultLoginPath, rec.Header().Get("Location"))

	cleared := clearedCookies(rec)
	assert.True(t, cleared[session.CookieName])
	assert.True(t, cleared[session.CookieName+".0"])
	assert.True(t, cleared[session.CookieName+".1"])
	assert.False(t, cleared["theme"])
}

func TestInvalidSessionOnLoginPathDoesNotLoop(t *testing.T) {
	g := New(newStore(t), Options{})
	next := &recordingHandler{}

	req := httptest.NewRequest(http.MethodGet, DefaultLoginPath, nil)
	req.AddCookie(&http.Cookie{Name: session.CookieName, Value: "corrupt"})

	rec := httptest.NewRecorder()
	g.Middleware(next).ServeHTTP(rec, req)

	assert.True(t, next.called)
	assert.False(t, next.sawSessionCookie())
	assert.True(t, clearedCookies(rec)[session.CookieName])
}

func TestInvalidSessionOnAuthRoutesIsForwarded(t *testing.T) {
	g := New(newStore(t), Options{})
	for _, path := range []string{"/auth/admin-login", "/auth/investor-login", "/auth/callback"} {
		next := &recordingHandler{}
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.AddCookie(&http.Cookie{Name: session.CookieName, Value: "corrupt"})

		rec := httptest.NewRecorder()
		g.Middleware(next).ServeHTTP(rec, req)

		assert.True(t, next.called, path)
		assert.False(t, next.sawSessionCookie(), path)
		assert.True(t, clearedCookies(rec)[session.CookieName], path)
	}
}

func TestExpiredSessionIsAbsentAndCleared(t *testing.T) {
	codec, err := session.NewCodec([]string{secret})
	require.NoError(t, err)
	short := session.NewCookieStore(codec, session.Lifetime{Absolute: time.Nanosecond}, session.CookieOptions{})
	cookies := validCookies(t, short)
	time.Sleep(time.Millisecond)

	g := New(short, Options{})
	next := &recordingHandler{}
	req := httptest.NewRequest(http.MethodGet, "/investor/dashboard", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	g.Middleware(next).ServeHTTP(rec, req)

	assert.True(t, next.called)
	assert.False(t, next.sawSessionCookie())
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, clearedCookies(rec)[session.CookieName])
}

type brokenStore struct{ session.Store }

func (brokenStore) Load(context.Context, *http.Request) (*session.Session, error) {
	return nil, errors.New("redis: connection refused")
}

func (brokenStore) Clear(http.ResponseWriter, *http.Request) {
	panic("backend failure must not clear cookies")
}

func TestBackendFailureIsAbsentWithoutClearing(t *testing.T) {
	g := New(brokenStore{}, Options{})
	next := &recordingHandler{}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: session.CookieName, Value: "opaque"})
	rec := httptest.NewRecorder()
	g.Middleware(next).ServeHTTP(rec, req)

	assert.True(t, next.called)
	assert.True(t, next.sawSessionCookie())
	assert.Empty(t, rec.Result().Cookies())
}

func TestExclusionsBypass(t *testing.T) {
	g := New(newStore(t), Options{})
	for _, path := range []string{
		"/_next/static/chunks/main.js",
		"/_next/image",
		"/favicon.ico",
		"/api/companies",
		"/static/logo.png",
		"/images/hero.webp",
		"/metrics",
		"/healthz",
	} {
		t.Run(path, func(t *testing.T) {
			next := &recordingHandler{}
			req := httptest.NewRequest(http.MethodGet, path, nil)
			req.AddCookie(&http.Cookie{Name: session.CookieName, Value: "corrupt"})
			rec := httptest.NewRecorder()
			g.Middleware(next).ServeHTTP(rec, req)

			assert.True(t, next.called)
			assert.True(t, next.sawSessionCookie(), "excluded paths are untouched")
			assert.Empty(t, rec.Result().Cookies())
		})
	}
	assert.False(t, g.Excluded("/investor/dashboard"))
	assert.False(t, g.Excluded("/apis"))
}
