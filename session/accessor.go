package session

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultLeeway is how long before expiry an access token is considered
// stale and refreshed.
const DefaultLeeway = 60 * time.Second

const refreshTimeout = 10 * time.Second

// Refresher exchanges a refresh token for a fresh token set.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (TokenSet, error)
}

// Accessor is the request-scoped entry point to sessions.
type Accessor struct {
	store     Store
	refresher Refresher
	leeway    time.Duration
	now       func() time.Time
	logger    *slog.Logger
	group     singleflight.Group

	// OnRefresh, when set, observes every refresh attempt.
	OnRefresh func(err error)
}

// NewAccessor returns an Accessor over store. refresher may be nil, in
// which case expired access tokens are never renewed.
func NewAccessor(store Store, refresher Refresher) *Accessor {
	return &Accessor{
		store:     store,
		refresher: refresher,
		leeway:    DefaultLeeway,
		now:       time.Now,
		logger:    slog.Default(),
	}
}

// WithLogger sets the logger used for refresh diagnostics.
func (a *Accessor) WithLogger(l *slog.Logger) *Accessor {
	a.logger = l
	return a
}

// Store returns the underlying Store.
func (a *Accessor) Store() Store {
	return a.store
}

// GetSession returns the current session, or nil when there is none. An
// undecodable or expired session is reported as no session. The error is
// non-nil only when the session backend failed.
func (a *Accessor) GetSession(r *http.Request) (*Session, error) {
	s, err := a.store.Load(r.Context(), r)
	switch {
	case errors.Is(err, ErrSessionDecode), errors.Is(err, ErrSessionExpired):
		return nil, nil
	case err != nil:
		return nil, err
	}
	return s, nil
}

// GetAccessToken returns a valid access token for the current session,
// refreshing it first when it is expired or about to expire. A refreshed
// session is written back to w.
//
// Failures to produce a token are *AuthError. Other errors mean the session
// backend failed.
func (a *Accessor) GetAccessToken(w http.ResponseWriter, r *http.Request) (AccessToken, error) {
	ctx := r.Context()
	s, err := a.GetSession(r)
	if err != nil {
		return AccessToken{}, err
	}
	if s == nil {
		return AccessToken{}, &AuthError{Code: CodeMissingSession, Message: "no active session"}
	}

	if s.Tokens.AccessToken != "" && a.now().Add(a.leeway).Before(s.Tokens.ExpiresAt) {
		return AccessToken{Token: s.Tokens.AccessToken, ExpiresAt: s.Tokens.ExpiresAt}, nil
	}

	if s.Tokens.RefreshToken == "" || a.refresher == nil {
		return AccessToken{}, &AuthError{Code: CodeAccessTokenExpired, Message: "access token expired and no refresh token is available"}
	}

	tokens, err := a.refresh(ctx, s.Tokens.RefreshToken)
	if a.OnRefresh != nil {
		a.OnRefresh(err)
	}
	if err != nil {
		a.logger.Warn("token refresh failed", "sub", s.User.Sub, "error", err)
		return AccessToken{}, &AuthError{Code: CodeRefreshFailed, Message: "token refresh failed", Cause: err}
	}

	if tokens.RefreshToken == "" {
		tokens.RefreshToken = s.Tokens.RefreshToken
	}
	if tokens.IDToken == "" {
		tokens.IDToken = s.Tokens.IDToken
	}
	s.Tokens = tokens
	if err := a.store.Save(ctx, w, r, s); err != nil {
		return AccessToken{}, &AuthError{Code: CodeRefreshFailed, Message: "could not persist refreshed session", Cause: err}
	}
	return AccessToken{Token: tokens.AccessToken, ExpiresAt: tokens.ExpiresAt}, nil
}

// refresh coalesces concurrent refreshes of the same refresh token. The
// provider call is detached from the first caller's cancellation so that
// one aborted request does not fail the others waiting on it.
func (a *Accessor) refresh(ctx context.Context, refreshToken string) (TokenSet, error) {
	v, err, _ := a.group.Do(refreshToken, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return a.refresher.Refresh(rctx, refreshToken)
	})
	if err != nil {
		return TokenSet{}, err
	}
	return v.(TokenSet), nil
}

// Save persists s and writes its cookie.
func (a *Accessor) Save(ctx context.Context, w http.ResponseWriter, r *http.Request, s *Session) error {
	return a.store.Save(ctx, w, r, s)
}

// Clear ends the current session, removing both cookie and stored record.
func (a *Accessor) Clear(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	return a.store.Delete(ctx, w, r)
}
