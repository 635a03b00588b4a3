// Package session implements the encrypted session cookie, the optional
// server-side session records behind it, and the accessor the HTTP handlers
// use to read sessions and obtain access tokens.
package session

import (
	"errors"
	"fmt"
	"time"
)

// CookieName is the primary session cookie. Large payloads are split into
// CookieName.0, CookieName.1, ...
const CookieName = "appSession"

var (
	// ErrSessionDecode is returned by Store.Load when a session cookie is
	// present but cannot be decrypted or parsed.
	ErrSessionDecode = errors.New("session cookie could not be decoded")
	// ErrSessionExpired is returned by Store.Load when the session exceeded
	// its inactivity or absolute lifetime.
	ErrSessionExpired = errors.New("session expired")
)

// User is the identity profile captured at login. Claims holds every ID
// token claim, including the namespaced role claim.
type User struct {
	Sub     string         `json:"sub"`
	Email   string         `json:"email,omitempty"`
	Name    string         `json:"name,omitempty"`
	Picture string         `json:"picture,omitempty"`
	Claims  map[string]any `json:"claims,omitempty"`
}

// TokenSet holds the provider tokens for a session.
type TokenSet struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Session is the decoded contents of a session cookie (or the record it
// points at).
type Session struct {
	ID        string    `json:"id,omitempty"`
	User      User      `json:"user"`
	Tokens    TokenSet  `json:"tokens"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Claim returns a raw user claim.
func (s *Session) Claim(name string) (any, bool) {
	if s == nil || s.User.Claims == nil {
		return nil, false
	}
	v, ok := s.User.Claims[name]
	return v, ok
}

// AccessToken is what callers of Accessor.GetAccessToken receive.
type AccessToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AuthError codes.
const (
	CodeMissingSession     = "missing_session"
	CodeAccessTokenExpired = "access_token_expired"
	CodeRefreshFailed      = "refresh_failed"
)

// AuthError is returned when no usable access token can be produced.
type AuthError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AuthError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AuthError) Unwrap() error {
	return e.Cause
}

// IsAuthError reports whether err is an *AuthError with the given code.
// An empty code matches any AuthError.
func IsAuthError(err error, code string) bool {
	var ae *AuthError
	if !errors.As(err, &ae) {
		return false
	}
	return code == "" || ae.Code == code
}

// Lifetime bounds how long a session stays valid.
type Lifetime struct {
	// Rolling extends the session on activity, up to Absolute.
	Rolling    bool
	Inactivity time.Duration
	Absolute   time.Duration
}

// Expired reports whether s is past its lifetime at now.
func (l Lifetime) Expired(s *Session, now time.Time) bool {
	return !now.Before(l.ExpiresAt(s))
}

// ExpiresAt returns the instant s stops being valid.
func (l Lifetime) ExpiresAt(s *Session) time.Time {
	abs := s.CreatedAt.Add(l.Absolute)
	if !l.Rolling || l.Inactivity <= 0 {
		return abs
	}
	idle := s.UpdatedAt.Add(l.Inactivity)
	if idle.Before(abs) {
		return idle
	}
	return abs
}
