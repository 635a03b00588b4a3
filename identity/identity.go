// Package identity is the Auth0 client: it builds authorize and logout
// URLs, exchanges authorization codes for sessions and refreshes tokens.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/irbridge/irgate/session"
)

// ErrRefreshFailed wraps every failure of Client.Refresh.
var ErrRefreshFailed = errors.New("token refresh failed")

// ErrExchangeFailed wraps every failure of Client.Exchange.
var ErrExchangeFailed = errors.New("authorization code exchange failed")

// CallbackPath is where the provider sends the user after login.
const CallbackPath = "/auth/callback"

// Config holds the provider settings the client needs.
type Config struct {
	// Issuer is the OIDC issuer URL, e.g. https://tenant.eu.auth0.com/.
	Issuer       string
	ClientID     string
	ClientSecret string
	// BaseURL is the public origin of this application.
	BaseURL  string
	Audience string
	Scopes   []string
}

// IssuerForDomain returns the Auth0 issuer URL for a tenant domain.
func IssuerForDomain(domain string) string {
	return "https://" + strings.TrimSuffix(domain, "/") + "/"
}

// AuthorizeParams are the per-login options forwarded to /authorize.
type AuthorizeParams struct {
	Connection string
	Audience   string
	ScreenHint string
	Nonce      string
}

// Client talks to the identity provider. It is safe for concurrent use.
type Client struct {
	cfg      Config
	oauth2   *oauth2.Config
	verifier *oidc.IDTokenVerifier
	logout   string
}

// New discovers the provider configuration and returns a Client.
func New(ctx context.Context, cfg Config) (*Client, error) {
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("discovering OIDC provider %s: %w", cfg.Issuer, err)
	}
	verifier := provider.Verifier(&oidc.Config{ClientID: cfg.ClientID})
	return newClient(cfg, provider.Endpoint(), verifier), nil
}

func newClient(cfg Config, endpoint oauth2.Endpoint, verifier *oidc.IDTokenVerifier) *Client {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email", oidc.ScopeOfflineAccess}
	}
	return &Client{
		cfg: cfg,
		oauth2: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  strings.TrimSuffix(cfg.BaseURL, "/") + CallbackPath,
			Endpoint:     endpoint,
			Scopes:       scopes,
		},
		verifier: verifier,
		logout:   strings.TrimSuffix(cfg.Issuer, "/") + "/v2/logout",
	}
}

// NewVerifier returns a PKCE code verifier.
func NewVerifier() string {
	return oauth2.GenerateVerifier()
}

// AuthorizeURL returns the provider /authorize URL for a login with the
// given state and PKCE verifier.
func (c *Client) AuthorizeURL(state, verifier string, p AuthorizeParams) string {
	opts := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(verifier)}
	audience := p.Audience
	if audience == "" {
		audience = c.cfg.Audience
	}
	if audience != "" {
		opts = append(opts, oauth2.SetAuthURLParam("audience", audience))
	}
	if p.Connection != "" {
		opts = append(opts, oauth2.SetAuthURLParam("connection", p.Connection))
	}
	if p.ScreenHint != "" {
		opts = append(opts, oauth2.SetAuthURLParam("screen_hint", p.ScreenHint))
	}
	if p.Nonce != "" {
		opts = append(opts, oidc.Nonce(p.Nonce))
	}
	return c.oauth2.AuthCodeURL(state, opts...)
}

// Exchange trades an authorization code for tokens and builds a session
// from the verified ID token.
func (c *Client) Exchange(ctx context.Context, code, verifier, nonce string) (*session.Session, error) {
	token, err := c.oauth2.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, fmt.Errorf("%w: no id_token in token response", ErrExchangeFailed)
	}
	idToken, err := c.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: verifying ID token: %v", ErrExchangeFailed, err)
	}
	if nonce != "" && idToken.Nonce != nonce {
		return nil, fmt.Errorf("%w: ID token nonce mismatch", ErrExchangeFailed)
	}

	user, err := userFromIDToken(idToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}
	return &session.Session{
		User:   user,
		Tokens: tokenSet(token, rawIDToken),
	}, nil
}

// Refresh exchanges a refresh token for a new token set. Every failure
// wraps ErrRefreshFailed.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (session.TokenSet, error) {
	if refreshToken == "" {
		return session.TokenSet{}, fmt.Errorf("%w: no refresh token", ErrRefreshFailed)
	}
	src := c.oauth2.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := src.Token()
	if err != nil {
		return session.TokenSet{}, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	rawIDToken, _ := token.Extra("id_token").(string)
	if rawIDToken != "" {
		if _, err := c.verifier.Verify(ctx, rawIDToken); err != nil {
			return session.TokenSet{}, fmt.Errorf("%w: verifying refreshed ID token: %v", ErrRefreshFailed, err)
		}
	}
	return tokenSet(token, rawIDToken), nil
}

// LogoutURL returns the provider logout URL that sends the browser back
// to returnTo.
func (c *Client) LogoutURL(returnTo string) string {
	q := url.Values{}
	q.Set("client_id", c.cfg.ClientID)
	q.Set("returnTo", returnTo)
	return c.logout + "?" + q.Encode()
}

func tokenSet(token *oauth2.Token, rawIDToken string) session.TokenSet {
	scope, _ := token.Extra("scope").(string)
	return session.TokenSet{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		IDToken:      rawIDToken,
		Scope:        scope,
		ExpiresAt:    token.Expiry,
	}
}

func userFromIDToken(idToken *oidc.IDToken) (session.User, error) {
	var profile struct {
		Sub     string `json:"sub"`
		Email   string `json:"email"`
		Name    string `json:"name"`
		Picture string `json:"picture"`
	}
	if err := idToken.Claims(&profile); err != nil {
		return session.User{}, fmt.Errorf("parsing ID token claims: %w", err)
	}
	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return session.User{}, fmt.Errorf("parsing ID token claims: %w", err)
	}
	// Token plumbing claims are not part of the user profile.
	for _, k := range []string{"iss", "aud", "exp", "iat", "nonce", "at_hash", "sid", "auth_time"} {
		delete(claims, k)
	}
	return session.User{
		Sub:     profile.Sub,
		Email:   profile.Email,
		Name:    profile.Name,
		Picture: profile.Picture,
		Claims:  claims,
	}, nil
}
