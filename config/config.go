// Package config loads irgate settings from the environment, an optional
// YAML file and command-line flags.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Environment keys.
const (
	KeyDomain              = "AUTH0_DOMAIN"
	KeyClientID            = "AUTH0_CLIENT_ID"
	KeyClientSecret        = "AUTH0_CLIENT_SECRET"
	KeySecret              = "AUTH0_SECRET"
	KeyBaseURL             = "APP_BASE_URL"
	KeyAudience            = "AUTH0_AUDIENCE"
	KeyRoleClaim           = "AUTH0_ROLE_CLAIM"
	KeyScope               = "AUTH0_SCOPE"
	KeyAdminConnection     = "AUTH0_ADMIN_CONNECTION"
	KeyCorporateConnection = "AUTH0_CORPORATE_CONNECTION"
	KeyInvestorConnection  = "AUTH0_INVESTOR_CONNECTION"
	KeyBackendURL          = "BACKEND_URL"
	KeyBackendTimeout      = "BACKEND_TIMEOUT"
	KeyPort                = "PORT"
	KeySessionStore        = "SESSION_STORE"
	KeyBboltPath           = "SESSION_BBOLT_PATH"
	KeyPostgresDSN         = "SESSION_POSTGRES_DSN"
	KeyRedisAddr           = "SESSION_REDIS_ADDR"
	KeyRolling             = "SESSION_ROLLING"
	KeyInactivity          = "SESSION_INACTIVITY_DURATION"
	KeyAbsolute            = "SESSION_ABSOLUTE_DURATION"
	KeyWebDir              = "WEB_DIR"
	KeyLogLevel            = "LOG_LEVEL"
	KeyLogFormat           = "LOG_FORMAT"
	KeyTrustedProxies      = "TRUSTED_PROXIES"
	KeyAuditWebhookURL     = "AUDIT_WEBHOOK_URL"
	KeyAuditWebhookHeader  = "AUDIT_WEBHOOK_HEADER"
)

// MinSecretLength is the minimum length of each cookie secret.
const MinSecretLength = 32

// DefaultBackendURL is used when BACKEND_URL is unset. It only makes sense
// for local development and is logged as a warning.
const DefaultBackendURL = "http://localhost:8000"

// Session store kinds.
const (
	StoreCookie   = "cookie"
	StoreMemory   = "memory"
	StoreBbolt    = "bbolt"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Auth0Config holds identity provider settings.
type Auth0Config struct {
	Domain              string
	ClientID            string
	ClientSecret        string
	Secrets             []string
	BaseURL             string
	Audience            string
	RoleClaim           string
	Scope               string
	AdminConnection     string
	CorporateConnection string
	InvestorConnection  string
}

// SessionConfig controls cookie lifetime and where session records live.
type SessionConfig struct {
	Store              string
	BboltPath          string
	PostgresDSN        string
	RedisAddr          string
	Rolling            bool
	InactivityDuration time.Duration
	AbsoluteDuration   time.Duration
}

// Config is the fully resolved runtime configuration.
type Config struct {
	Auth0   Auth0Config
	Session SessionConfig

	BackendURL string
	// BackendURLDefaulted reports that BACKEND_URL was unset and
	// DefaultBackendURL is in use.
	BackendURLDefaulted bool
	BackendTimeout      time.Duration

	Port      int
	WebDir    string
	LogLevel  string
	LogFormat string
	// TrustedProxies are CIDRs whose forwarding headers identify the client.
	TrustedProxies []string

	// AuditWebhookURL, when set, receives every audit entry and alert.
	AuditWebhookURL    string
	AuditWebhookHeader string

	invalid map[string]string
}

// Error reports every missing or malformed setting at once.
type Error struct {
	Missing []string
	Invalid map[string]string
}

func (e *Error) Error() string {
	parts := make([]string, 0, len(e.Missing)+len(e.Invalid))
	for _, k := range e.Missing {
		parts = append(parts, k+" is not set")
	}
	keys := make([]string, 0, len(e.Invalid))
	for k := range e.Invalid {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, k+" "+e.Invalid[k])
	}
	return "configuration error: " + strings.Join(parts, "; ")
}

// NotSet returns the error for a single missing setting.
func NotSet(key string) *Error {
	return &Error{Missing: []string{key}}
}

// IsConfigError reports whether err is (or wraps) a configuration error.
func IsConfigError(err error) bool {
	var cerr *Error
	return errors.As(err, &cerr)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyScope, "openid profile email offline_access")
	v.SetDefault(KeyBackendTimeout, "5s")
	v.SetDefault(KeyPort, "3000")
	v.SetDefault(KeySessionStore, StoreCookie)
	v.SetDefault(KeyRolling, "true")
	v.SetDefault(KeyInactivity, "24h")
	v.SetDefault(KeyAbsolute, "72h")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "json")
}

// keys lists every setting in display order.
var keys = []string{
	KeyDomain, KeyClientID, KeyClientSecret, KeySecret, KeyBaseURL, KeyAudience,
	KeyRoleClaim, KeyScope, KeyAdminConnection, KeyCorporateConnection,
	KeyInvestorConnection, KeyBackendURL, KeyBackendTimeout, KeyPort,
	KeySessionStore, KeyBboltPath, KeyPostgresDSN, KeyRedisAddr, KeyRolling,
	KeyInactivity, KeyAbsolute, KeyWebDir, KeyLogLevel, KeyLogFormat,
	KeyTrustedProxies, KeyAuditWebhookURL, KeyAuditWebhookHeader,
}

// Load reads configuration from the environment, then from configFile when
// non-empty, then from any flags in fs that carry a matching "env" name via
// BindFlag. Load only fails when the file cannot be read; call Validate to
// check the result.
func Load(configFile string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	for _, k := range keys {
		if err := v.BindEnv(k); err != nil {
			return nil, err
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if fs != nil {
		for flagName, key := range flagBindings {
			if f := fs.Lookup(flagName); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, err
				}
			}
		}
	}

	return fromViper(v), nil
}

// flagBindings maps command-line flag names to setting keys.
var flagBindings = map[string]string{
	"port":            KeyPort,
	"backend-url":     KeyBackendURL,
	"session-store":   KeySessionStore,
	"web-dir":         KeyWebDir,
	"log-level":       KeyLogLevel,
	"log-format":      KeyLogFormat,
	"trusted-proxies": KeyTrustedProxies,
}

func fromViper(v *viper.Viper) *Config {
	cfg := &Config{invalid: map[string]string{}}
	str := func(k string) string { return strings.TrimSpace(v.GetString(k)) }

	cfg.Auth0 = Auth0Config{
		Domain:              strings.TrimSuffix(strings.TrimPrefix(str(KeyDomain), "https://"), "/"),
		ClientID:            str(KeyClientID),
		ClientSecret:        str(KeyClientSecret),
		Secrets:             splitList(v.GetString(KeySecret)),
		BaseURL:             strings.TrimSuffix(str(KeyBaseURL), "/"),
		Audience:            str(KeyAudience),
		RoleClaim:           str(KeyRoleClaim),
		Scope:               str(KeyScope),
		AdminConnection:     str(KeyAdminConnection),
		CorporateConnection: str(KeyCorporateConnection),
		InvestorConnection:  str(KeyInvestorConnection),
	}

	cfg.BackendURL = strings.TrimSuffix(str(KeyBackendURL), "/")
	if cfg.BackendURL == "" {
		cfg.BackendURL = DefaultBackendURL
		cfg.BackendURLDefaulted = true
	}
	cfg.BackendTimeout = cfg.duration(KeyBackendTimeout, str(KeyBackendTimeout))

	if p, err := strconv.Atoi(str(KeyPort)); err != nil || p <= 0 || p > 65535 {
		cfg.invalid[KeyPort] = "must be a port number"
	} else {
		cfg.Port = p
	}

	cfg.Session = SessionConfig{
		Store:              strings.ToLower(str(KeySessionStore)),
		BboltPath:          str(KeyBboltPath),
		PostgresDSN:        str(KeyPostgresDSN),
		RedisAddr:          str(KeyRedisAddr),
		InactivityDuration: cfg.duration(KeyInactivity, str(KeyInactivity)),
		AbsoluteDuration:   cfg.duration(KeyAbsolute, str(KeyAbsolute)),
	}
	if b, err := strconv.ParseBool(str(KeyRolling)); err != nil {
		cfg.invalid[KeyRolling] = "must be a boolean"
	} else {
		cfg.Session.Rolling = b
	}

	cfg.WebDir = str(KeyWebDir)
	cfg.LogLevel = strings.ToLower(str(KeyLogLevel))
	cfg.LogFormat = strings.ToLower(str(KeyLogFormat))
	cfg.TrustedProxies = splitList(v.GetString(KeyTrustedProxies))
	cfg.AuditWebhookURL = str(KeyAuditWebhookURL)
	cfg.AuditWebhookHeader = str(KeyAuditWebhookHeader)
	return cfg
}

func (c *Config) duration(key, raw string) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		c.invalid[key] = "must be a positive duration"
		return 0
	}
	return d
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks that every required setting is present and well formed.
// The returned error, if any, is a *Error.
func (c *Config) Validate() error {
	e := &Error{Invalid: map[string]string{}}
	for k, msg := range c.invalid {
		e.Invalid[k] = msg
	}

	required := []struct {
		key, val string
	}{
		{KeyDomain, c.Auth0.Domain},
		{KeyClientID, c.Auth0.ClientID},
		{KeyClientSecret, c.Auth0.ClientSecret},
		{KeyBaseURL, c.Auth0.BaseURL},
		{KeyAudience, c.Auth0.Audience},
		{KeyRoleClaim, c.Auth0.RoleClaim},
		{KeyAdminConnection, c.Auth0.AdminConnection},
		{KeyCorporateConnection, c.Auth0.CorporateConnection},
		{KeyInvestorConnection, c.Auth0.InvestorConnection},
	}
	for _, r := range required {
		if r.val == "" {
			e.Missing = append(e.Missing, r.key)
		}
	}

	if len(c.Auth0.Secrets) == 0 {
		e.Missing = append(e.Missing, KeySecret)
	} else {
		for _, s := range c.Auth0.Secrets {
			if len(s) < MinSecretLength {
				e.Invalid[KeySecret] = fmt.Sprintf("each secret must be at least %d characters", MinSecretLength)
				break
			}
		}
	}

	if c.Auth0.BaseURL != "" && !isAbsoluteURL(c.Auth0.BaseURL) {
		e.Invalid[KeyBaseURL] = "must be an absolute http(s) URL"
	}
	if !isAbsoluteURL(c.BackendURL) {
		e.Invalid[KeyBackendURL] = "must be an absolute http(s) URL"
	}
	if c.Auth0.RoleClaim != "" && !isAbsoluteURL(c.Auth0.RoleClaim) {
		e.Invalid[KeyRoleClaim] = "must be a namespaced URL claim"
	}

	switch c.Session.Store {
	case StoreCookie, StoreMemory:
	case StoreBbolt:
		if c.Session.BboltPath == "" {
			e.Missing = append(e.Missing, KeyBboltPath)
		}
	case StorePostgres:
		if c.Session.PostgresDSN == "" {
			e.Missing = append(e.Missing, KeyPostgresDSN)
		}
	case StoreRedis:
		if c.Session.RedisAddr == "" {
			e.Missing = append(e.Missing, KeyRedisAddr)
		}
	default:
		e.Invalid[KeySessionStore] = "must be one of cookie, memory, bbolt, postgres, redis"
	}

	if c.Session.InactivityDuration > 0 && c.Session.AbsoluteDuration > 0 &&
		c.Session.AbsoluteDuration < c.Session.InactivityDuration {
		e.Invalid[KeyAbsolute] = "must not be shorter than " + KeyInactivity
	}

	if c.AuditWebhookURL != "" && !isAbsoluteURL(c.AuditWebhookURL) {
		e.Invalid[KeyAuditWebhookURL] = "must be an absolute http(s) URL"
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		e.Invalid[KeyLogLevel] = "must be one of debug, info, warn, error"
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		e.Invalid[KeyLogFormat] = "must be json or text"
	}

	if len(e.Missing) == 0 && len(e.Invalid) == 0 {
		return nil
	}
	sort.Strings(e.Missing)
	return e
}

func isAbsoluteURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Redacted returns every setting with secrets masked, for display.
func (c *Config) Redacted() map[string]string {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	secrets := make([]string, len(c.Auth0.Secrets))
	for i := range c.Auth0.Secrets {
		secrets[i] = "********"
	}
	return map[string]string{
		KeyDomain:              c.Auth0.Domain,
		KeyClientID:            c.Auth0.ClientID,
		KeyClientSecret:        mask(c.Auth0.ClientSecret),
		KeySecret:              strings.Join(secrets, ","),
		KeyBaseURL:             c.Auth0.BaseURL,
		KeyAudience:            c.Auth0.Audience,
		KeyRoleClaim:           c.Auth0.RoleClaim,
		KeyScope:               c.Auth0.Scope,
		KeyAdminConnection:     c.Auth0.AdminConnection,
		KeyCorporateConnection: c.Auth0.CorporateConnection,
		KeyInvestorConnection:  c.Auth0.InvestorConnection,
		KeyBackendURL:          c.BackendURL,
		KeyBackendTimeout:      c.BackendTimeout.String(),
		KeyPort:                strconv.Itoa(c.Port),
		KeySessionStore:        c.Session.Store,
		KeyBboltPath:           c.Session.BboltPath,
		KeyPostgresDSN:         mask(c.Session.PostgresDSN),
		KeyRedisAddr:           c.Session.RedisAddr,
		KeyRolling:             strconv.FormatBool(c.Session.Rolling),
		KeyInactivity:          c.Session.InactivityDuration.String(),
		KeyAbsolute:            c.Session.AbsoluteDuration.String(),
		KeyWebDir:              c.WebDir,
		KeyLogLevel:            c.LogLevel,
		KeyLogFormat:           c.LogFormat,
		KeyTrustedProxies:      strings.Join(c.TrustedProxies, ","),
		KeyAuditWebhookURL:     c.AuditWebhookURL,
		KeyAuditWebhookHeader:  mask(c.AuditWebhookHeader),
	}
}

// Keys returns every setting key in display order.
func Keys() []string {
	return append([]string(nil), keys...)
}
