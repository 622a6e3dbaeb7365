package goAuthClient

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/MrEthical07/goAuthClient/permission"
)

// Config is the full client configuration. Field tags let viper load it from
// a file or GOAUTHCLIENT_* environment variables.
//
// Config instances are intended to be configured during initialization and then treated as immutable.
type Config struct {
	// BaseURL is the API root, e.g. "https://procurement.example.com/api".
	BaseURL   string          `mapstructure:"base_url"`
	Expiry    ExpiryConfig    `mapstructure:"expiry"`
	Refresh   RefreshConfig   `mapstructure:"refresh"`
	Routes    RoutesConfig    `mapstructure:"routes"`
	Persist   PersistConfig   `mapstructure:"persist"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Transport TransportConfig `mapstructure:"transport"`
}

/*
====================================
EXPIRY CONFIG
====================================
*/

// ExpiryConfig controls when an access token counts as expired.
type ExpiryConfig struct {
	// Margin is subtracted from exp; a token is usable only while
	// now < exp - Margin.
	Margin time.Duration `mapstructure:"margin"`
	// SigningMethod enables signature checks before trusting exp: "" (decode
	// only), "hs256" or "ed25519".
	SigningMethod string `mapstructure:"signing_method"`
	// VerifyKey is the HS256 secret or the Ed25519 public key (raw or PEM).
	VerifyKey string `mapstructure:"verify_key"`
}

/*
====================================
REFRESH CONFIG
====================================
*/

// Refresh modes.
const (
	RefreshModeHTTP   = "http"
	RefreshModeOAuth2 = "oauth2"
)

// RefreshConfig configures the refresh exchange.
type RefreshConfig struct {
	// Mode is "http" (JSON endpoint under BaseURL) or "oauth2".
	Mode string `mapstructure:"mode"`
	// Path of the JSON refresh endpoint, relative to BaseURL.
	Path string `mapstructure:"path"`
	// Timeout bounds one shared refresh call.
	Timeout time.Duration `mapstructure:"timeout"`
	OAuth2  OAuth2Config  `mapstructure:"oauth2"`
}

// OAuth2Config is used when Mode is "oauth2".
type OAuth2Config struct {
	TokenURL     string   `mapstructure:"token_url"`
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	Scopes       []string `mapstructure:"scopes"`
}

/*
====================================
ROUTES CONFIG
====================================
*/

// RoutesConfig lists public endpoints and which statuses reject a session.
type RoutesConfig struct {
	// Public patterns, "[METHOD ]/path" with per-segment globs, relative to
	// the BaseURL path.
	Public []string `mapstructure:"public"`
	// RejectStatuses terminate the session when returned for a protected call.
	RejectStatuses []int `mapstructure:"reject_statuses"`
	// ManageBaseHostOnly treats calls to other hosts as public.
	ManageBaseHostOnly bool `mapstructure:"manage_base_host_only"`
}

/*
====================================
PERSIST CONFIG
====================================
*/

// Persistence backends.
const (
	PersistNone       = "none"
	PersistMemory     = "memory"
	PersistRedis      = "redis"
	PersistAWSSecrets = "awssecrets"
)

// PersistConfig selects where the credential pair is written through to.
type PersistConfig struct {
	Backend string `mapstructure:"backend"`
	// TTL bounds how long a persisted record survives; 0 keeps it forever.
	TTL time.Duration `mapstructure:"ttl"`
	// Name identifies the stored session (one per operator profile).
	Name        string `mapstructure:"name"`
	RedisAddr   string `mapstructure:"redis_addr"`
	RedisPrefix string `mapstructure:"redis_prefix"`
	AWSRegion   string `mapstructure:"aws_region"`
	AWSEndpoint string `mapstructure:"aws_endpoint"`
	AWSSecret   string `mapstructure:"aws_secret"`
}

/*
====================================
AUDIT / METRICS CONFIG
====================================
*/

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	BufferSize int  `mapstructure:"buffer_size"`
	DropIfFull bool `mapstructure:"drop_if_full"`
}

// MetricsConfig controls in-process metrics.
type MetricsConfig struct {
	Enabled                 bool `mapstructure:"enabled"`
	EnableLatencyHistograms bool `mapstructure:"enable_latency_histograms"`
}

/*
====================================
TRANSPORT CONFIG
====================================
*/

// TransportConfig tunes the underlying HTTP client.
type TransportConfig struct {
	// Timeout is the overall per-call timeout of HTTPClient; 0 disables it.
	Timeout             time.Duration `mapstructure:"timeout"`
	MaxIdleConnsPerHost int           `mapstructure:"max_idle_conns_per_host"`
	UserAgent           string        `mapstructure:"user_agent"`
}

func defaultConfig() Config {
	return Config{
		Expiry: ExpiryConfig{
			Margin: 5 * time.Second,
		},
		Refresh: RefreshConfig{
			Mode:    RefreshModeHTTP,
			Path:    "/auth/refresh",
			Timeout: 15 * time.Second,
		},
		Routes: RoutesConfig{
			Public: []string{
				"POST /auth/login",
				"POST /auth/refresh",
			},
			RejectStatuses:     []int{401},
			ManageBaseHostOnly: true,
		},
		Persist: PersistConfig{
			Backend:     PersistMemory,
			TTL:         7 * 24 * time.Hour,
			Name:        "default",
			RedisPrefix: "gac",
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
		Transport: TransportConfig{
			Timeout:             30 * time.Second,
			MaxIdleConnsPerHost: 16,
			UserAgent:           "goauthclient",
		},
	}
}

// DefaultConfig returns the configuration New starts from. BaseURL must still
// be set.
func DefaultConfig() Config {
	return defaultConfig()
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Refresh.OAuth2.Scopes = cloneStrings(cfg.Refresh.OAuth2.Scopes)
	out.Routes.Public = cloneStrings(cfg.Routes.Public)
	if cfg.Routes.RejectStatuses != nil {
		out.Routes.RejectStatuses = append([]int(nil), cfg.Routes.RejectStatuses...)
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}

// Validate checks cfg and returns the first problem found.
func (c *Config) Validate() error {
	// Base URL
	if strings.TrimSpace(c.BaseURL) == "" {
		return errors.New("BaseURL is required")
	}
	base, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("BaseURL is invalid: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return errors.New("BaseURL scheme must be http or https")
	}
	if base.Host == "" {
		return errors.New("BaseURL must include a host")
	}

	// Expiry
	if c.Expiry.Margin < 0 {
		return errors.New("Expiry Margin must be >= 0")
	}
	switch c.Expiry.SigningMethod {
	case "":
		if c.Expiry.VerifyKey != "" {
			return errors.New("Expiry VerifyKey requires SigningMethod")
		}
	case "hs256", "ed25519":
		if c.Expiry.VerifyKey == "" {
			return errors.New("Expiry SigningMethod requires VerifyKey")
		}
	default:
		return errors.New("Expiry SigningMethod must be '', 'hs256' or 'ed25519'")
	}

	// Refresh
	if c.Refresh.Timeout <= 0 {
		return errors.New("Refresh Timeout must be > 0")
	}
	switch c.Refresh.Mode {
	case RefreshModeHTTP:
		if !strings.HasPrefix(c.Refresh.Path, "/") {
			return errors.New("Refresh Path must start with /")
		}
	case RefreshModeOAuth2:
		if c.Refresh.OAuth2.TokenURL == "" {
			return errors.New("Refresh OAuth2 TokenURL is required")
		}
		if _, err := url.Parse(c.Refresh.OAuth2.TokenURL); err != nil {
			return fmt.Errorf("Refresh OAuth2 TokenURL is invalid: %w", err)
		}
		if c.Refresh.OAuth2.ClientID == "" {
			return errors.New("Refresh OAuth2 ClientID is required")
		}
	default:
		return errors.New("Refresh Mode must be 'http' or 'oauth2'")
	}

	// Routes
	probe := permission.NewRoutes()
	for _, p := range c.Routes.Public {
		if err := probe.Register(p); err != nil {
			return fmt.Errorf("Routes Public %q: %w", p, err)
		}
	}
	for _, s := range c.Routes.RejectStatuses {
		if s < 400 || s > 599 {
			return fmt.Errorf("Routes RejectStatuses contains %d; must be 4xx or 5xx", s)
		}
	}

	// Persist
	if c.Persist.TTL < 0 {
		return errors.New("Persist TTL must be >= 0")
	}
	switch c.Persist.Backend {
	case PersistNone, PersistMemory:
	case PersistRedis:
		if c.Persist.RedisPrefix == "" {
			return errors.New("Persist RedisPrefix must not be empty")
		}
	case PersistAWSSecrets:
		if c.Persist.AWSSecret == "" {
			return errors.New("Persist AWSSecret is required for awssecrets backend")
		}
	default:
		return errors.New("Persist Backend must be 'none', 'memory', 'redis' or 'awssecrets'")
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when enabled")
	}

	// Transport
	if c.Transport.Timeout < 0 {
		return errors.New("Transport Timeout must be >= 0")
	}
	if c.Transport.MaxIdleConnsPerHost < 0 {
		return errors.New("Transport MaxIdleConnsPerHost must be >= 0")
	}

	return nil
}

// LintWarning is a non-fatal configuration smell.
type LintWarning struct {
	Code    string
	Message string
}

// LintWarnings is the result of [Config.Lint].
type LintWarnings []LintWarning

// Codes returns the warning codes in order.
func (ws LintWarnings) Codes() []string {
	out := make([]string, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.Code)
	}
	return out
}

// Lint reports settings that are valid but probably unintended.
func (c *Config) Lint() LintWarnings {
	var ws LintWarnings

	if c.Expiry.Margin == 0 {
		ws = append(ws, LintWarning{"margin_zero", "tokens are used until the exact expiry second; in-flight calls may arrive expired"})
	}
	if c.Expiry.Margin > 5*time.Minute {
		ws = append(ws, LintWarning{"margin_large", "an expiry margin above 5m refreshes most short-lived tokens on every call"})
	}
	if c.Refresh.Timeout > time.Minute {
		ws = append(ws, LintWarning{"refresh_timeout_long", "callers may wait over a minute on a stuck refresh"})
	}
	if c.Refresh.Mode == RefreshModeHTTP && !c.refreshRoutePublic() {
		ws = append(ws, LintWarning{"refresh_route_protected", "the refresh endpoint is not in Routes Public"})
	}
	for _, s := range c.Routes.RejectStatuses {
		if s == 403 {
			ws = append(ws, LintWarning{"reject_forbidden", "403 terminates the session; permission errors will log the user out"})
		}
	}
	if !c.Routes.ManageBaseHostOnly {
		ws = append(ws, LintWarning{"all_hosts_managed", "tokens are attached to calls to any host"})
	}
	if c.Persist.Backend == PersistRedis && c.Persist.TTL == 0 {
		ws = append(ws, LintWarning{"persist_no_ttl", "persisted credentials never expire in Redis"})
	}
	if c.Audit.Enabled && !c.Audit.DropIfFull {
		ws = append(ws, LintWarning{"audit_blocking", "a slow audit sink will stall refresh and termination"})
	}

	return ws
}

func (c *Config) refreshRoutePublic() bool {
	routes := permission.NewRoutes()
	for _, p := range c.Routes.Public {
		_ = routes.Register(p)
	}
	return routes.IsPublic("POST", &url.URL{Path: c.Refresh.Path})
}
