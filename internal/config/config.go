// Package config provides configuration types and loading for ecpd.
//
// Configuration precedence, highest first: CLI flags, ECPD_* environment
// variables, the config file, built-in defaults. The per-invocation
// shared secret is normally generated at start-up rather than
// configured; see auth.token / auth.token_hash.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the top-level ecpd configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Auth    AuthConfig    `yaml:"auth" mapstructure:"auth"`
	Static  StaticConfig  `yaml:"static" mapstructure:"static"`
	Tracing TracingConfig `yaml:"tracing" mapstructure:"tracing"`
	Policy  PolicyConfig  `yaml:"policy" mapstructure:"policy"`
	Store   StoreConfig   `yaml:"store" mapstructure:"store"`

	// HeartbeatDisabled records that the operator explicitly set
	// heartbeat_interval to 0 ("disable") rather than leaving it unset
	// ("default"). Set by the loader, not by file or env.
	HeartbeatDisabled bool `yaml:"-" mapstructure:"-"`
}

// ServerConfig configures the listener, the connection manager and the
// heartbeat.
type ServerConfig struct {
	// Host is the bind address. Binding 0.0.0.0 without an origin
	// allow-list emits a prominent warning.
	Host string `yaml:"host" mapstructure:"host"`
	// Port is the TCP port, 0-65535. 0 picks an ephemeral port.
	Port int `yaml:"port" mapstructure:"port" validate:"min=0,max=65535"`
	// Workspace is the workspace root; resolved to an absolute path.
	Workspace string `yaml:"workspace" mapstructure:"workspace"`
	// MaxConnections caps accepted sockets; further upgrades get 503.
	MaxConnections int `yaml:"max_connections" mapstructure:"max_connections" validate:"min=1"`
	// HandshakeTimeout bounds the Pending state.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" mapstructure:"handshake_timeout"`
	// HeartbeatInterval drives the stale-peer scan. 0 disables.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	// StaleMultiplier: a connection is stale after
	// StaleMultiplier × HeartbeatInterval without activity.
	StaleMultiplier int `yaml:"stale_multiplier" mapstructure:"stale_multiplier" validate:"min=1"`
	// AllowedOrigins is the Origin allow-list. Entries match exact or
	// by prefix; "*" disables the check. Empty means loopback-only.
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	// CORSEnabled opts in to Access-Control-Allow-Origin: * responses.
	CORSEnabled bool `yaml:"cors_enabled" mapstructure:"cors_enabled"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"oneof=debug info warn error"`
}

// AuthConfig configures the handshake secret.
type AuthConfig struct {
	// Token is the plaintext shared secret. Normally injected by the
	// --token flag or generated per invocation.
	Token string `yaml:"token" mapstructure:"token"`
	// TokenHash is a hash at rest (argon2id PHC or sha256:<hex>),
	// mutually exclusive with Token. Generate with "ecpd hash-token".
	TokenHash string `yaml:"token_hash" mapstructure:"token_hash"`
	// AllowLegacy keeps the deprecated ?token= query-parameter auth
	// path enabled.
	AllowLegacy bool `yaml:"allow_legacy" mapstructure:"allow_legacy"`
}

// StaticConfig configures the optional static file server.
type StaticConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	// Root is the directory served at /. Requests resolving outside it
	// get 403.
	Root string `yaml:"root" mapstructure:"root"`
	// SPAFallback serves index.html for unresolved paths.
	SPAFallback bool `yaml:"spa_fallback" mapstructure:"spa_fallback"`
}

// TracingConfig configures OpenTelemetry tracing of the dispatch path.
type TracingConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// RuleConfig is one operator-written CEL deny rule.
type RuleConfig struct {
	Name       string `yaml:"name" mapstructure:"name" validate:"required"`
	Expression string `yaml:"expression" mapstructure:"expression" validate:"required"`
	Message    string `yaml:"message" mapstructure:"message"`
}

// PolicyConfig configures the optional CEL rule middleware.
type PolicyConfig struct {
	Rules []RuleConfig `yaml:"rules" mapstructure:"rules" validate:"omitempty,dive"`
}

// StoreConfig configures the embedded document store adapter.
type StoreConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	// Path is the SQLite database path. Defaults to
	// <workspace>/.ecpd/store.db.
	Path string `yaml:"path" mapstructure:"path"`
}

// Default values applied by SetDefaults.
const (
	DefaultHost              = "127.0.0.1"
	DefaultPort              = 7070
	DefaultMaxConnections    = 128
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultStaleMultiplier   = 5
)

// SettingsDir is the per-workspace directory holding ecpd state.
const SettingsDir = ".ecpd"

// SettingsFile returns the workspace settings file path.
func (c *Config) SettingsFile() string {
	return filepath.Join(c.Server.Workspace, SettingsDir, "settings.yaml")
}

// StorePath returns the document store path, applying the default.
func (c *Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(c.Server.Workspace, SettingsDir, "store.db")
}

// SetDefaults fills zero values with defaults and resolves the
// workspace to an absolute path.
func (c *Config) SetDefaults() error {
	if c.Server.Host == "" {
		c.Server.Host = DefaultHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.MaxConnections == 0 {
		c.Server.MaxConnections = DefaultMaxConnections
	}
	if c.Server.HandshakeTimeout == 0 {
		c.Server.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Server.HeartbeatInterval == 0 && !c.HeartbeatDisabled {
		c.Server.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Server.StaleMultiplier == 0 {
		c.Server.StaleMultiplier = DefaultStaleMultiplier
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}

	if c.Server.Workspace == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to resolve working directory: %w", err)
		}
		c.Server.Workspace = cwd
	}
	abs, err := filepath.Abs(c.Server.Workspace)
	if err != nil {
		return fmt.Errorf("failed to resolve workspace path: %w", err)
	}
	c.Server.Workspace = abs
	return nil
}

// Validate checks the configuration using struct tags plus cross-field
// rules. Returns an actionable error on the first failure.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if c.Auth.Token != "" && c.Auth.TokenHash != "" {
		return fmt.Errorf("auth.token and auth.token_hash are mutually exclusive")
	}
	if c.Static.Enabled && c.Static.Root == "" {
		return fmt.Errorf("static.enabled requires static.root")
	}

	if info, err := os.Stat(c.Server.Workspace); err != nil {
		return fmt.Errorf("workspace %s: %w", c.Server.Workspace, err)
	} else if !info.IsDir() {
		return fmt.Errorf("workspace %s is not a directory", c.Server.Workspace)
	}
	return nil
}

// formatValidationErrors converts validator errors into readable
// messages naming the offending field.
func formatValidationErrors(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q validation (value: %v)",
			strings.ToLower(fe.Namespace()), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}
