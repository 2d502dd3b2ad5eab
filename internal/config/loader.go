// Package config provides configuration loading for ecpd.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and
// environment variables. If configFile is empty, ecpd.yaml/.yml is
// searched in the current directory and ~/.ecpd. The search requires an
// explicit YAML extension so the binary itself is never matched.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		viper.SetConfigName("ecpd")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: ECPD_SERVER_PORT, ECPD_AUTH_TOKEN, …
	viper.SetEnvPrefix("ECPD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{".", filepath.Join(home, ".ecpd")}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "ecpd"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds nested config keys so environment variables
// can override them. AutomaticEnv alone does not see keys absent from
// the config file.
func bindNestedEnvKeys() {
	keys := []string{
		"server.host",
		"server.port",
		"server.workspace",
		"server.max_connections",
		"server.handshake_timeout",
		"server.heartbeat_interval",
		"server.stale_multiplier",
		"server.allowed_origins",
		"server.cors_enabled",
		"server.log_level",
		"auth.token",
		"auth.token_hash",
		"auth.allow_legacy",
		"static.enabled",
		"static.root",
		"static.spa_fallback",
		"tracing.enabled",
		"store.enabled",
		"store.path",
	}
	for _, key := range keys {
		_ = viper.BindEnv(key)
	}
}

// Load reads, defaults and returns the configuration. A missing config
// file is not an error; env vars and defaults still apply. Validation
// is left to the caller so CLI flags can override first.
func Load() (*Config, error) {
	// Legacy auth defaults to on; a breaking-change release will flip it.
	viper.SetDefault("auth.allow_legacy", true)
	viper.SetDefault("static.spa_fallback", true)
	viper.SetDefault("store.enabled", true)

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// heartbeat_interval: 0 in the file means "disable", not "default".
	if viper.IsSet("server.heartbeat_interval") && cfg.Server.HeartbeatInterval == 0 {
		cfg.HeartbeatDisabled = true
	}

	if err := cfg.SetDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ConfigFileUsed reports the config file Viper loaded, if any.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
