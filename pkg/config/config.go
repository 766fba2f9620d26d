// Package config loads and validates server configuration.
//
// Configuration sources, highest precedence first:
//  1. Environment variables (STASHFS_*)
//  2. Configuration file (YAML)
//  3. Default values
//
// The record store follows a type-plus-sections pattern: Store.Type selects
// the backend and only the matching type-specific section is decoded, so
// unused sections can stay in the file without effect.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete server configuration.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging"`

	// Server contains listener and connection settings
	Server ServerConfig `mapstructure:"server"`

	// Storage configures the on-disk file tree and quota policy
	Storage StorageConfig `mapstructure:"storage"`

	// Store selects and configures the record store backend
	Store StoreConfig `mapstructure:"store"`

	// Auth configures password hashing
	Auth AuthConfig `mapstructure:"auth"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required"`
}

// ServerConfig contains listener and connection settings.
type ServerConfig struct {
	// Host is the listen address
	Host string `mapstructure:"host" validate:"required"`

	// Port is the listen port. 0 picks a free port, useful in tests.
	Port int `mapstructure:"port" validate:"gte=0,lte=65535"`

	// MaxConnections caps concurrent client connections. 0 means
	// unlimited.
	MaxConnections int `mapstructure:"max_connections" validate:"gte=0"`

	// ReadTimeout and WriteTimeout bound a single frame read or write;
	// IdleTimeout bounds the wait for the next request. 0 disables the
	// respective deadline.
	ReadTimeout  time.Duration `mapstructure:"read_timeout" validate:"gte=0"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"gte=0"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" validate:"gte=0"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0"`

	// SessionActiveWindow is the recency window for the active-user
	// count reported by STATS
	SessionActiveWindow time.Duration `mapstructure:"session_active_window" validate:"required,gt=0"`

	// AuthRatePerMinute throttles REGISTER and LOGIN attempts per client
	// host. 0 disables throttling.
	AuthRatePerMinute uint `mapstructure:"auth_rate_per_minute"`

	// MaxHeaderBytes and MaxPayloadBytes bound incoming frame sizes.
	MaxHeaderBytes  int64 `mapstructure:"max_header_bytes" validate:"gte=0"`
	MaxPayloadBytes int64 `mapstructure:"max_payload_bytes" validate:"gte=0"`
}

// StorageConfig configures the on-disk file tree and quota policy.
type StorageConfig struct {
	// Root is the directory holding per-user file trees
	Root string `mapstructure:"root" validate:"required"`

	// DefaultQuotaBytes applies to users without a per-user override
	DefaultQuotaBytes int64 `mapstructure:"default_quota_bytes" validate:"required,gt=0"`

	// TextExtensions is the allow-list for READ_TEXT/WRITE_TEXT, each
	// entry with its leading dot
	TextExtensions []string `mapstructure:"text_extensions" validate:"required,min=1,dive,startswith=."`
}

// StoreConfig selects the record store backend.
//
// Only the section matching Type is decoded.
type StoreConfig struct {
	// Type specifies which store implementation to use
	// Valid values: memory, badger, sqlite
	Type string `mapstructure:"type" validate:"required,oneof=memory badger sqlite"`

	// Badger contains BadgerDB-specific configuration
	// Only used when Type = "badger"
	Badger map[string]any `mapstructure:"badger"`

	// SQLite contains SQLite-specific configuration
	// Only used when Type = "sqlite"
	SQLite map[string]any `mapstructure:"sqlite"`
}

// AuthConfig configures password hashing.
type AuthConfig struct {
	// BcryptCost is the bcrypt work factor. Values outside bcrypt's
	// supported range fall back to the library default.
	BcryptCost int `mapstructure:"bcrypt_cost" validate:"gte=0,lte=31"`
}

// Load loads configuration from file, environment, and defaults.
//
// configPath may be empty, in which case the default location is searched
// and missing files are not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if err := readConfigFile(v, configPath); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// setupViper configures environment variable support and config file
// lookup. Environment variables use the STASHFS_ prefix with underscores,
// e.g. STASHFS_SERVER_PORT=6000.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("STASHFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

func readConfigFile(v *viper.Viper, configPath string) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) && configPath == "" {
			// No config file is fine; defaults and environment apply
			return nil
		}
		if configPath != "" {
			if _, statErr := os.Stat(configPath); os.IsNotExist(statErr) {
				return fmt.Errorf("config file not found: %s", configPath)
			}
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getConfigDir returns the default config directory,
// $XDG_CONFIG_HOME/stashfs or ~/.config/stashfs.
func getConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "stashfs")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "stashfs")
}
