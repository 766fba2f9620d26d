package config

import (
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// DefaultQuotaBytes is the default per-user storage ceiling (5 GiB).
const DefaultQuotaBytes = 5 * 1024 * 1024 * 1024

// ApplyDefaults fills unset configuration fields. Zero values are replaced;
// explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyStorageDefaults(&cfg.Storage)
	applyStoreDefaults(&cfg.Store)
	applyAuthDefaults(&cfg.Auth)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 5051
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.SessionActiveWindow == 0 {
		cfg.SessionActiveWindow = 10 * time.Minute
	}
}

func applyStorageDefaults(cfg *StorageConfig) {
	if cfg.Root == "" {
		cfg.Root = "./storage"
	}
	if cfg.DefaultQuotaBytes == 0 {
		cfg.DefaultQuotaBytes = DefaultQuotaBytes
	}
	if len(cfg.TextExtensions) == 0 {
		cfg.TextExtensions = []string{".txt", ".md"}
	}
}

func applyStoreDefaults(cfg *StoreConfig) {
	if cfg.Type == "" {
		cfg.Type = "badger"
	}
	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}
	if cfg.SQLite == nil {
		cfg.SQLite = make(map[string]any)
	}
	if cfg.Type == "badger" && cfg.Badger["db_path"] == nil {
		cfg.Badger["db_path"] = "./stashfs-db"
	}
	if cfg.Type == "sqlite" && cfg.SQLite["db_path"] == nil {
		cfg.SQLite["db_path"] = "./stashfs.db"
	}
}

func applyAuthDefaults(cfg *AuthConfig) {
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
}
