// Package config loads tripstudy configuration.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Storage backends.
const (
	BackendSQLite = "sqlite"
	BackendFiles  = "files"
)

// Config is the complete service configuration.
type Config struct {
	Server          ServerConfig  `koanf:"server"`
	Storage         StorageConfig `koanf:"storage"`
	Log             LogConfig     `koanf:"log"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StorageConfig selects the persistence backend.
//
// For the sqlite backend Path is the database file and Driver picks
// "sqlite3" (cgo) or "sqlite" (pure Go). For the files backend Path is the
// data directory.
type StorageConfig struct {
	Backend string `koanf:"backend"`
	Path    string `koanf:"path"`
	Driver  string `koanf:"driver"`
}

// LogConfig controls the log fan-out.
type LogConfig struct {
	Level   string `koanf:"level"`
	File    string `koanf:"file"`
	Journal bool   `koanf:"journal"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	var cfg Config
	applyDefaults(&cfg)
	return cfg
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = BackendSQLite
	}
	if cfg.Storage.Path == "" {
		if cfg.Storage.Backend == BackendFiles {
			cfg.Storage.Path = "data"
		} else {
			cfg.Storage.Path = "tripstudy.db"
		}
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite3"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	switch c.Storage.Backend {
	case BackendSQLite:
		if c.Storage.Driver != "sqlite3" && c.Storage.Driver != "sqlite" {
			return fmt.Errorf("invalid storage driver: %q (must be sqlite3 or sqlite)", c.Storage.Driver)
		}
	case BackendFiles:
	default:
		return fmt.Errorf("invalid storage backend: %q (must be %s or %s)", c.Storage.Backend, BackendSQLite, BackendFiles)
	}
	if c.Storage.Path == "" {
		return errors.New("storage path is required")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %q", c.Log.Level)
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	return nil
}
