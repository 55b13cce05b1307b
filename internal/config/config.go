// Package config implements TOML configuration loading for padsync with
// a three-layer override chain (defaults -> config file -> environment).
// Unknown keys in the config file are fatal: silently ignoring a typo
// leads to hard-to-debug behavior.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Sync       SyncConfig       `toml:"sync"`
	Sheet      SheetConfig      `toml:"sheet"`
	Encryption EncryptionConfig `toml:"encryption"`
	Logging    LoggingConfig    `toml:"logging"`
}

// ServerConfig covers both sides of the relay: the URL a client syncs
// against, and the listen address and database used by `padsync serve`.
type ServerConfig struct {
	URL         string `toml:"url"`
	AccessToken string `toml:"access_token"`
	Listen      string `toml:"listen"`
	DBPath      string `toml:"db_path"`
}

// Backends selectable via sync.backend.
const (
	BackendRelay = "relay"
	BackendSheet = "sheet"
)

// SyncConfig controls the client engine: identity, local database,
// polling cadence, and which transport backend to sync through.
type SyncConfig struct {
	ClientID     string `toml:"client_id"`
	DBPath       string `toml:"db_path"`
	PollInterval string `toml:"poll_interval"`
	Backend      string `toml:"backend"`
}

// SheetConfig points the sheet backend at a grid-style REST endpoint.
// Only read when sync.backend is "sheet".
type SheetConfig struct {
	URL   string `toml:"url"`
	Token string `toml:"token"`
}

// EncryptionConfig holds the shared key, base64-encoded. Generate one
// with `padsync key generate`.
type EncryptionConfig struct {
	Key string `toml:"key"`
}

// LoggingConfig controls log output: level and format ("text" or "json").
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default values, the "layer 0" of the override chain.
const (
	defaultServerURL    = "http://localhost:8080"
	defaultListen       = ":8080"
	defaultPollInterval = "30s"
	defaultLogLevel     = "info"
	defaultLogFormat    = "text"
)

// DefaultConfig returns a Config populated with all default values.
// Used as the starting point for TOML decoding so unset fields retain
// defaults, and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			URL:    defaultServerURL,
			Listen: defaultListen,
			DBPath: filepath.Join(defaultDataDir(), "relay.db"),
		},
		Sync: SyncConfig{
			DBPath:       filepath.Join(defaultDataDir(), "sync.db"),
			PollInterval: defaultPollInterval,
			Backend:      BackendRelay,
		},
		Logging: LoggingConfig{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
	}
}

// DefaultConfigPath returns the platform config file location, e.g.
// ~/.config/padsync/config.toml on Linux.
func DefaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".", "padsync.toml")
	}

	return filepath.Join(dir, "padsync", "config.toml")
}

func defaultDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "."
	}

	return filepath.Join(dir, "padsync")
}

// Interval parses the configured poll interval. Validate has already
// checked it, so parse errors fall back to the default.
func (c SyncConfig) Interval() time.Duration {
	d, err := time.ParseDuration(c.PollInterval)
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(defaultPollInterval)
	}

	return d
}

// Validate checks the fields every command depends on. Key validity is
// checked where the key is used, not here, so read-only commands work
// with a broken key in the file.
func Validate(cfg *Config) error {
	if _, err := time.ParseDuration(cfg.Sync.PollInterval); err != nil {
		return fmt.Errorf("config: sync.poll_interval %q is not a duration: %w", cfg.Sync.PollInterval, err)
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: logging.level %q is not one of debug, info, warn, error", cfg.Logging.Level)
	}

	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: logging.format %q is not one of text, json", cfg.Logging.Format)
	}

	switch cfg.Sync.Backend {
	case BackendRelay:
	case BackendSheet:
		if cfg.Sheet.URL == "" {
			return fmt.Errorf("config: sync.backend is %q but sheet.url is not set", BackendSheet)
		}
	default:
		return fmt.Errorf("config: sync.backend %q is not one of %s, %s", cfg.Sync.Backend, BackendRelay, BackendSheet)
	}

	return nil
}
