package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// Environment variable names for overrides.
const (
	EnvConfig      = "PADSYNC_CONFIG"
	EnvServerURL   = "PADSYNC_SERVER_URL"
	EnvAccessToken = "PADSYNC_ACCESS_TOKEN"
	EnvKey         = "PADSYNC_ENCRYPTION_KEY"
	EnvClientID    = "PADSYNC_CLIENT_ID"
)

// Load reads and parses a TOML config file, rejects unknown keys, and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}

		return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// defaults. Supports the zero-config first run.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve applies the override chain: defaults -> config file ->
// environment. configPath comes from the --config flag; empty falls
// back to PADSYNC_CONFIG and then the platform default. A missing
// client_id gets a generated one, valid for this process only.
func Resolve(configPath string) (*Config, error) {
	path := DefaultConfigPath()
	if env := os.Getenv(EnvConfig); env != "" {
		path = env
	}

	if configPath != "" {
		path = configPath
	}

	cfg, err := LoadOrDefault(path)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if cfg.Sync.ClientID == "" {
		cfg.Sync.ClientID = uuid.NewString()
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvServerURL); v != "" {
		cfg.Server.URL = v
	}

	if v := os.Getenv(EnvAccessToken); v != "" {
		cfg.Server.AccessToken = v
	}

	if v := os.Getenv(EnvKey); v != "" {
		cfg.Encryption.Key = v
	}

	if v := os.Getenv(EnvClientID); v != "" {
		cfg.Sync.ClientID = v
	}
}
