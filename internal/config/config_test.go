package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	return path
}

func TestLoadAppliesFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
[server]
url = "https://sync.example.com"
access_token = "hunter2"

[sync]
client_id = "laptop"
poll_interval = "5s"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.URL != "https://sync.example.com" {
		t.Errorf("url = %q", cfg.Server.URL)
	}

	if cfg.Sync.ClientID != "laptop" {
		t.Errorf("client_id = %q", cfg.Sync.ClientID)
	}

	// Unset sections keep their defaults.
	if cfg.Logging.Level != "info" {
		t.Errorf("level = %q, want default info", cfg.Logging.Level)
	}

	if cfg.Sync.Interval() != 5*time.Second {
		t.Errorf("interval = %v, want 5s", cfg.Sync.Interval())
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
[sync]
clint_id = "typo"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for unknown key")
	}

	if !strings.Contains(err.Error(), "clint_id") {
		t.Errorf("error does not name the bad key: %v", err)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []struct {
		name, content string
	}{
		{"bad interval", "[sync]\npoll_interval = \"soon\"\n"},
		{"bad level", "[logging]\nlevel = \"loud\"\n"},
		{"bad format", "[logging]\nformat = \"xml\"\n"},
		{"bad backend", "[sync]\nbackend = \"carrier-pigeon\"\n"},
		{"sheet backend without url", "[sync]\nbackend = \"sheet\"\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.content)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadSheetBackend(t *testing.T) {
	path := writeConfig(t, `
[sync]
backend = "sheet"

[sheet]
url = "https://grid.example.com/v1"
token = "s3cret"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Sync.Backend != BackendSheet {
		t.Errorf("backend = %q, want %q", cfg.Sync.Backend, BackendSheet)
	}

	if cfg.Sheet.URL != "https://grid.example.com/v1" || cfg.Sheet.Token != "s3cret" {
		t.Errorf("sheet = %+v", cfg.Sheet)
	}
}

func TestLoadOrDefaultWithoutFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}

	if cfg.Server.URL != defaultServerURL {
		t.Errorf("url = %q, want default", cfg.Server.URL)
	}
}

func TestResolveEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
[server]
url = "https://file.example.com"

[encryption]
key = "file-key"
`)

	t.Setenv(EnvServerURL, "https://env.example.com")
	t.Setenv(EnvKey, "env-key")

	cfg, err := Resolve(path)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if cfg.Server.URL != "https://env.example.com" {
		t.Errorf("url = %q, env should win", cfg.Server.URL)
	}

	if cfg.Encryption.Key != "env-key" {
		t.Errorf("key = %q, env should win", cfg.Encryption.Key)
	}
}

func TestResolveGeneratesClientID(t *testing.T) {
	cfg, err := Resolve(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if cfg.Sync.ClientID == "" {
		t.Fatal("client_id should be generated when unset")
	}
}

func TestIntervalFallsBackOnGarbage(t *testing.T) {
	c := SyncConfig{PollInterval: "nope"}
	if c.Interval() != 30*time.Second {
		t.Errorf("interval = %v, want 30s fallback", c.Interval())
	}
}
