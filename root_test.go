package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slothvips/padsync/internal/config"
	"github.com/slothvips/padsync/internal/secrets"
)

// saveGlobals snapshots the package-level flag and config state so tests
// can mutate it freely.
func saveGlobals(t *testing.T) {
	t.Helper()

	oldCfg := resolvedCfg
	oldConfigPath := flagConfigPath
	oldJSON := flagJSON
	oldVerbose := flagVerbose
	oldQuiet := flagQuiet

	t.Cleanup(func() {
		resolvedCfg = oldCfg
		flagConfigPath = oldConfigPath
		flagJSON = oldJSON
		flagVerbose = oldVerbose
		flagQuiet = oldQuiet
	})
}

func TestNewRootCmdRegistersSubcommands(t *testing.T) {
	saveGlobals(t)

	cmd := newRootCmd()

	for _, name := range []string{"serve", "push", "pull", "sync", "status", "key"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err, "subcommand %s", name)
		assert.Equal(t, name, sub.Name())
	}

	assert.True(t, cmd.SilenceErrors)
	assert.True(t, cmd.SilenceUsage)
}

func TestBuildLoggerLevels(t *testing.T) {
	saveGlobals(t)

	resolvedCfg = config.DefaultConfig()
	flagVerbose = false
	flagQuiet = false

	logger := buildLogger()
	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelInfo))
	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelDebug))

	flagVerbose = true

	logger = buildLogger()
	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelDebug))

	flagVerbose = false
	flagQuiet = true

	logger = buildLogger()
	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelError))
}

func TestBuildEngineWithoutKey(t *testing.T) {
	saveGlobals(t)

	resolvedCfg = config.DefaultConfig()
	resolvedCfg.Sync.DBPath = filepath.Join(t.TempDir(), "sync.db")
	resolvedCfg.Sync.ClientID = "test-client"
	flagQuiet = true

	eng, cleanup, err := buildEngine(buildLogger())
	require.NoError(t, err)

	defer cleanup()

	// No key configured yet: the engine exists but reports none.
	assert.Empty(t, eng.KeyFingerprint())
}

func TestBuildEngineRejectsBrokenKey(t *testing.T) {
	saveGlobals(t)

	resolvedCfg = config.DefaultConfig()
	resolvedCfg.Sync.DBPath = filepath.Join(t.TempDir(), "sync.db")
	resolvedCfg.Sync.ClientID = "test-client"
	resolvedCfg.Encryption.Key = "not-base64!!"

	_, _, err := buildEngine(buildLogger())
	require.Error(t, err)
}

func TestBuildEngineSheetBackend(t *testing.T) {
	saveGlobals(t)

	var (
		mu   sync.Mutex
		rows [][]string
		auth string
	)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /rows/count", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()

		auth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(map[string]int{"count": len(rows)})
	})
	mux.HandleFunc("POST /rows", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()

		var req struct {
			Rows [][]string `json:"rows"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		rows = append(rows, req.Rows...)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	key, err := secrets.GenerateKey()
	require.NoError(t, err)

	resolvedCfg = config.DefaultConfig()
	resolvedCfg.Sync.DBPath = filepath.Join(t.TempDir(), "sync.db")
	resolvedCfg.Sync.ClientID = "test-client"
	resolvedCfg.Sync.Backend = config.BackendSheet
	resolvedCfg.Sheet.URL = srv.URL
	resolvedCfg.Sheet.Token = "grid-token"
	resolvedCfg.Encryption.Key = key.Export()
	flagQuiet = true

	eng, cleanup, err := buildEngine(buildLogger())
	require.NoError(t, err)

	defer cleanup()

	// Pulling an empty sheet creates the header and comes back clean.
	report, err := eng.Pull(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Applied)

	mu.Lock()
	defer mu.Unlock()

	require.Len(t, rows, 1)
	assert.Equal(t, "id", rows[0][0])
	assert.Equal(t, "Bearer grid-token", auth)
}

func TestKeyGenerateCommand(t *testing.T) {
	saveGlobals(t)

	flagQuiet = true

	cmd := newKeyGenerateCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)

	require.NoError(t, cmd.RunE(cmd, nil))

	exported := out.String()
	require.NotEmpty(t, exported)

	// The printed key must import cleanly.
	key, err := secrets.ImportKey(exported[:len(exported)-1]) // trim newline
	require.NoError(t, err)
	assert.NotEmpty(t, key.Fingerprint())
}

func TestKeyVerifyCommand(t *testing.T) {
	saveGlobals(t)

	resolvedCfg = config.DefaultConfig()
	flagQuiet = true

	key, err := secrets.GenerateKey()
	require.NoError(t, err)

	cmd := newKeyVerifyCmd()
	require.NoError(t, cmd.RunE(cmd, []string{key.Export()}))

	assert.Error(t, cmd.RunE(cmd, []string{"garbage"}))
	assert.Error(t, cmd.RunE(cmd, nil), "no key given and none configured")
}

func TestStatusCommandJSON(t *testing.T) {
	saveGlobals(t)

	resolvedCfg = config.DefaultConfig()
	resolvedCfg.Sync.DBPath = filepath.Join(t.TempDir(), "sync.db")
	resolvedCfg.Sync.ClientID = "test-client"
	flagJSON = true
	flagQuiet = true

	// A relay that rejects us: status must surface the error rather
	// than print torn output.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	resolvedCfg.Server.URL = srv.URL

	// Standalone execution; the root command normally silences these.
	cmd := newStatusCmd()
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetArgs(nil)

	err := cmd.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Empty(t, out.String())
}

func TestStatusOutputShape(t *testing.T) {
	out := statusOutput{State: "idle", Cursor: 7, PendingPush: 1, PendingPull: 2, ClientID: "c"}

	data, err := json.Marshal(out)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, "idle", decoded["state"])
	assert.NotContains(t, decoded, "last_error", "empty last_error is omitted")
}

func TestPrintJSON(t *testing.T) {
	out := &bytes.Buffer{}
	require.NoError(t, printJSON(out, map[string]int{"a": 1}))
	assert.JSONEq(t, `{"a":1}`, out.String())
}

func TestStatusfRespectsQuiet(t *testing.T) {
	// statusf writes to stderr; swap it to capture.
	old := os.Stderr

	r, w, err := os.Pipe()
	require.NoError(t, err)

	os.Stderr = w

	statusf(true, "hidden\n")
	statusf(false, "shown\n")

	w.Close()

	os.Stderr = old

	buf := &bytes.Buffer{}
	_, err = buf.ReadFrom(r)
	require.NoError(t, err)

	assert.Equal(t, "shown\n", buf.String())
}
