package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/slothvips/padsync/internal/config"
	"github.com/slothvips/padsync/internal/engine"
	"github.com/slothvips/padsync/internal/oplog"
	"github.com/slothvips/padsync/internal/secrets"
	"github.com/slothvips/padsync/internal/transport"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// resolvedCfg holds the effective configuration loaded by
// PersistentPreRunE, available to all subcommands.
var resolvedCfg *config.Config

// newRootCmd builds the fully-assembled root command. Called once from
// main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "padsync",
		Short:   "Offline-first sync for links, tags, jobs, and notes",
		Long:    "padsync replicates a local operation log across machines through a thin relay, end-to-end encrypted.",
		Version: version,
		// Silence Cobra's default error/usage printing; we handle it ourselves.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Resolve(flagConfigPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			resolvedCfg = cfg

			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newPushCmd())
	cmd.AddCommand(newPullCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newKeyCmd())

	return cmd
}

// buildLogger creates an slog.Logger from config and CLI flags. The
// config file sets the baseline; --verbose and --quiet win over it.
func buildLogger() *slog.Logger {
	level := slog.LevelInfo
	format := "text"

	if resolvedCfg != nil {
		switch resolvedCfg.Logging.Level {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}

		format = resolvedCfg.Logging.Format
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}

	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// buildEngine wires the sync engine from the resolved config. The
// returned cleanup closes the store.
func buildEngine(logger *slog.Logger) (*engine.Engine, func(), error) {
	cfg := resolvedCfg

	if err := os.MkdirAll(filepath.Dir(cfg.Sync.DBPath), 0o700); err != nil {
		return nil, nil, fmt.Errorf("creating data directory: %w", err)
	}

	store, err := oplog.New(cfg.Sync.DBPath, logger)
	if err != nil {
		return nil, nil, err
	}

	var key *secrets.Key

	if cfg.Encryption.Key != "" {
		key, err = secrets.ImportKey(cfg.Encryption.Key)
		if err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("importing encryption key: %w", err)
		}
	}

	var backend transport.Transport

	switch cfg.Sync.Backend {
	case config.BackendSheet:
		grid := transport.NewHTTPGrid(cfg.Sheet.URL, cfg.Sheet.Token, nil)
		backend = transport.NewSheet(grid, logger)
	default:
		backend = transport.NewRelay(cfg.Server.URL, cfg.Server.AccessToken, cfg.Sync.ClientID, nil, logger)
	}

	eng, err := engine.New(engine.EngineConfig{
		Store:     store,
		Transport: backend,
		Key:       key,
		ClientID:  cfg.Sync.ClientID,
		Logger:    logger,
	})
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	return eng, func() { store.Close() }, nil
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
