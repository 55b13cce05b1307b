package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/slothvips/padsync/internal/relay"
)

// shutdownTimeout bounds graceful HTTP shutdown after a signal.
const shutdownTimeout = 10 * time.Second

// newServeCmd runs the relay server.
func newServeCmd() *cobra.Command {
	var (
		listen string
		dbPath string
		token  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		Long:  "Starts the relay: the shared operation log every client pushes to and pulls from. Payloads stay encrypted end to end; the relay never holds a key.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := buildLogger()

			// Flags override config.
			if listen == "" {
				listen = resolvedCfg.Server.Listen
			}

			if dbPath == "" {
				dbPath = resolvedCfg.Server.DBPath
			}

			if !cmd.Flags().Changed("token") {
				token = resolvedCfg.Server.AccessToken
			}

			if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
				return fmt.Errorf("creating data directory: %w", err)
			}

			store, err := relay.NewStore(dbPath, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			srv := relay.NewServer(relay.ServerConfig{Store: store, Token: token, Logger: logger})

			httpSrv := &http.Server{
				Addr:              listen,
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx := shutdownContext(cmd.Context(), logger)
			g, ctx := errgroup.WithContext(ctx)

			g.Go(func() error {
				logger.Info("relay listening",
					slog.String("addr", listen),
					slog.String("db_path", dbPath),
					slog.Bool("auth", token != ""),
				)

				if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}

				return nil
			})

			g.Go(func() error {
				<-ctx.Done()

				shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()

				return httpSrv.Shutdown(shutCtx)
			})

			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default from config)")
	cmd.Flags().StringVar(&dbPath, "db", "", "relay database path (default from config)")
	cmd.Flags().StringVar(&token, "token", "", "require this access token on the sync API")

	return cmd
}
