package main

import (
	"time"

	"github.com/spf13/cobra"
)

// newPushCmd sends local unsynced operations to the relay.
func newPushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push",
		Short: "Send local changes to the relay",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := buildLogger()

			eng, cleanup, err := buildEngine(logger)
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := eng.Push(cmd.Context())
			if err != nil {
				return err
			}

			if report.Pushed == 0 {
				statusf(flagQuiet, "Nothing to push.\n")
			} else {
				statusf(flagQuiet, "Pushed %d operation(s), cursor %d.\n", report.Pushed, report.Cursor)
			}

			return nil
		},
	}
}

// newPullCmd fetches and applies remote operations.
func newPullCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "Fetch and apply changes from the relay",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := buildLogger()

			eng, cleanup, err := buildEngine(logger)
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := eng.Pull(cmd.Context())
			if err != nil {
				return err
			}

			if report.Applied == 0 {
				statusf(flagQuiet, "Already up to date.\n")
			} else {
				statusf(flagQuiet, "Applied %d operation(s), cursor %d.\n", report.Applied, report.Cursor)
			}

			if report.Skipped > 0 {
				statusf(flagQuiet, "Skipped %d operation(s); run with --verbose for details.\n", report.Skipped)
			}

			return nil
		},
	}
}

// newSyncCmd runs a push-then-pull cycle, or keeps syncing with --watch.
func newSyncCmd() *cobra.Command {
	var (
		watch    bool
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push then pull once, or continuously with --watch",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := buildLogger()

			eng, cleanup, err := buildEngine(logger)
			if err != nil {
				return err
			}
			defer cleanup()

			if !cmd.Flags().Changed("interval") {
				interval = resolvedCfg.Sync.Interval()
			}

			if watch {
				statusf(flagQuiet, "Watching for changes every %s. Ctrl-C to stop.\n", interval)

				return eng.RunWatch(shutdownContext(cmd.Context(), logger), interval)
			}

			pushed, err := eng.Push(cmd.Context())
			if err != nil {
				return err
			}

			pulled, err := eng.Pull(cmd.Context())
			if err != nil {
				return err
			}

			statusf(flagQuiet, "Pushed %d, applied %d, cursor %d.\n",
				pushed.Pushed, pulled.Applied, pulled.Cursor)

			return nil
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "keep syncing until interrupted")
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "poll interval for --watch")

	return cmd
}
