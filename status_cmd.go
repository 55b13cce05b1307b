package main

import (
	"github.com/spf13/cobra"
)

// statusOutput is the --json shape of `padsync status`.
type statusOutput struct {
	State          string `json:"state"`
	LastError      string `json:"last_error,omitempty"`
	Cursor         int64  `json:"cursor"`
	PendingPush    int    `json:"pending_push"`
	PendingPull    int    `json:"pending_pull"`
	KeyFingerprint string `json:"key_fingerprint,omitempty"`
	ClientID       string `json:"client_id"`
}

// newStatusCmd reports engine state and pending work on both sides.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync state and pending counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := buildLogger()

			eng, cleanup, err := buildEngine(logger)
			if err != nil {
				return err
			}
			defer cleanup()

			counts, err := eng.PendingCounts(cmd.Context())
			if err != nil {
				return err
			}

			cursor, err := eng.Cursor(cmd.Context())
			if err != nil {
				return err
			}

			status := eng.Status()

			out := statusOutput{
				State:          string(status.State),
				LastError:      status.LastError,
				Cursor:         cursor,
				PendingPush:    counts.Push,
				PendingPull:    counts.Pull,
				KeyFingerprint: eng.KeyFingerprint(),
				ClientID:       resolvedCfg.Sync.ClientID,
			}

			if flagJSON {
				return printJSON(cmd.OutOrStdout(), out)
			}

			w := cmd.OutOrStdout()
			printf(w, "State:        %s\n", out.State)

			if out.LastError != "" {
				printf(w, "Last error:   %s\n", out.LastError)
			}

			printf(w, "Cursor:       %d\n", out.Cursor)
			printf(w, "Pending push: %d\n", out.PendingPush)
			printf(w, "Pending pull: %d\n", out.PendingPull)

			if out.KeyFingerprint != "" {
				printf(w, "Key:          %s\n", out.KeyFingerprint)
			} else {
				printf(w, "Key:          (not configured)\n")
			}

			printf(w, "Client ID:    %s\n", out.ClientID)

			return nil
		},
	}
}
