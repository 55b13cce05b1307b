package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/slothvips/padsync/internal/engine"
	"github.com/slothvips/padsync/internal/secrets"
)

// newKeyCmd groups encryption key management.
func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage the shared encryption key",
	}

	cmd.AddCommand(newKeyGenerateCmd())
	cmd.AddCommand(newKeyShowCmd())
	cmd.AddCommand(newKeyVerifyCmd())
	cmd.AddCommand(newKeyRotateCmd())

	return cmd
}

// newKeyGenerateCmd mints a fresh key and prints it for the config file.
func newKeyGenerateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate",
		Short: "Generate a new encryption key",
		Long:  "Generates a random 256-bit key. Put it under [encryption] key in the config of every machine that shares this log.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := secrets.GenerateKey()
			if err != nil {
				return err
			}

			printf(cmd.OutOrStdout(), "%s\n", key.Export())
			statusf(flagQuiet, "Fingerprint: %s\n", key.Fingerprint())

			return nil
		},
	}
}

// newKeyShowCmd prints the configured key's fingerprint.
func newKeyShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the configured key's fingerprint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if resolvedCfg.Encryption.Key == "" {
				return fmt.Errorf("no encryption key configured")
			}

			key, err := secrets.ImportKey(resolvedCfg.Encryption.Key)
			if err != nil {
				return fmt.Errorf("configured key is invalid: %w", err)
			}

			printf(cmd.OutOrStdout(), "%s\n", key.Fingerprint())

			return nil
		},
	}
}

// newKeyVerifyCmd checks a key (argument or configured) for usability.
func newKeyVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify [key]",
		Short: "Verify a key is well-formed and usable",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exported := resolvedCfg.Encryption.Key
			if len(args) == 1 {
				exported = args[0]
			}

			if exported == "" {
				return fmt.Errorf("no key given and none configured")
			}

			if !secrets.VerifyKey(exported) {
				return fmt.Errorf("key failed verification")
			}

			statusf(flagQuiet, "Key OK.\n")

			return nil
		},
	}
}

// newKeyRotateCmd swaps the shared key and resynchronizes.
func newKeyRotateCmd() *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "rotate <new-key>",
		Short: "Rotate to a new encryption key",
		Long: "Rotates the shared key. Run with --mode authority on exactly one machine first: it re-seeds " +
			"the relay log from its local state under the new key. Every other machine then runs --mode member " +
			"to discard local state and rebuild from the re-seeded log.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rotateMode := engine.RotateMode(mode)
			if rotateMode != engine.RotateAuthority && rotateMode != engine.RotateMember {
				return fmt.Errorf("--mode must be authority or member")
			}

			logger := buildLogger()

			eng, cleanup, err := buildEngine(logger)
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := eng.Rotate(cmd.Context(), rotateMode, args[0])
			if err != nil {
				return err
			}

			switch report.Mode {
			case engine.RotateAuthority:
				statusf(flagQuiet, "Rotated as authority: re-seeded %d row(s), pushed %d operation(s). New key %s.\n",
					report.Rebuilt, report.Pushed, report.Fingerprint)
				statusf(flagQuiet, "Update [encryption] key on every other machine, then run: padsync key rotate --mode member <new-key>\n")
			case engine.RotateMember:
				statusf(flagQuiet, "Rotated as member: rebuilt from relay, applied %d operation(s). New key %s.\n",
					report.Applied, report.Fingerprint)
			}

			statusf(flagQuiet, "Remember to update this machine's config with the new key.\n")

			return nil
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "", "rotation role: authority or member (required)")
	_ = cmd.MarkFlagRequired("mode")

	return cmd
}
