package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/abdul-hamid-achik/attest/internal/session"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new vault",
	Long: `Initialize a new encrypted vault.

You will be prompted to create a passphrase. It derives the master key
that protects every identity's name and private key; it is never stored.
Set ATTEST_PASSPHRASE to initialize non-interactively.

Examples:
  attest init
  attest init --vault ~/work-vault`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, _ []string) error {
	dir := getVaultDir()

	passphrase := os.Getenv("ATTEST_PASSPHRASE")
	if passphrase == "" {
		var err error
		if passphrase, err = promptPassphraseConfirm("Passphrase"); err != nil {
			return err
		}
	}

	ws, err := openWorkspace(cmd.Context())
	if err != nil {
		return err
	}
	defer ws.Close()

	mk, err := ws.svc.Initialize(cmd.Context(), passphrase)
	if errors.Is(err, session.ErrAlreadyInitialized) {
		return fmt.Errorf("vault already exists at %s", dir)
	}
	if err != nil {
		return fmt.Errorf("failed to create vault: %w", err)
	}
	mk.Lock()

	Success("Vault created at %s", dir)
	fmt.Fprintln(stderr)
	fmt.Fprintln(stderr, "Next steps:")
	fmt.Fprintln(stderr, "  attest identity create NAME     Create a signing identity")
	fmt.Fprintln(stderr, "  attest sign FILE -i NAME        Sign a document")
	fmt.Fprintln(stderr, "  attest audit verify             Check the audit chain")

	return nil
}
