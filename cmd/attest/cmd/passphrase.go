package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var passphraseCmd = &cobra.Command{
	Use:   "passphrase",
	Short: "Vault passphrase management",
	Long:  "Manage the passphrase the master key is derived from.",
}

var passphraseRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Rotate vault passphrase",
	Long: `Re-encrypt the vault under a new passphrase.

You will be prompted for your current passphrase and then for a new one.
Every identity's name and private key are re-encrypted under the new
master key, and the rotation is recorded in the audit chain. For
scripted use set ATTEST_PASSPHRASE and ATTEST_NEW_PASSPHRASE.`,
	RunE: runPassphraseRotate,
}

func init() {
	rootCmd.AddCommand(passphraseCmd)
	passphraseCmd.AddCommand(passphraseRotateCmd)
}

func runPassphraseRotate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	oldPass := os.Getenv("ATTEST_PASSPHRASE")
	if oldPass == "" {
		var err error
		if oldPass, err = promptPassphrase("Current passphrase: "); err != nil {
			return fmt.Errorf("failed to read passphrase: %w", err)
		}
	}

	newPass := os.Getenv("ATTEST_NEW_PASSPHRASE")
	if newPass == "" {
		var err error
		if newPass, err = promptPassphraseConfirm("New passphrase"); err != nil {
			return err
		}
	}

	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	mk, moved, err := ws.svc.RotatePassphrase(ctx, oldPass, newPass)
	if mk != nil {
		defer mk.Lock()
	}
	if err != nil {
		return err
	}

	Success("Passphrase rotated, %d identities re-encrypted", moved)
	return nil
}
