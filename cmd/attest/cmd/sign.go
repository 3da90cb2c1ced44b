package cmd

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/abdul-hamid-achik/attest/internal/crypto"
	"github.com/abdul-hamid-achik/attest/internal/signing"
)

// signedSuffix is appended to the input path when --output is not given.
const signedSuffix = ".attest"

var (
	signIdentity    string
	signReason      string
	signLocation    string
	signOutput      string
	signNoTimestamp bool
)

var signCmd = &cobra.Command{
	Use:   "sign <file>",
	Short: "Sign a document",
	Long: `Sign a document with a vaulted identity.

The signed document is written next to the input with a .attest suffix,
unless --output is given. When a timestamp authority is configured the
signature is timestamped; if the authority cannot be reached the signature
is still written, without a timestamp.

Examples:
  attest sign contract.pdf --identity Legal
  attest sign contract.pdf -i Legal --reason "Approved" --location Lisbon
  attest sign invoice.pdf -i Finance -o signed/invoice.pdf --no-timestamp`,
	Args: cobra.ExactArgs(1),
	RunE: runSign,
}

func init() {
	rootCmd.AddCommand(signCmd)

	signCmd.Flags().StringVarP(&signIdentity, "identity", "i", "", "identity name or id (required)")
	signCmd.Flags().StringVar(&signReason, "reason", "", "reason for signing")
	signCmd.Flags().StringVar(&signLocation, "location", "", "where the document was signed")
	signCmd.Flags().StringVarP(&signOutput, "output", "o", "", "path of the signed document")
	signCmd.Flags().BoolVar(&signNoTimestamp, "no-timestamp", false, "skip the RFC 3161 timestamp")
	signCmd.MarkFlagRequired("identity")
}

func fingerprintOf(der []byte) string {
	return hex.EncodeToString(crypto.Fingerprint(der))
}

func runSign(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	input := args[0]

	doc, err := os.ReadFile(input)
	if err != nil {
		return fmt.Errorf("failed to read document: %w", err)
	}
	output := signOutput
	if output == "" {
		output = input + signedSuffix
	}

	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	mk, err := ws.unlock(ctx)
	if err != nil {
		return err
	}
	defer mk.Lock()

	view, err := ws.resolveIdentity(ctx, signIdentity, mk)
	if err != nil {
		return err
	}

	res, err := ws.svc.SignDocument(ctx, doc, view.ID, mk, signing.Options{
		FileID:    filepath.Base(input),
		Reason:    signReason,
		Location:  signLocation,
		Timestamp: ws.timestamping() && !signNoTimestamp,
		OnState: func(s signing.State) {
			slog.Debug("signing_state", "state", s.String())
		},
	})
	if err != nil {
		return fmt.Errorf("failed to sign: %w", err)
	}

	if err := os.WriteFile(output, res.SignedDocument, 0o644); err != nil {
		return fmt.Errorf("signature recorded as %s but writing %s failed: %w", res.Record.ID, output, err)
	}

	if jsonOutput {
		out := map[string]any{
			"signature_id":   res.Record.ID,
			"output":         output,
			"document_hash":  res.Record.DocumentHash,
			"fingerprint":    res.Record.CertificateFingerprint,
			"audit_entry_id": res.AuditEntry.ID,
			"timestamped":    res.Stamped(),
		}
		if res.Stamped() {
			out["timestamp"] = res.Timestamp.GenTime
		}
		if res.TimestampErr != nil {
			out["timestamp_error"] = res.TimestampErr.Error()
		}
		return printJSON(out)
	}

	Success("Signed %s as '%s'", input, view.Name)
	PrintKeyValue("Output", output)
	PrintKeyValue("Signature", res.Record.ID)
	PrintKeyValue("Document SHA-256", res.Record.DocumentHash)
	PrintKeyValue("Certificate", res.Record.CertificateFingerprint)
	switch {
	case res.Stamped():
		PrintKeyValue("Timestamp", res.Timestamp.GenTime.Local().Format(time.RFC1123))
	case res.TimestampErr != nil:
		Warning("Signed without a timestamp: %v", res.TimestampErr)
	}
	return nil
}
