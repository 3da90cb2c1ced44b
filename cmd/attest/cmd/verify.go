package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/abdul-hamid-achik/attest/internal/signing"
	"github.com/abdul-hamid-achik/attest/internal/tsa"
)

var verifyExtract string

var verifyCmd = &cobra.Command{
	Use:   "verify <signed-file>",
	Short: "Verify a signed document",
	Long: `Verify a signed document on its own: the embedded certificate, the
signature over the document digest and signing context, and the timestamp
token when one is present. No vault or passphrase is needed.

Examples:
  attest verify contract.pdf.attest
  attest verify contract.pdf.attest --extract contract.pdf`,
	Args: cobra.ExactArgs(1),
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().StringVar(&verifyExtract, "extract", "", "write the original document to this path")
}

func runVerify(_ *cobra.Command, args []string) error {
	signed, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read signed document: %w", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	roots, err := tsa.LoadRoots(cfg.TSA.RootsFile)
	if err != nil {
		return err
	}

	v, err := signing.Verify(signed, roots)
	if err != nil {
		if jsonOutput {
			printJSON(map[string]any{"valid": false, "error": err.Error()})
		} else {
			Error("Verification failed: %v", err)
		}
		return err
	}

	if verifyExtract != "" {
		if err := os.WriteFile(verifyExtract, v.Document, 0o644); err != nil {
			return fmt.Errorf("failed to write document: %w", err)
		}
	}

	if jsonOutput {
		out := map[string]any{
			"valid":         true,
			"document_hash": v.DocumentHash,
			"signer":        v.Certificate.Subject.CommonName,
			"issuer":        v.Certificate.Subject.Organization,
			"fingerprint":   v.Fingerprint,
			"reason":        v.Reason,
			"location":      v.Location,
		}
		if v.Timestamp != nil {
			out["timestamp"] = map[string]any{
				"gen_time":        v.Timestamp.GenTime,
				"authority":       v.Timestamp.Signer,
				"chain_validated": v.Timestamp.ChainValidated,
			}
		}
		return printJSON(out)
	}

	Success("Signature valid")
	PrintKeyValue("Signer", v.Certificate.Subject.CommonName)
	PrintKeyValue("Certificate", v.Fingerprint)
	PrintKeyValue("Document SHA-256", v.DocumentHash)
	if v.Reason != "" {
		PrintKeyValue("Reason", v.Reason)
	}
	if v.Location != "" {
		PrintKeyValue("Location", v.Location)
	}
	if v.Timestamp == nil {
		Info("No timestamp: the signing time is not attested")
		return nil
	}
	PrintKeyValue("Timestamp", v.Timestamp.GenTime.Local().Format(time.RFC1123))
	PrintKeyValue("Timestamp authority", v.Timestamp.Signer)
	if !v.Timestamp.ChainValidated {
		Warning("Timestamp authority chain not validated; set tsa.roots_file to check it")
	}
	return nil
}
