package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/abdul-hamid-achik/attest/internal/audit"
)

var (
	auditPage int
	auditSize int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit chain",
	Long:  "Every identity and signing action is appended to a hash chain. These commands read and verify it.",
}

var auditListCmd = &cobra.Command{
	Use:     "list",
	Short:   "List audit entries",
	Aliases: []string{"ls"},
	RunE:    runAuditList,
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the audit chain from genesis",
	Long: `Recompute every entry's hash and check each links to the one before.
Exits non-zero and names the first bad entry if the chain was altered.`,
	RunE: runAuditVerify,
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditListCmd, auditVerifyCmd)

	auditListCmd.Flags().IntVar(&auditPage, "page", 1, "page number, starting at 1")
	auditListCmd.Flags().IntVar(&auditSize, "size", 20, "entries per page")
}

func runAuditList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	entries, totalPages, err := ws.svc.AuditPage(ctx, auditPage, auditSize)
	if err != nil {
		return fmt.Errorf("failed to list audit entries: %w", err)
	}

	if jsonOutput {
		return printJSON(map[string]any{
			"logs":       entries,
			"page":       auditPage,
			"totalPages": totalPages,
		})
	}

	if len(entries) == 0 {
		fmt.Fprintln(stderr, "No audit entries.")
		return nil
	}

	tw := newTable("ID", "TIME", "ACTION", "DETAILS", "HASH")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", e.ID, e.CreatedAt.Local().Format(time.DateTime), e.Action, e.Details, e.Hash[:12])
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(stderr, Dim("page %d of %d", auditPage, totalPages))
	return nil
}

func runAuditVerify(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	n, err := ws.svc.VerifyAuditChain(ctx)
	var broken *audit.ChainBrokenError
	if errors.As(err, &broken) {
		if jsonOutput {
			printJSON(map[string]any{
				"valid":    false,
				"verified": n,
				"index":    broken.Index,
				"entry_id": broken.EntryID,
				"reason":   broken.Reason,
			})
		} else {
			Error("Audit chain broken at entry %d (position %d): %s", broken.EntryID, broken.Index, broken.Reason)
		}
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to verify audit chain: %w", err)
	}

	if jsonOutput {
		return printJSON(map[string]any{"valid": true, "verified": n})
	}
	Success("Audit chain intact: %d entries verified", n)
	return nil
}
