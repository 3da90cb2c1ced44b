package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show vault status",
	Long:  "Show vault status: location, storage backend, identity and signature counts, and the audit chain tail.",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	dir := getVaultDir()
	if !vaultExists() {
		if jsonOutput {
			return printJSON(map[string]any{
				"initialized": false,
				"vault_dir":   dir,
			})
		}
		PrintKeyValue("Vault", dir)
		PrintKeyValue("Status", "not initialized")
		return nil
	}

	ws, err := openWorkspace(cmd.Context())
	if err != nil {
		return err
	}
	defer ws.Close()

	st, err := ws.svc.Status(cmd.Context())
	if err != nil {
		return err
	}

	backend := "local"
	if ws.remote != nil {
		backend = getServer()
	}

	if jsonOutput {
		out := map[string]any{
			"initialized":   st.Initialized,
			"vault_dir":     dir,
			"backend":       backend,
			"vault_id":      st.VaultID,
			"identities":    st.Identities,
			"revoked":       st.Revoked,
			"signatures":    st.Signatures,
			"audit_entries": st.AuditEntries,
			"timestamping":  ws.timestamping(),
		}
		if st.Initialized {
			out["created_at"] = st.CreatedAt
		}
		if st.AuditTail != nil {
			out["audit_tail"] = st.AuditTail.Hash
		}
		return printJSON(out)
	}

	PrintKeyValue("Vault", dir)
	if !st.Initialized {
		PrintKeyValue("Status", "not initialized")
		return nil
	}
	PrintKeyValue("Status", "initialized")
	PrintKeyValue("Vault ID", st.VaultID)
	PrintKeyValue("Created", st.CreatedAt.Local().Format(time.RFC1123))
	PrintKeyValue("Backend", backend)
	PrintKeyValue("Identities", fmt.Sprintf("%d (%d revoked)", st.Identities, st.Revoked))
	PrintKeyValue("Signatures", fmt.Sprintf("%d", st.Signatures))
	PrintKeyValue("Audit entries", fmt.Sprintf("%d", st.AuditEntries))
	if st.AuditTail != nil {
		PrintKeyValue("Audit tail", st.AuditTail.Hash)
	}
	if ws.timestamping() {
		PrintKeyValue("Timestamp authority", ws.cfg.TSA.URL)
	} else {
		PrintKeyValue("Timestamp authority", Dim("not configured"))
	}

	return nil
}
