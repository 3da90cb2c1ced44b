package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	attestmcp "github.com/abdul-hamid-achik/attest/internal/mcp"
)

// policyFile sits next to vault.db and bounds what an agent may do.
const policyFile = "mcp-policy.yaml"

var mcpServerCmd = &cobra.Command{
	Use:   "mcp-server",
	Short: "Start attest as an MCP server (stdio)",
	Long: `Start attest as a Model Context Protocol server for AI agent integration.
Communicates over stdin/stdout using JSON-RPC, so the passphrase must come
from ATTEST_PASSPHRASE.

Without ~/.attest/mcp-policy.yaml the server is read-only: agents can list
identities, verify documents and inspect the audit chain, but not sign.

Configure in .claude/settings.local.json:
  {
    "mcpServers": {
      "attest": {
        "command": "attest",
        "args": ["mcp-server"],
        "env": {"ATTEST_PASSPHRASE": "..."}
      }
    }
  }`,
	Hidden: true,
	RunE:   runMCPServer,
}

func init() {
	rootCmd.AddCommand(mcpServerCmd)
}

func runMCPServer(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	passphrase := os.Getenv("ATTEST_PASSPHRASE")
	if passphrase == "" {
		return errors.New("ATTEST_PASSPHRASE must be set: stdin carries the MCP protocol")
	}

	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	mk, err := ws.svc.Unlock(ctx, passphrase)
	if err != nil {
		return err
	}
	defer mk.Lock()

	policy, err := attestmcp.LoadPolicy(filepath.Join(getVaultDir(), policyFile))
	if err != nil {
		return fmt.Errorf("failed to load MCP policy: %w", err)
	}

	srv := attestmcp.NewAttestMCPServer(ws.svc, mk, policy, ws.timestamping())
	return srv.Run(ctx)
}
