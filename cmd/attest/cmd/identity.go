package cmd

import (
	"fmt"
	"os/user"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/abdul-hamid-achik/attest/internal/keyvault"
)

var (
	identityOwner   string
	identityAll     bool
	identityConfirm bool
)

var identityCmd = &cobra.Command{
	Use:     "identity",
	Short:   "Manage signing identities",
	Long:    "Create, list, revoke and delete the signing identities held in the vault.",
	Aliases: []string{"id", "identities"},
}

var identityCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a signing identity",
	Long: `Create a signing identity: a fresh P-256 keypair wrapped in a
self-signed certificate. The name and private key are encrypted under the
master key; the certificate is stored in the clear.

Examples:
  attest identity create "Legal"
  attest identity create "Finance" --owner cfo@example.com`,
	Args: cobra.ExactArgs(1),
	RunE: runIdentityCreate,
}

var identityListCmd = &cobra.Command{
	Use:     "list",
	Short:   "List signing identities",
	Long:    "List identities available for signing. Use --all to include revoked identities and ones whose name cannot be decrypted.",
	Aliases: []string{"ls"},
	RunE:    runIdentityList,
}

var identityRevokeCmd = &cobra.Command{
	Use:   "revoke <name|id>",
	Short: "Revoke a signing identity",
	Long: `Revoke an identity so it can no longer sign. Signatures it already made
still verify. Revoking is permanent.`,
	Args: cobra.ExactArgs(1),
	RunE: runIdentityRevoke,
}

var identityDeleteCmd = &cobra.Command{
	Use:   "delete <name|id>",
	Short: "Delete a signing identity",
	Long: `Delete an identity and its key material. Signatures it already made
still verify from the certificate embedded in each signed document.

By default, you will be prompted to confirm the deletion.
Use --yes or -y to skip the confirmation prompt.`,
	Aliases: []string{"rm", "remove"},
	Args:    cobra.ExactArgs(1),
	RunE:    runIdentityDelete,
}

func init() {
	rootCmd.AddCommand(identityCmd)
	identityCmd.AddCommand(identityCreateCmd, identityListCmd, identityRevokeCmd, identityDeleteCmd)

	identityCreateCmd.Flags().StringVar(&identityOwner, "owner", "", "owner id recorded on the identity (default: config 'owner' or the OS user)")
	identityListCmd.Flags().BoolVarP(&identityAll, "all", "a", false, "include revoked and unreadable identities")
	identityRevokeCmd.Flags().BoolVarP(&identityConfirm, "yes", "y", false, "Skip confirmation prompt")
	identityDeleteCmd.Flags().BoolVarP(&identityConfirm, "yes", "y", false, "Skip confirmation prompt")
}

func resolveOwner() string {
	if identityOwner != "" {
		return identityOwner
	}
	if owner := viper.GetString("owner"); owner != "" {
		return owner
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "local"
}

func runIdentityCreate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
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

	identity, err := ws.svc.CreateIdentity(ctx, args[0], resolveOwner(), mk)
	if err != nil {
		return fmt.Errorf("failed to create identity: %w", err)
	}
	cert, err := keyvault.Certificate(identity)
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(identityJSON{
			ID:          identity.ID.String(),
			Name:        args[0],
			OwnerID:     identity.OwnerID,
			Fingerprint: fingerprintOf(identity.Certificate),
			CreatedAt:   identity.CreatedAt,
			NotAfter:    cert.NotAfter,
		})
	}

	Success("Identity '%s' created", args[0])
	PrintKeyValue("ID", identity.ID.String())
	PrintKeyValue("Owner", identity.OwnerID)
	PrintKeyValue("Fingerprint", fingerprintOf(identity.Certificate))
	PrintKeyValue("Valid until", cert.NotAfter.Local().Format(time.RFC1123))
	return nil
}

type identityJSON struct {
	ID          string     `json:"id"`
	Name        string     `json:"name,omitempty"`
	OwnerID     string     `json:"owner_id"`
	Fingerprint string     `json:"fingerprint"`
	CreatedAt   time.Time  `json:"created_at"`
	NotAfter    time.Time  `json:"not_after,omitzero"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

func runIdentityList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
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

	var views []keyvault.IdentityView
	if identityAll {
		views, err = ws.svc.ListIdentities(ctx, mk)
	} else {
		views, err = ws.svc.AvailableForSigning(ctx, mk)
	}
	if err != nil {
		return fmt.Errorf("failed to list identities: %w", err)
	}
	sort.Slice(views, func(i, j int) bool {
		return views[i].CreatedAt.Before(views[j].CreatedAt)
	})

	if jsonOutput {
		out := make([]identityJSON, 0, len(views))
		for _, v := range views {
			item := identityJSON{
				ID:          v.ID.String(),
				Name:        v.Name,
				OwnerID:     v.OwnerID,
				Fingerprint: fingerprintOf(v.Certificate),
				CreatedAt:   v.CreatedAt,
				RevokedAt:   v.RevokedAt,
			}
			if v.Err != nil {
				item.Error = v.Err.Error()
			}
			out = append(out, item)
		}
		return printJSON(out)
	}

	if len(views) == 0 {
		fmt.Fprintln(stderr, "No identities found.")
		fmt.Fprintln(stderr)
		fmt.Fprintln(stderr, "Create one with: attest identity create NAME")
		return nil
	}

	tw := newTable("ID", "NAME", "OWNER", "STATUS", "CREATED")
	for _, v := range views {
		name, status := v.Name, "active"
		switch {
		case v.Err != nil:
			name, status = Dim("<unreadable>"), "error"
		case v.Revoked():
			status = "revoked"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", v.ID, name, v.OwnerID, status, v.CreatedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func runIdentityRevoke(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
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

	view, err := ws.resolveIdentity(ctx, args[0], mk)
	if err != nil {
		return err
	}
	if view.Revoked() {
		Info("Identity %s is already revoked", view.ID)
		return nil
	}

	if !identityConfirm {
		if !PromptConfirm(fmt.Sprintf("Revoke identity '%s'? It will no longer be able to sign", args[0])) {
			Info("Canceled")
			return nil
		}
	}

	if _, err := ws.svc.RevokeIdentity(ctx, view.ID); err != nil {
		return fmt.Errorf("failed to revoke identity: %w", err)
	}

	Success("Identity '%s' revoked", args[0])
	return nil
}

func runIdentityDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
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

	view, err := ws.resolveIdentity(ctx, args[0], mk)
	if err != nil {
		return err
	}

	if !identityConfirm {
		if !PromptConfirm(fmt.Sprintf("Delete identity '%s' and its private key?", args[0])) {
			Info("Canceled")
			return nil
		}
	}

	if err := ws.svc.DeleteIdentity(ctx, view.ID); err != nil {
		return fmt.Errorf("failed to delete identity: %w", err)
	}

	Success("Identity '%s' deleted", args[0])
	return nil
}
