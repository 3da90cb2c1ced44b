package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/abdul-hamid-achik/attest/internal/apiclient"
	"github.com/abdul-hamid-achik/attest/internal/attest"
	"github.com/abdul-hamid-achik/attest/internal/config"
	"github.com/abdul-hamid-achik/attest/internal/keyvault"
	"github.com/abdul-hamid-achik/attest/internal/session"
	"github.com/abdul-hamid-achik/attest/internal/store"
	"github.com/abdul-hamid-achik/attest/internal/tsa"
)

const (
	defaultVaultDir = ".attest"
	vaultFile       = "vault.db"
)

// getVaultDir returns the vault directory path.
// Priority: --vault flag > ATTEST_VAULT env / config > ~/.attest
func getVaultDir() string {
	if vaultDir != "" {
		return vaultDir
	}
	if dir := viper.GetString("vault"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultVaultDir
	}
	return filepath.Join(home, defaultVaultDir)
}

func vaultExists() bool {
	_, err := os.Stat(filepath.Join(getVaultDir(), vaultFile))
	return err == nil
}

// workspace is an opened vault: the local metadata store, the optional
// remote client, and the service running over them.
type workspace struct {
	cfg     *config.Config
	svc     *attest.Service
	local   *store.BoltStore
	remote  *apiclient.Client
	closers []func() error
}

// openWorkspace opens the vault directory, creating it when missing.
// Identities, signatures and the audit chain go to the server when one is
// configured; the passphrase verifier always stays local.
func openWorkspace(ctx context.Context) (*workspace, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	dir := getVaultDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create vault directory: %w", err)
	}
	local, err := store.NewBoltStore(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open vault at %s: %w", dir, err)
	}

	ws := &workspace{cfg: cfg, local: local}
	ws.closers = append(ws.closers, local.Close)
	stores := attest.Stores{Meta: local, Identities: local, Signatures: local, Audit: local}

	if server := getServer(); server != "" {
		ws.remote = apiclient.New(server, getToken(), apiclient.WithLogger(slog.Default()))
		ws.closers = append(ws.closers, ws.remote.Close)
		if err := ws.remote.Ping(ctx); err != nil {
			ws.Close()
			return nil, err
		}
		stores.Identities = ws.remote
		stores.Signatures = ws.remote
		stores.Audit = ws.remote
	} else if cfg.Audit.Driver == config.DriverSQLite {
		ledger, err := store.OpenSQLiteAuditStore(cfg.Audit.SQLitePath)
		if err != nil {
			ws.Close()
			return nil, fmt.Errorf("failed to open audit ledger: %w", err)
		}
		ws.closers = append(ws.closers, ledger.Close)
		stores.Audit = ledger
	}

	svcCfg := attest.Config{
		Issuer:        cfg.Signing.Issuer,
		CertValidity:  cfg.Signing.CertValidity,
		Suite:         cfg.Suite,
		TSATimeout:    cfg.TSA.Timeout,
		AuditAttempts: cfg.Audit.MaxAttempts,
		AuditBackoff:  cfg.Audit.InitialBackoff,
	}
	if cfg.TSA.URL != "" {
		svcCfg.Authority = tsa.NewHTTPAuthority(cfg.TSA.URL, cfg.TSA.Timeout)
	}
	if svcCfg.TSARoots, err = tsa.LoadRoots(cfg.TSA.RootsFile); err != nil {
		ws.Close()
		return nil, err
	}

	ws.svc = attest.New(stores, svcCfg)
	// The audit writer must stop before the stores close.
	ws.closers = append(ws.closers, ws.svc.Close)
	return ws, nil
}

// Close stops the service and closes stores in reverse order.
func (ws *workspace) Close() error {
	var errs []error
	for i := len(ws.closers) - 1; i >= 0; i-- {
		errs = append(errs, ws.closers[i]())
	}
	return errors.Join(errs...)
}

// timestamping reports whether a timestamp authority is configured.
func (ws *workspace) timestamping() bool {
	return ws.cfg.TSA.URL != ""
}

// unlock derives the master key. It tries ATTEST_PASSPHRASE first (for
// CI), then prompts interactively.
func (ws *workspace) unlock(ctx context.Context) (*session.MasterKey, error) {
	passphrase := os.Getenv("ATTEST_PASSPHRASE")
	if passphrase == "" {
		var err error
		passphrase, err = promptPassphrase("Enter passphrase: ")
		if err != nil {
			return nil, fmt.Errorf("failed to read passphrase: %w", err)
		}
	}

	mk, err := ws.svc.Unlock(ctx, passphrase)
	if errors.Is(err, session.ErrNotInitialized) {
		return nil, fmt.Errorf("vault not initialized at %s, run 'attest init' first", getVaultDir())
	}
	return mk, err
}

// resolveIdentity accepts an identity id or a decrypted name. Names need
// the master key; ambiguous names are rejected.
func (ws *workspace) resolveIdentity(ctx context.Context, ref string, mk *session.MasterKey) (*keyvault.IdentityView, error) {
	views, err := ws.svc.ListIdentities(ctx, mk)
	if err != nil {
		return nil, err
	}

	if id, err := uuid.Parse(ref); err == nil {
		for i := range views {
			if views[i].ID == id {
				return &views[i], nil
			}
		}
		return nil, fmt.Errorf("identity %s not found", ref)
	}

	var match *keyvault.IdentityView
	for i := range views {
		if views[i].Err != nil || views[i].Name != ref {
			continue
		}
		if match != nil {
			return nil, fmt.Errorf("name %q matches more than one identity, use its id", ref)
		}
		match = &views[i]
	}
	if match == nil {
		return nil, fmt.Errorf("identity %q not found", ref)
	}
	return match, nil
}

// promptPassphrase reads a passphrase from the terminal with echo disabled.
// When stdin is not a terminal a single line is read instead.
func promptPassphrase(prompt string) (string, error) {
	fmt.Fprint(stderr, prompt)
	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		bytes, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(stderr)
		if err != nil {
			return "", err
		}
		return string(bytes), nil
	}

	return readLine()
}

var (
	lineReader *bufio.Reader
	lineSource io.Reader
)

// readLine reads one line from stdin, keeping buffered input between calls.
func readLine() (string, error) {
	if lineReader == nil || lineSource != stdin {
		lineReader = bufio.NewReader(stdin)
		lineSource = stdin
	}
	line, err := lineReader.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// promptPassphraseConfirm prompts for a passphrase twice and ensures they match.
func promptPassphraseConfirm(label string) (string, error) {
	pass, err := promptPassphrase(label + ": ")
	if err != nil {
		return "", err
	}
	if pass == "" {
		return "", fmt.Errorf("passphrase cannot be empty")
	}
	confirm, err := promptPassphrase("Confirm " + strings.ToLower(label) + ": ")
	if err != nil {
		return "", err
	}
	if pass != confirm {
		return "", fmt.Errorf("passphrases do not match")
	}
	return pass, nil
}
