// Package attest is the entry point used by the CLI. A Service wires the
// key vault, signing engine and audit chain over one set of stores and
// exposes the operations a user interface needs.
package attest

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/abdul-hamid-achik/attest/internal/audit"
	"github.com/abdul-hamid-achik/attest/internal/crypto"
	"github.com/abdul-hamid-achik/attest/internal/keyvault"
	"github.com/abdul-hamid-achik/attest/internal/logging"
	"github.com/abdul-hamid-achik/attest/internal/metrics"
	"github.com/abdul-hamid-achik/attest/internal/session"
	"github.com/abdul-hamid-achik/attest/internal/signing"
	"github.com/abdul-hamid-achik/attest/internal/store"
	"github.com/abdul-hamid-achik/attest/internal/tsa"
)

// verifyPageSize is the page size used to walk the chain.
const verifyPageSize = 500

// Stores groups the persistence the service runs on. Meta is always local;
// the rest may be local or remote.
type Stores struct {
	Meta       store.MetaStore
	Identities store.IdentityStore
	Signatures store.SignatureStore
	Audit      store.AuditStore
}

// Config holds the settings a Service needs from configuration.
type Config struct {
	Issuer        string
	CertValidity  time.Duration
	Suite         crypto.Suite
	Authority     tsa.Authority
	TSARoots      *x509.CertPool
	TSATimeout    time.Duration
	AuditAttempts int
	AuditBackoff  time.Duration
}

// Service is the UI-facing facade.
type Service struct {
	stores Stores
	issuer string
	chain  *audit.Chain
	vault  *keyvault.Vault
	engine *signing.Engine
}

// New builds a Service and starts its audit writer. Call Close when done.
func New(stores Stores, cfg Config) *Service {
	chain := audit.NewChain(stores.Audit,
		audit.WithMaxAttempts(cfg.AuditAttempts),
		audit.WithInitialBackoff(cfg.AuditBackoff),
	)

	vaultOpts := []keyvault.Option{keyvault.WithCertValidity(cfg.CertValidity)}
	if cfg.Suite != 0 {
		vaultOpts = append(vaultOpts, keyvault.WithSuite(cfg.Suite))
	}
	vault := keyvault.New(stores.Identities, chain, vaultOpts...)

	var engineOpts []signing.EngineOption
	if cfg.Authority != nil {
		engineOpts = append(engineOpts, signing.WithAuthority(cfg.Authority, cfg.TSARoots))
	}
	if cfg.TSATimeout > 0 {
		engineOpts = append(engineOpts, signing.WithTimestampTimeout(cfg.TSATimeout))
	}

	return &Service{
		stores: stores,
		issuer: cfg.Issuer,
		chain:  chain,
		vault:  vault,
		engine: signing.NewEngine(vault, stores.Signatures, chain, engineOpts...),
	}
}

// Close stops the audit writer.
func (s *Service) Close() error {
	return s.chain.Close()
}

// Initialize creates the local vault for passphrase.
func (s *Service) Initialize(ctx context.Context, passphrase string) (*session.MasterKey, error) {
	return session.Initialize(ctx, s.stores.Meta, passphrase)
}

// Unlock derives the master key for passphrase.
func (s *Service) Unlock(ctx context.Context, passphrase string) (*session.MasterKey, error) {
	return session.Unlock(ctx, s.stores.Meta, passphrase)
}

// CreateIdentity creates a signing identity certified under the
// configured issuer.
func (s *Service) CreateIdentity(ctx context.Context, name, ownerID string, mk *session.MasterKey) (*store.Identity, error) {
	return s.vault.CreateIdentity(ctx, name, ownerID, s.issuer, mk)
}

// ListIdentities returns every identity with its decrypted name. An
// identity that fails to decrypt is listed with its error set.
func (s *Service) ListIdentities(ctx context.Context, mk *session.MasterKey) ([]keyvault.IdentityView, error) {
	return s.vault.List(ctx, mk)
}

// AvailableForSigning returns the identities that can sign now.
func (s *Service) AvailableForSigning(ctx context.Context, mk *session.MasterKey) ([]keyvault.IdentityView, error) {
	return s.vault.AvailableForSigning(ctx, mk)
}

// RevokeIdentity revokes an identity. Revoking twice is a no-op.
func (s *Service) RevokeIdentity(ctx context.Context, id uuid.UUID) (*store.Identity, error) {
	return s.vault.Revoke(ctx, id)
}

// DeleteIdentity removes an identity's stored material.
func (s *Service) DeleteIdentity(ctx context.Context, id uuid.UUID) error {
	return s.vault.Delete(ctx, id)
}

// SignDocument signs doc with identity id.
func (s *Service) SignDocument(ctx context.Context, doc []byte, id uuid.UUID, mk *session.MasterKey, opts signing.Options) (*signing.Result, error) {
	return s.engine.Sign(ctx, doc, id, mk, opts)
}

// VerifyDocument checks a signed document on its own.
func (s *Service) VerifyDocument(signed []byte) (*signing.Verification, error) {
	return s.engine.Verify(signed)
}

// Signature returns one signature record.
func (s *Service) Signature(ctx context.Context, id string) (*store.Signature, error) {
	return s.stores.Signatures.GetSignature(ctx, id)
}

// Signatures returns every signature record.
func (s *Service) Signatures(ctx context.Context) ([]*store.Signature, error) {
	return s.stores.Signatures.ListSignatures(ctx)
}

// VerifyAuditChain walks the whole audit chain from genesis and returns
// the number of entries that verified. A break is reported as a
// *audit.ChainBrokenError and flagged on the audit_chain_broken gauge.
func (s *Service) VerifyAuditChain(ctx context.Context) (int, error) {
	n, err := audit.VerifyStore(ctx, s.stores.Audit, verifyPageSize)
	if errors.Is(err, audit.ErrChainBroken) {
		metrics.AuditChainBroken.Set(1)
		logging.Logger(ctx).Error("audit_chain_broken", "error", err)
		return n, err
	}
	if err != nil {
		return n, err
	}
	metrics.AuditChainBroken.Set(0)
	return n, nil
}

// AuditPage returns one page of the audit chain and the page count.
func (s *Service) AuditPage(ctx context.Context, page, size int) ([]*store.AuditEntry, int, error) {
	return s.chain.Page(ctx, page, size)
}

// RotatePassphrase moves every identity from the key derived from
// oldPassphrase to one derived from newPassphrase and records
// MASTER_KEY_ROTATED. The returned key is the new, unlocked master key.
func (s *Service) RotatePassphrase(ctx context.Context, oldPassphrase, newPassphrase string) (*session.MasterKey, int, error) {
	var moved int
	newKey, err := session.Rotate(ctx, s.stores.Meta, oldPassphrase, newPassphrase,
		func(oldKey, newKey *session.MasterKey) error {
			var err error
			moved, err = s.vault.Rewrap(ctx, oldKey, newKey)
			return err
		})
	if err != nil {
		return nil, 0, err
	}

	if _, err := s.chain.Append(context.WithoutCancel(ctx), audit.MasterKeyRotatedDetails{Identities: moved}, audit.ProvenanceFrom(ctx)); err != nil {
		return newKey, moved, fmt.Errorf("record audit entry: %w", err)
	}
	logging.Logger(ctx).Info("master_key_rotated", "identities", moved)
	return newKey, moved, nil
}

// Status summarises the vault.
type Status struct {
	Initialized  bool
	VaultID      string
	CreatedAt    time.Time
	Identities   int
	Revoked      int
	Signatures   int
	AuditEntries int
	AuditTail    *store.AuditEntry
}

// Status reports what the stores hold. It needs no master key.
func (s *Service) Status(ctx context.Context) (*Status, error) {
	st := &Status{}

	meta, err := s.stores.Meta.GetMeta(ctx)
	switch {
	case err == nil:
		st.Initialized = true
		st.VaultID = meta.VaultID
		st.CreatedAt = meta.CreatedAt
	case errors.Is(err, store.ErrNotFound):
		return st, nil
	default:
		return nil, fmt.Errorf("get meta: %w", err)
	}

	identities, err := s.stores.Identities.ListIdentities(ctx)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	st.Identities = len(identities)
	for _, identity := range identities {
		if identity.Revoked() {
			st.Revoked++
		}
	}

	sigs, err := s.stores.Signatures.ListSignatures(ctx)
	if err != nil {
		return nil, fmt.Errorf("list signatures: %w", err)
	}
	st.Signatures = len(sigs)

	if st.AuditEntries, err = s.stores.Audit.CountAudit(ctx); err != nil {
		return nil, fmt.Errorf("count audit entries: %w", err)
	}
	if st.AuditTail, err = s.chain.Tail(ctx); err != nil {
		return nil, fmt.Errorf("audit tail: %w", err)
	}
	return st, nil
}
