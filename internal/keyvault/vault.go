// Package keyvault creates, unwraps, and retires signing identities. Each
// identity is an ECDSA P-256 keypair with a self-signed certificate; its
// private key and human-readable name are sealed under the session master
// key with associated data that binds each blob to its identity.
package keyvault

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/abdul-hamid-achik/attest/internal/audit"
	"github.com/abdul-hamid-achik/attest/internal/crypto"
	"github.com/abdul-hamid-achik/attest/internal/logging"
	"github.com/abdul-hamid-achik/attest/internal/session"
	"github.com/abdul-hamid-achik/attest/internal/store"
	"github.com/abdul-hamid-achik/attest/internal/validation"
)

// DefaultCertValidity is the lifetime of identity certificates unless
// overridden with WithCertValidity.
const DefaultCertValidity = 3 * 365 * 24 * time.Hour

// Vault orchestrates identity crypto and storage. It holds no key material
// between calls; every operation that needs the master key takes it as an
// argument.
type Vault struct {
	store    store.IdentityStore
	recorder audit.Recorder
	suite    crypto.Suite
	validity time.Duration
	rand     io.Reader
	now      func() time.Time

	// mu serialises lifecycle changes so a revoke or delete is recorded
	// once even when requested concurrently.
	mu sync.Mutex
}

// Option configures a Vault.
type Option func(*Vault)

// WithSuite selects the AEAD suite for newly sealed blobs.
func WithSuite(s crypto.Suite) Option {
	return func(v *Vault) { v.suite = s }
}

// WithCertValidity sets the lifetime of new identity certificates.
func WithCertValidity(d time.Duration) Option {
	return func(v *Vault) {
		if d > 0 {
			v.validity = d
		}
	}
}

// WithRand overrides the randomness source used for key generation.
func WithRand(r io.Reader) Option {
	return func(v *Vault) { v.rand = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(v *Vault) { v.now = now }
}

// New returns a Vault over s that records lifecycle events with rec.
func New(s store.IdentityStore, rec audit.Recorder, opts ...Option) *Vault {
	v := &Vault{
		store:    s,
		recorder: rec,
		suite:    crypto.SuiteAESGCM,
		validity: DefaultCertValidity,
		rand:     rand.Reader,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func nameAD(id uuid.UUID) []byte { return []byte("attest/name/" + id.String()) }
func keyAD(id uuid.UUID) []byte  { return []byte("attest/key/" + id.String()) }

// CreateIdentity generates a keypair and self-signed certificate for name,
// seals the private key and name under mk, stores the identity, and records
// KEY_CREATED. The certificate subject carries name as CN, issuer as O and
// ownerID as serialNumber.
func (v *Vault) CreateIdentity(ctx context.Context, name, ownerID, issuer string, mk *session.MasterKey) (*store.Identity, error) {
	const op = "create identity"

	if !mk.Unlocked() {
		return nil, &OpError{Op: op, Err: ErrMasterKeyMissing}
	}
	if err := validation.IdentityName(name); err != nil {
		return nil, &OpError{Op: op, Err: fmt.Errorf("%w: %w", ErrInvalidInput, err)}
	}
	if err := validation.OwnerID(ownerID); err != nil {
		return nil, &OpError{Op: op, Err: fmt.Errorf("%w: %w", ErrInvalidInput, err)}
	}

	id := uuid.New()
	now := v.now().UTC()

	priv, certDER, err := v.generate(name, ownerID, issuer, now)
	if err != nil {
		return nil, &OpError{Op: op, IdentityID: id, Err: fmt.Errorf("%w: %w", ErrKeyGeneration, err)}
	}

	pkcs8, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, &OpError{Op: op, IdentityID: id, Err: fmt.Errorf("%w: marshal private key: %w", ErrKeyGeneration, err)}
	}
	defer crypto.ZeroBytes(pkcs8)

	pub, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, &OpError{Op: op, IdentityID: id, Err: fmt.Errorf("%w: marshal public key: %w", ErrKeyGeneration, err)}
	}

	identity := &store.Identity{
		ID:          id,
		OwnerID:     ownerID,
		Certificate: certDER,
		PublicKey:   pub,
		CreatedAt:   now,
	}
	err = mk.Use(func(key []byte) error {
		var sealErr error
		if identity.EncryptedName, sealErr = v.seal(key, []byte(name), nameAD(id)); sealErr != nil {
			return sealErr
		}
		identity.EncryptedPrivateKey, sealErr = v.seal(key, pkcs8, keyAD(id))
		return sealErr
	})
	if err != nil {
		return nil, &OpError{Op: op, IdentityID: id, Err: err}
	}

	if err := v.store.CreateIdentity(ctx, identity); err != nil {
		return nil, &OpError{Op: op, IdentityID: id, Err: fmt.Errorf("store identity: %w", err)}
	}

	fp := crypto.Fingerprint(certDER)
	if _, err := v.recorder.Append(ctx, audit.KeyCreatedDetails{
		IdentityID:             id.String(),
		OwnerID:                ownerID,
		CertificateFingerprint: fmt.Sprintf("%x", fp),
	}, audit.ProvenanceFrom(ctx)); err != nil {
		// An identity nobody can audit must not be usable.
		if delErr := v.store.DeleteIdentity(context.WithoutCancel(ctx), id); delErr != nil {
			logging.Logger(ctx).Error("identity_rollback_failed", "identity_id", id, "error", delErr)
		}
		return nil, &OpError{Op: op, IdentityID: id, Err: fmt.Errorf("record audit entry: %w", err)}
	}

	logging.Logger(ctx).Info("identity_created", "identity_id", id, "owner_id", ownerID)
	return identity, nil
}

func (v *Vault) generate(name, ownerID, issuer string, now time.Time) (*ecdsa.PrivateKey, []byte, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), v.rand)
	if err != nil {
		return nil, nil, fmt.Errorf("generate keypair: %w", err)
	}

	serial, err := rand.Int(v.rand, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generate serial: %w", err)
	}

	subject := pkix.Name{
		CommonName:   name,
		SerialNumber: ownerID,
	}
	if issuer != "" {
		subject.Organization = []string{issuer}
	}

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(v.validity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(v.rand, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, fmt.Errorf("create certificate: %w", err)
	}
	return priv, der, nil
}

func (v *Vault) seal(key, plaintext, ad []byte) ([]byte, error) {
	blob, err := crypto.Seal(v.suite, key, plaintext, ad)
	recordCrypto("seal", err)
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}
	return blob, nil
}

// Get returns the stored identity.
func (v *Vault) Get(ctx context.Context, id uuid.UUID) (*store.Identity, error) {
	identity, err := v.store.GetIdentity(ctx, id)
	if err != nil {
		return nil, &OpError{Op: "get identity", IdentityID: id, Err: mapStoreError(err)}
	}
	return identity, nil
}

// Revoke marks the identity revoked and records KEY_REVOKED. Revoking an
// already revoked identity returns it unchanged and records nothing.
func (v *Vault) Revoke(ctx context.Context, id uuid.UUID) (*store.Identity, error) {
	const op = "revoke identity"

	v.mu.Lock()
	defer v.mu.Unlock()

	identity, err := v.store.GetIdentity(ctx, id)
	if err != nil {
		return nil, &OpError{Op: op, IdentityID: id, Err: mapStoreError(err)}
	}
	if identity.Revoked() {
		return identity, nil
	}

	now := v.now().UTC()
	identity.RevokedAt = &now
	if err := v.store.UpdateIdentity(ctx, identity); err != nil {
		if errors.Is(err, store.ErrRevocationFinal) {
			// Another client revoked it first and recorded the entry.
			if current, getErr := v.store.GetIdentity(ctx, id); getErr == nil {
				return current, nil
			}
		}
		return nil, &OpError{Op: op, IdentityID: id, Err: mapStoreError(err)}
	}

	// The revocation is already durable; the audit entry must follow it.
	if _, err := v.recorder.Append(context.WithoutCancel(ctx), audit.KeyRevokedDetails{IdentityID: id.String()}, audit.ProvenanceFrom(ctx)); err != nil {
		return identity, &OpError{Op: op, IdentityID: id, Err: fmt.Errorf("record audit entry: %w", err)}
	}

	logging.Logger(ctx).Info("identity_revoked", "identity_id", id)
	return identity, nil
}

// Delete removes the identity's stored blobs and records KEY_DELETED.
// Signature records and signed documents that reference it stay valid:
// they carry the certificate needed to verify them.
func (v *Vault) Delete(ctx context.Context, id uuid.UUID) error {
	const op = "delete identity"

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.store.DeleteIdentity(ctx, id); err != nil {
		return &OpError{Op: op, IdentityID: id, Err: mapStoreError(err)}
	}

	if _, err := v.recorder.Append(context.WithoutCancel(ctx), audit.KeyDeletedDetails{IdentityID: id.String()}, audit.ProvenanceFrom(ctx)); err != nil {
		return &OpError{Op: op, IdentityID: id, Err: fmt.Errorf("record audit entry: %w", err)}
	}

	logging.Logger(ctx).Info("identity_deleted", "identity_id", id)
	return nil
}

// Certificate parses the identity's certificate.
func Certificate(identity *store.Identity) (*x509.Certificate, error) {
	cert, err := x509.ParseCertificate(identity.Certificate)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return cert, nil
}

// IsNotFound reports whether err means the identity does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrIdentityNotFound)
}
