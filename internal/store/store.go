package store

import (
	"context"

	"github.com/google/uuid"
)

// MetaStore persists the local vault metadata (salt and verifier).
type MetaStore interface {
	GetMeta(ctx context.Context) (*VaultMeta, error)
	SetMeta(ctx context.Context, meta *VaultMeta) error
}

// IdentityStore persists encrypted signing identities.
type IdentityStore interface {
	CreateIdentity(ctx context.Context, identity *Identity) error
	GetIdentity(ctx context.Context, id uuid.UUID) (*Identity, error)
	ListIdentities(ctx context.Context) ([]*Identity, error)
	UpdateIdentity(ctx context.Context, identity *Identity) error
	DeleteIdentity(ctx context.Context, id uuid.UUID) error
}

// SignatureStore persists signature records.
type SignatureStore interface {
	CreateSignature(ctx context.Context, sig *Signature) error
	GetSignature(ctx context.Context, id string) (*Signature, error)
	ListSignatures(ctx context.Context) ([]*Signature, error)
}

// AuditStore persists the hash-chained audit log.
//
// AppendAudit is a compare-and-swap on the chain tail: it fails with
// ErrAppendConflict unless entry.PreviousHash equals the hash of the
// current last entry (or GenesisHash on an empty log). On success the
// store assigns entry.ID.
type AuditStore interface {
	AuditTail(ctx context.Context) (*AuditEntry, error)
	AppendAudit(ctx context.Context, entry *AuditEntry) error
	ListAudit(ctx context.Context, offset, limit int) ([]*AuditEntry, error)
	CountAudit(ctx context.Context) (int, error)
}

// Store combines every persistence concern of a local vault.
type Store interface {
	MetaStore
	IdentityStore
	SignatureStore
	AuditStore

	// Lifecycle
	Close() error
}
