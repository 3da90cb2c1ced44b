package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GenesisHash is the previous_hash of the first audit entry.
var GenesisHash = strings.Repeat("0", 64)

// Sentinel errors returned by store operations.
var (
	ErrNotFound          = errors.New("not found")
	ErrIdentityNotFound  = fmt.Errorf("identity %w", ErrNotFound)
	ErrSignatureNotFound = fmt.Errorf("signature %w", ErrNotFound)
	ErrDuplicateID       = errors.New("record id already exists")

	// ErrRevocationFinal is returned by UpdateIdentity when the update
	// would clear or change an existing revocation time.
	ErrRevocationFinal = errors.New("identity revocation cannot be undone or changed")

	// ErrAppendConflict is returned by AppendAudit when the entry does not
	// chain from the current tail.
	ErrAppendConflict = errors.New("audit append conflict: tail moved")
)

// VaultMeta holds vault-level metadata.
type VaultMeta struct {
	Version   int       `json:"version"`
	Salt      []byte    `json:"salt"`
	Verifier  []byte    `json:"verifier"`
	CreatedAt time.Time `json:"created_at"`
	VaultID   string    `json:"vault_id"`
}

// Identity is a signing identity as persisted. The name and private key
// are AEAD ciphertext; the certificate and public key are public.
type Identity struct {
	ID                  uuid.UUID  `json:"id"`
	EncryptedName       []byte     `json:"encrypted_name"`
	OwnerID             string     `json:"owner_id"`
	Certificate         []byte     `json:"certificate"`
	PublicKey           []byte     `json:"public_key"`
	EncryptedPrivateKey []byte     `json:"encrypted_private_key"`
	CreatedAt           time.Time  `json:"created_at"`
	RevokedAt           *time.Time `json:"revoked_at,omitempty"`
}

// Revoked reports whether the identity has been revoked.
func (i *Identity) Revoked() bool {
	return i.RevokedAt != nil
}

// Signature is an immutable record of one signing operation.
type Signature struct {
	ID                     string     `json:"id"`
	FileID                 string     `json:"file_id,omitempty"`
	KeyID                  uuid.UUID  `json:"key_id"`
	DocumentHash           string     `json:"document_hash"`
	Reason                 string     `json:"reason,omitempty"`
	Location               string     `json:"location,omitempty"`
	SignatureBytes         []byte     `json:"signature"`
	CertificateFingerprint string     `json:"certificate_fingerprint"`
	TimestampToken         []byte     `json:"timestamp_token,omitempty"`
	TimestampGenTime       *time.Time `json:"timestamp_gen_time,omitempty"`
	AuditEntryID           uint64     `json:"audit_entry_id,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
}

// AuditEntry is one link of the audit hash chain. Hash and PreviousHash
// are hex-encoded SHA-256 digests. IPAddress and UserAgent are provenance
// and are not covered by Hash.
type AuditEntry struct {
	ID           uint64          `json:"id"`
	Action       string          `json:"action"`
	Details      json.RawMessage `json:"details"`
	CreatedAt    time.Time       `json:"created_at"`
	PreviousHash string          `json:"previous_hash"`
	Hash         string          `json:"hash"`
	IPAddress    string          `json:"ip_address,omitempty"`
	UserAgent    string          `json:"user_agent,omitempty"`
}
