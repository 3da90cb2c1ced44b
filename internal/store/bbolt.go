package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// Bucket names used in the bbolt database.
var (
	bucketMeta       = []byte("_meta")
	bucketIdentities = []byte("identities")
	bucketSignatures = []byte("signatures")
	bucketAudit      = []byte("audit")
)

// BoltStore implements Store using bbolt.
type BoltStore struct {
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore opens (or creates) a bbolt database at the given path and
// ensures all required buckets exist. The file is created with 0600 permissions.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	if err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{
			bucketMeta,
			bucketIdentities,
			bucketSignatures,
			bucketAudit,
		} {
			if _, bErr := tx.CreateBucketIfNotExists(b); bErr != nil {
				return fmt.Errorf("create bucket %s: %w", b, bErr)
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying bbolt database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Vault metadata
// ---------------------------------------------------------------------------

const metaKey = "vault_meta"

// GetMeta returns the vault metadata, or ErrNotFound if not set.
func (s *BoltStore) GetMeta(_ context.Context) (*VaultMeta, error) {
	var meta VaultMeta
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get([]byte(metaKey))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &meta)
	})
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

// SetMeta stores the vault metadata.
func (s *BoltStore) SetMeta(_ context.Context, meta *VaultMeta) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("marshal meta: %w", err)
		}
		return tx.Bucket(bucketMeta).Put([]byte(metaKey), data)
	})
}

// ---------------------------------------------------------------------------
// Identities
// ---------------------------------------------------------------------------

// CreateIdentity stores a new identity. It returns ErrDuplicateID if the id
// is already taken.
func (s *BoltStore) CreateIdentity(_ context.Context, identity *Identity) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIdentities)
		key := []byte(identity.ID.String())
		if b.Get(key) != nil {
			return ErrDuplicateID
		}
		data, err := json.Marshal(identity)
		if err != nil {
			return fmt.Errorf("marshal identity: %w", err)
		}
		return b.Put(key, data)
	})
}

// GetIdentity returns the identity with the given id.
func (s *BoltStore) GetIdentity(_ context.Context, id uuid.UUID) (*Identity, error) {
	var identity Identity
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketIdentities).Get([]byte(id.String()))
		if v == nil {
			return ErrIdentityNotFound
		}
		return json.Unmarshal(v, &identity)
	})
	if err != nil {
		return nil, err
	}
	return &identity, nil
}

// ListIdentities returns all identities ordered by creation time.
func (s *BoltStore) ListIdentities(_ context.Context) ([]*Identity, error) {
	var identities []*Identity
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIdentities).ForEach(func(_, v []byte) error {
			var identity Identity
			if err := json.Unmarshal(v, &identity); err != nil {
				return err
			}
			identities = append(identities, &identity)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(identities, func(i, j int) bool {
		return identities[i].CreatedAt.Before(identities[j].CreatedAt)
	})
	return identities, nil
}

// UpdateIdentity replaces an existing identity record. A revoked identity
// stays revoked at the same time; the check runs in the write transaction.
func (s *BoltStore) UpdateIdentity(_ context.Context, identity *Identity) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIdentities)
		key := []byte(identity.ID.String())
		existing := b.Get(key)
		if existing == nil {
			return ErrIdentityNotFound
		}
		var current Identity
		if err := json.Unmarshal(existing, &current); err != nil {
			return fmt.Errorf("unmarshal identity: %w", err)
		}
		if current.Revoked() && (identity.RevokedAt == nil || !identity.RevokedAt.Equal(*current.RevokedAt)) {
			return ErrRevocationFinal
		}
		data, err := json.Marshal(identity)
		if err != nil {
			return fmt.Errorf("marshal identity: %w", err)
		}
		return b.Put(key, data)
	})
}

// DeleteIdentity removes the identity record, including its encrypted
// private key. Signature records referencing it are left untouched.
func (s *BoltStore) DeleteIdentity(_ context.Context, id uuid.UUID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIdentities)
		key := []byte(id.String())
		if b.Get(key) == nil {
			return ErrIdentityNotFound
		}
		return b.Delete(key)
	})
}

// ---------------------------------------------------------------------------
// Signatures
// ---------------------------------------------------------------------------

// CreateSignature stores a signature record. Records are immutable, so an
// existing id yields ErrDuplicateID.
func (s *BoltStore) CreateSignature(_ context.Context, sig *Signature) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSignatures)
		if b.Get([]byte(sig.ID)) != nil {
			return ErrDuplicateID
		}
		data, err := json.Marshal(sig)
		if err != nil {
			return fmt.Errorf("marshal signature: %w", err)
		}
		return b.Put([]byte(sig.ID), data)
	})
}

// GetSignature returns the signature record with the given id.
func (s *BoltStore) GetSignature(_ context.Context, id string) (*Signature, error) {
	var sig Signature
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSignatures).Get([]byte(id))
		if v == nil {
			return ErrSignatureNotFound
		}
		return json.Unmarshal(v, &sig)
	})
	if err != nil {
		return nil, err
	}
	return &sig, nil
}

// ListSignatures returns all signature records. ULID keys sort by
// creation time, so cursor order is chronological.
func (s *BoltStore) ListSignatures(_ context.Context) ([]*Signature, error) {
	var sigs []*Signature
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSignatures).ForEach(func(_, v []byte) error {
			var sig Signature
			if err := json.Unmarshal(v, &sig); err != nil {
				return err
			}
			sigs = append(sigs, &sig)
			return nil
		})
	})
	return sigs, err
}

// ---------------------------------------------------------------------------
// Audit
// ---------------------------------------------------------------------------

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

// AuditTail returns the last audit entry, or ErrNotFound on an empty log.
func (s *BoltStore) AuditTail(_ context.Context) (*AuditEntry, error) {
	var entry *AuditEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		entry, err = boltTail(tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, ErrNotFound
	}
	return entry, nil
}

func boltTail(tx *bolt.Tx) (*AuditEntry, error) {
	_, v := tx.Bucket(bucketAudit).Cursor().Last()
	if v == nil {
		return nil, nil
	}
	var entry AuditEntry
	if err := json.Unmarshal(v, &entry); err != nil {
		return nil, fmt.Errorf("unmarshal audit entry: %w", err)
	}
	return &entry, nil
}

// AppendAudit appends entry if it chains from the current tail. The tail
// check and the write happen in one read-write transaction, and bbolt
// allows a single writer at a time.
func (s *BoltStore) AppendAudit(_ context.Context, entry *AuditEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		tail, err := boltTail(tx)
		if err != nil {
			return err
		}
		want := GenesisHash
		if tail != nil {
			want = tail.Hash
		}
		if entry.PreviousHash != want {
			return ErrAppendConflict
		}

		b := tx.Bucket(bucketAudit)
		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("next audit sequence: %w", err)
		}

		stored := *entry
		stored.ID = seq
		data, err := json.Marshal(&stored)
		if err != nil {
			return fmt.Errorf("marshal audit entry: %w", err)
		}
		if err := b.Put(seqKey(seq), data); err != nil {
			return err
		}
		entry.ID = seq
		return nil
	})
}

// ListAudit returns up to limit entries in chain order, skipping the first
// offset entries. A non-positive limit returns everything after offset.
func (s *BoltStore) ListAudit(_ context.Context, offset, limit int) ([]*AuditEntry, error) {
	var entries []*AuditEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAudit).Cursor()
		skipped := 0
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if skipped < offset {
				skipped++
				continue
			}
			if limit > 0 && len(entries) >= limit {
				break
			}
			var entry AuditEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, &entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// CountAudit returns the number of audit entries.
func (s *BoltStore) CountAudit(_ context.Context) (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketAudit).Stats().KeyN
		return nil
	})
	return n, err
}
