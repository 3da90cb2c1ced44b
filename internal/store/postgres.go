package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/abdul-hamid-achik/attest/internal/database"
)

const pgUniqueViolation = "23505"

// PostgresStore implements Store on PostgreSQL for the API server.
type PostgresStore struct {
	db *database.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an open pool. The schema must already be applied
// with database.DB.Migrate.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// ---------------------------------------------------------------------------
// Vault metadata
// ---------------------------------------------------------------------------

// GetMeta returns the vault metadata, or ErrNotFound if not set.
func (s *PostgresStore) GetMeta(ctx context.Context) (*VaultMeta, error) {
	var data []byte
	err := s.db.Pool.QueryRow(ctx, `SELECT data FROM vault_meta WHERE id = 1`).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get meta: %w", err)
	}
	var meta VaultMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return &meta, nil
}

// SetMeta stores the vault metadata.
func (s *PostgresStore) SetMeta(ctx context.Context, meta *VaultMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	_, err = s.db.Pool.Exec(ctx, `
		INSERT INTO vault_meta (id, data) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data`, data)
	if err != nil {
		return fmt.Errorf("set meta: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Identities
// ---------------------------------------------------------------------------

const identityColumns = `id, encrypted_name, owner_id, certificate, public_key, encrypted_private_key, created_at, revoked_at`

func scanIdentity(row pgx.Row) (*Identity, error) {
	var i Identity
	if err := row.Scan(
		&i.ID,
		&i.EncryptedName,
		&i.OwnerID,
		&i.Certificate,
		&i.PublicKey,
		&i.EncryptedPrivateKey,
		&i.CreatedAt,
		&i.RevokedAt,
	); err != nil {
		return nil, err
	}
	i.CreatedAt = i.CreatedAt.UTC()
	if i.RevokedAt != nil {
		t := i.RevokedAt.UTC()
		i.RevokedAt = &t
	}
	return &i, nil
}

// CreateIdentity inserts a new identity.
func (s *PostgresStore) CreateIdentity(ctx context.Context, identity *Identity) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO identities (`+identityColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		identity.ID,
		identity.EncryptedName,
		identity.OwnerID,
		identity.Certificate,
		identity.PublicKey,
		identity.EncryptedPrivateKey,
		identity.CreatedAt,
		identity.RevokedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateID
	}
	if err != nil {
		return fmt.Errorf("insert identity: %w", err)
	}
	return nil
}

// GetIdentity returns the identity with the given id.
func (s *PostgresStore) GetIdentity(ctx context.Context, id uuid.UUID) (*Identity, error) {
	row := s.db.Pool.QueryRow(ctx, `SELECT `+identityColumns+` FROM identities WHERE id = $1`, id)
	identity, err := scanIdentity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrIdentityNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get identity: %w", err)
	}
	return identity, nil
}

// ListIdentities returns all identities ordered by creation time.
func (s *PostgresStore) ListIdentities(ctx context.Context) ([]*Identity, error) {
	rows, err := s.db.Pool.Query(ctx, `SELECT `+identityColumns+` FROM identities ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	var identities []*Identity
	for rows.Next() {
		identity, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		identities = append(identities, identity)
	}
	return identities, rows.Err()
}

// UpdateIdentity replaces the mutable fields of an identity: the wrapped
// blobs (after master-key rotation) and the revocation time. The row is
// only updated while it is unrevoked or keeps its revocation time, so a
// concurrent revoke cannot be overwritten.
func (s *PostgresStore) UpdateIdentity(ctx context.Context, identity *Identity) error {
	tag, err := s.db.Pool.Exec(ctx, `
		UPDATE identities
		SET encrypted_name = $2, encrypted_private_key = $3, revoked_at = $4
		WHERE id = $1 AND (revoked_at IS NULL OR revoked_at = $4)`,
		identity.ID, identity.EncryptedName, identity.EncryptedPrivateKey, identity.RevokedAt)
	if err != nil {
		return fmt.Errorf("update identity: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := s.db.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM identities WHERE id = $1)`, identity.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check identity: %w", err)
	}
	if !exists {
		return ErrIdentityNotFound
	}
	return ErrRevocationFinal
}

// DeleteIdentity removes the identity row.
func (s *PostgresStore) DeleteIdentity(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Pool.Exec(ctx, `DELETE FROM identities WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete identity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrIdentityNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Signatures
// ---------------------------------------------------------------------------

const signatureColumns = `id, file_id, key_id, document_hash, reason, location, signature,
	certificate_fingerprint, timestamp_token, timestamp_gen_time, audit_entry_id, created_at`

func scanSignature(row pgx.Row) (*Signature, error) {
	var sig Signature
	var auditID int64
	if err := row.Scan(
		&sig.ID,
		&sig.FileID,
		&sig.KeyID,
		&sig.DocumentHash,
		&sig.Reason,
		&sig.Location,
		&sig.SignatureBytes,
		&sig.CertificateFingerprint,
		&sig.TimestampToken,
		&sig.TimestampGenTime,
		&auditID,
		&sig.CreatedAt,
	); err != nil {
		return nil, err
	}
	sig.AuditEntryID = uint64(auditID)
	sig.CreatedAt = sig.CreatedAt.UTC()
	if sig.TimestampGenTime != nil {
		t := sig.TimestampGenTime.UTC()
		sig.TimestampGenTime = &t
	}
	return &sig, nil
}

// CreateSignature inserts an immutable signature record.
func (s *PostgresStore) CreateSignature(ctx context.Context, sig *Signature) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO signatures (`+signatureColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		sig.ID,
		sig.FileID,
		sig.KeyID,
		sig.DocumentHash,
		sig.Reason,
		sig.Location,
		sig.SignatureBytes,
		sig.CertificateFingerprint,
		sig.TimestampToken,
		sig.TimestampGenTime,
		int64(sig.AuditEntryID),
		sig.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateID
	}
	if err != nil {
		return fmt.Errorf("insert signature: %w", err)
	}
	return nil
}

// GetSignature returns the signature record with the given id.
func (s *PostgresStore) GetSignature(ctx context.Context, id string) (*Signature, error) {
	row := s.db.Pool.QueryRow(ctx, `SELECT `+signatureColumns+` FROM signatures WHERE id = $1`, id)
	sig, err := scanSignature(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSignatureNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get signature: %w", err)
	}
	return sig, nil
}

// ListSignatures returns all signature records in id (creation) order.
func (s *PostgresStore) ListSignatures(ctx context.Context) ([]*Signature, error) {
	rows, err := s.db.Pool.Query(ctx, `SELECT `+signatureColumns+` FROM signatures ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list signatures: %w", err)
	}
	defer rows.Close()

	var sigs []*Signature
	for rows.Next() {
		sig, err := scanSignature(rows)
		if err != nil {
			return nil, fmt.Errorf("scan signature: %w", err)
		}
		sigs = append(sigs, sig)
	}
	return sigs, rows.Err()
}

// ---------------------------------------------------------------------------
// Audit
// ---------------------------------------------------------------------------

const auditColumns = `id, action, details, created_at, previous_hash, hash, ip_address, user_agent`

func scanAudit(row pgx.Row) (*AuditEntry, error) {
	var e AuditEntry
	var id int64
	var details string
	if err := row.Scan(&id, &e.Action, &details, &e.CreatedAt, &e.PreviousHash, &e.Hash, &e.IPAddress, &e.UserAgent); err != nil {
		return nil, err
	}
	e.ID = uint64(id)
	e.Details = json.RawMessage(details)
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

// AuditTail returns the last entry, or ErrNotFound on an empty log.
func (s *PostgresStore) AuditTail(ctx context.Context) (*AuditEntry, error) {
	row := s.db.Pool.QueryRow(ctx, `SELECT `+auditColumns+` FROM audit_log ORDER BY id DESC LIMIT 1`)
	e, err := scanAudit(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load audit tail: %w", err)
	}
	return e, nil
}

// AppendAudit inserts entry only if it chains from the current tail. Two
// transactions that read the same tail concurrently both pass the WHERE
// clause; the unique constraint on previous_hash rejects the second.
func (s *PostgresStore) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	var id int64
	err := s.db.Pool.QueryRow(ctx, `
		INSERT INTO audit_log (action, details, created_at, previous_hash, hash, ip_address, user_agent)
		SELECT $1::text, $2::text, $3::timestamptz, $4::text, $5::text, $6::text, $7::text
		WHERE $4::text = COALESCE((SELECT hash FROM audit_log ORDER BY id DESC LIMIT 1), $8::text)
		RETURNING id`,
		entry.Action,
		string(entry.Details),
		entry.CreatedAt,
		entry.PreviousHash,
		entry.Hash,
		entry.IPAddress,
		entry.UserAgent,
		GenesisHash,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) || isUniqueViolation(err) {
		return ErrAppendConflict
	}
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	entry.ID = uint64(id)
	return nil
}

// ListAudit returns entries in chain order.
func (s *PostgresStore) ListAudit(ctx context.Context, offset, limit int) ([]*AuditEntry, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := s.db.Pool.Query(ctx, `
		SELECT `+auditColumns+` FROM audit_log ORDER BY id LIMIT $1 OFFSET $2`, limitArg, offset)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CountAudit returns the number of entries.
func (s *PostgresStore) CountAudit(ctx context.Context) (int, error) {
	var n int
	if err := s.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_log`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit log: %w", err)
	}
	return n, nil
}
