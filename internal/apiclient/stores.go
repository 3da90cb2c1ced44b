package apiclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/google/uuid"

	"github.com/abdul-hamid-achik/attest/internal/handlers"
	"github.com/abdul-hamid-achik/attest/internal/store"
)

// pageLimit is the largest page the server hands out.
const pageLimit = 1000

var (
	_ store.IdentityStore  = (*Client)(nil)
	_ store.SignatureStore = (*Client)(nil)
	_ store.AuditStore     = (*Client)(nil)
)

// mapError translates API status codes into the store sentinels callers
// already handle for local backends.
func mapError(err error, notFound, conflict error) error {
	switch statusOf(err) {
	case http.StatusNotFound:
		if notFound != nil {
			return fmt.Errorf("%w: %w", notFound, err)
		}
	case http.StatusConflict:
		if conflict != nil {
			return fmt.Errorf("%w: %w", conflict, err)
		}
	}
	return err
}

// ---------------------------------------------------------------------------
// Identities
// ---------------------------------------------------------------------------

// CreateIdentity uploads a sealed identity.
func (c *Client) CreateIdentity(ctx context.Context, identity *store.Identity) error {
	req := handlers.CreateIdentityRequest{
		ID:                  identity.ID,
		EncryptedName:       identity.EncryptedName,
		OwnerID:             identity.OwnerID,
		Certificate:         identity.Certificate,
		PublicKey:           identity.PublicKey,
		EncryptedPrivateKey: identity.EncryptedPrivateKey,
		CreatedAt:           identity.CreatedAt,
		RevokedAt:           identity.RevokedAt,
	}
	err := c.request(ctx, http.MethodPost, "/api/v1/identities", req, nil)
	return mapError(err, nil, store.ErrDuplicateID)
}

// GetIdentity fetches one identity.
func (c *Client) GetIdentity(ctx context.Context, id uuid.UUID) (*store.Identity, error) {
	var identity store.Identity
	if err := c.request(ctx, http.MethodGet, "/api/v1/identities/"+id.String(), nil, &identity); err != nil {
		return nil, mapError(err, store.ErrIdentityNotFound, nil)
	}
	return &identity, nil
}

// ListIdentities fetches every identity.
func (c *Client) ListIdentities(ctx context.Context) ([]*store.Identity, error) {
	var identities []*store.Identity
	if err := c.request(ctx, http.MethodGet, "/api/v1/identities", nil, &identities); err != nil {
		return nil, err
	}
	return identities, nil
}

// UpdateIdentity replaces the sealed blobs and revocation time. The server
// keeps the id, owner, certificate and public key it already has.
func (c *Client) UpdateIdentity(ctx context.Context, identity *store.Identity) error {
	req := handlers.UpdateIdentityRequest{
		EncryptedName:       identity.EncryptedName,
		EncryptedPrivateKey: identity.EncryptedPrivateKey,
		RevokedAt:           identity.RevokedAt,
	}
	err := c.request(ctx, http.MethodPut, "/api/v1/identities/"+identity.ID.String(), req, nil)
	return mapError(err, store.ErrIdentityNotFound, store.ErrRevocationFinal)
}

// DeleteIdentity removes an identity.
func (c *Client) DeleteIdentity(ctx context.Context, id uuid.UUID) error {
	err := c.request(ctx, http.MethodDelete, "/api/v1/identities/"+id.String(), nil, nil)
	return mapError(err, store.ErrIdentityNotFound, nil)
}

// ---------------------------------------------------------------------------
// Signatures
// ---------------------------------------------------------------------------

// CreateSignature uploads a signature record.
func (c *Client) CreateSignature(ctx context.Context, sig *store.Signature) error {
	req := handlers.CreateSignatureRequest{
		ID:                     sig.ID,
		FileID:                 sig.FileID,
		KeyID:                  sig.KeyID,
		DocumentHash:           sig.DocumentHash,
		Reason:                 sig.Reason,
		Location:               sig.Location,
		SignatureBytes:         sig.SignatureBytes,
		CertificateFingerprint: sig.CertificateFingerprint,
		TimestampToken:         sig.TimestampToken,
		TimestampGenTime:       sig.TimestampGenTime,
		AuditEntryID:           sig.AuditEntryID,
		CreatedAt:              sig.CreatedAt,
	}
	err := c.request(ctx, http.MethodPost, "/api/v1/signatures", req, nil)
	return mapError(err, nil, store.ErrDuplicateID)
}

// GetSignature fetches one signature record.
func (c *Client) GetSignature(ctx context.Context, id string) (*store.Signature, error) {
	var sig store.Signature
	if err := c.request(ctx, http.MethodGet, "/api/v1/signatures/"+url.PathEscape(id), nil, &sig); err != nil {
		return nil, mapError(err, store.ErrSignatureNotFound, nil)
	}
	return &sig, nil
}

// ListSignatures fetches every signature record.
func (c *Client) ListSignatures(ctx context.Context) ([]*store.Signature, error) {
	var sigs []*store.Signature
	if err := c.request(ctx, http.MethodGet, "/api/v1/signatures", nil, &sigs); err != nil {
		return nil, err
	}
	return sigs, nil
}

// ---------------------------------------------------------------------------
// Audit
// ---------------------------------------------------------------------------

// AuditTail fetches the last entry, or ErrNotFound on an empty chain.
func (c *Client) AuditTail(ctx context.Context) (*store.AuditEntry, error) {
	var entry store.AuditEntry
	if err := c.request(ctx, http.MethodGet, "/api/v1/audit-logs/tail", nil, &entry); err != nil {
		return nil, mapError(err, store.ErrNotFound, nil)
	}
	return &entry, nil
}

// AppendAudit submits an entry. The server re-verifies its hash and
// rejects it with ErrAppendConflict when the tail has moved.
func (c *Client) AppendAudit(ctx context.Context, entry *store.AuditEntry) error {
	req := handlers.AppendAuditRequest{
		Action:       entry.Action,
		Details:      entry.Details,
		CreatedAt:    entry.CreatedAt,
		PreviousHash: entry.PreviousHash,
		Hash:         entry.Hash,
		IPAddress:    entry.IPAddress,
		UserAgent:    entry.UserAgent,
	}
	var stored store.AuditEntry
	if err := c.request(ctx, http.MethodPost, "/api/v1/audit-logs", req, &stored); err != nil {
		return mapError(err, nil, store.ErrAppendConflict)
	}
	entry.ID = stored.ID
	entry.IPAddress = stored.IPAddress
	entry.UserAgent = stored.UserAgent
	return nil
}

func (c *Client) auditPage(ctx context.Context, q url.Values) (*handlers.AuditPage, error) {
	var page handlers.AuditPage
	if err := c.request(ctx, http.MethodGet, "/api/v1/audit-logs?"+q.Encode(), nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// ListAudit reads entries from offset. A non-positive limit reads to the
// end of the chain, one server page at a time.
func (c *Client) ListAudit(ctx context.Context, offset, limit int) ([]*store.AuditEntry, error) {
	var entries []*store.AuditEntry
	for {
		want := pageLimit
		if limit > 0 {
			want = min(limit-len(entries), pageLimit)
		}
		q := url.Values{}
		q.Set("offset", strconv.Itoa(offset+len(entries)))
		q.Set("limit", strconv.Itoa(want))
		page, err := c.auditPage(ctx, q)
		if err != nil {
			return nil, err
		}
		entries = append(entries, page.Logs...)

		if len(page.Logs) < want || (limit > 0 && len(entries) >= limit) {
			return entries, nil
		}
	}
}

// CountAudit returns the chain length.
func (c *Client) CountAudit(ctx context.Context) (int, error) {
	q := url.Values{}
	q.Set("page", "1")
	q.Set("limit", "1")
	page, err := c.auditPage(ctx, q)
	if err != nil {
		return 0, err
	}
	return page.Total, nil
}
