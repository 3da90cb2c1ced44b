package handlers

import (
	"bytes"
	"crypto/x509"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/abdul-hamid-achik/attest/internal/logging"
	"github.com/abdul-hamid-achik/attest/internal/store"
	"github.com/abdul-hamid-achik/attest/internal/validation"
)

// CreateIdentityRequest is the body of POST /api/v1/identities. The name
// and private key arrive sealed; the server never sees plaintext.
type CreateIdentityRequest struct {
	ID                  uuid.UUID  `json:"id" validate:"required"`
	EncryptedName       []byte     `json:"encrypted_name" validate:"required,max=4096"`
	OwnerID             string     `json:"owner_id" validate:"required,max=64"`
	Certificate         []byte     `json:"certificate" validate:"required,max=16384"`
	PublicKey           []byte     `json:"public_key" validate:"required,max=1024"`
	EncryptedPrivateKey []byte     `json:"encrypted_private_key" validate:"required,max=4096"`
	CreatedAt           time.Time  `json:"created_at" validate:"required"`
	RevokedAt           *time.Time `json:"revoked_at,omitempty"`
}

// UpdateIdentityRequest is the body of PUT /api/v1/identities/{id}. Only
// the sealed blobs and the revocation time may change.
type UpdateIdentityRequest struct {
	EncryptedName       []byte     `json:"encrypted_name" validate:"required,max=4096"`
	EncryptedPrivateKey []byte     `json:"encrypted_private_key" validate:"required,max=4096"`
	RevokedAt           *time.Time `json:"revoked_at,omitempty"`
}

func identityID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		jsonError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid identity ID")
		return uuid.Nil, false
	}
	return id, true
}

// ListIdentities handles GET /api/v1/identities
func (h *APIHandler) ListIdentities(w http.ResponseWriter, r *http.Request) {
	identities, err := h.store.ListIdentities(r.Context())
	if err != nil {
		storeError(w, r, "identity_list_failed", err)
		return
	}
	if identities == nil {
		identities = []*store.Identity{}
	}
	jsonResponse(w, http.StatusOK, identities)
}

// GetIdentity handles GET /api/v1/identities/{id}
func (h *APIHandler) GetIdentity(w http.ResponseWriter, r *http.Request) {
	id, ok := identityID(w, r)
	if !ok {
		return
	}
	identity, err := h.store.GetIdentity(r.Context(), id)
	if err != nil {
		storeError(w, r, "identity_get_failed", err)
		return
	}
	jsonResponse(w, http.StatusOK, identity)
}

// CreateIdentity handles POST /api/v1/identities
func (h *APIHandler) CreateIdentity(w http.ResponseWriter, r *http.Request) {
	var req CreateIdentityRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := validation.OwnerID(req.OwnerID); err != nil {
		jsonError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	// The certificate must parse and carry the submitted public key, so a
	// client cannot store a key pair that signs under someone else's cert.
	cert, err := x509.ParseCertificate(req.Certificate)
	if err != nil {
		jsonError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid certificate")
		return
	}
	if !bytes.Equal(cert.RawSubjectPublicKeyInfo, req.PublicKey) {
		jsonError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Public key does not match certificate")
		return
	}

	identity := &store.Identity{
		ID:                  req.ID,
		EncryptedName:       req.EncryptedName,
		OwnerID:             req.OwnerID,
		Certificate:         req.Certificate,
		PublicKey:           req.PublicKey,
		EncryptedPrivateKey: req.EncryptedPrivateKey,
		CreatedAt:           req.CreatedAt.UTC(),
		RevokedAt:           req.RevokedAt,
	}
	if err := h.store.CreateIdentity(r.Context(), identity); err != nil {
		storeError(w, r, "identity_create_failed", err)
		return
	}

	logging.Logger(r.Context()).Info("identity_stored", "identity_id", identity.ID, "owner_id", identity.OwnerID)
	jsonResponse(w, http.StatusCreated, identity)
}

// UpdateIdentity handles PUT /api/v1/identities/{id}
func (h *APIHandler) UpdateIdentity(w http.ResponseWriter, r *http.Request) {
	id, ok := identityID(w, r)
	if !ok {
		return
	}
	var req UpdateIdentityRequest
	if !h.decode(w, r, &req) {
		return
	}

	identity, err := h.store.GetIdentity(r.Context(), id)
	if err != nil {
		storeError(w, r, "identity_get_failed", err)
		return
	}

	// The store refuses to clear or move an existing revocation, also when
	// it lands between this read and the write.
	identity.EncryptedName = req.EncryptedName
	identity.EncryptedPrivateKey = req.EncryptedPrivateKey
	identity.RevokedAt = req.RevokedAt
	if err := h.store.UpdateIdentity(r.Context(), identity); err != nil {
		storeError(w, r, "identity_update_failed", err)
		return
	}

	logging.Logger(r.Context()).Info("identity_updated", "identity_id", id, "revoked", identity.Revoked())
	jsonResponse(w, http.StatusOK, identity)
}

// DeleteIdentity handles DELETE /api/v1/identities/{id}
func (h *APIHandler) DeleteIdentity(w http.ResponseWriter, r *http.Request) {
	id, ok := identityID(w, r)
	if !ok {
		return
	}
	if err := h.store.DeleteIdentity(r.Context(), id); err != nil {
		storeError(w, r, "identity_delete_failed", err)
		return
	}

	logging.Logger(r.Context()).Info("identity_deleted", "identity_id", id)
	w.WriteHeader(http.StatusNoContent)
}
