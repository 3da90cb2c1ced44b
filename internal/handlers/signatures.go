package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/abdul-hamid-achik/attest/internal/logging"
	"github.com/abdul-hamid-achik/attest/internal/store"
	"github.com/abdul-hamid-achik/attest/internal/validation"
)

// CreateSignatureRequest is the body of POST /api/v1/signatures.
type CreateSignatureRequest struct {
	ID                     string     `json:"id" validate:"required,len=26"`
	FileID                 string     `json:"file_id,omitempty"`
	KeyID                  uuid.UUID  `json:"key_id" validate:"required"`
	DocumentHash           string     `json:"document_hash" validate:"required,len=64,hexadecimal"`
	Reason                 string     `json:"reason,omitempty"`
	Location               string     `json:"location,omitempty"`
	SignatureBytes         []byte     `json:"signature" validate:"required,max=256"`
	CertificateFingerprint string     `json:"certificate_fingerprint" validate:"required,len=64,hexadecimal"`
	TimestampToken         []byte     `json:"timestamp_token,omitempty" validate:"max=65536"`
	TimestampGenTime       *time.Time `json:"timestamp_gen_time,omitempty"`
	AuditEntryID           uint64     `json:"audit_entry_id,omitempty"`
	CreatedAt              time.Time  `json:"created_at" validate:"required"`
}

// ListSignatures handles GET /api/v1/signatures
func (h *APIHandler) ListSignatures(w http.ResponseWriter, r *http.Request) {
	sigs, err := h.store.ListSignatures(r.Context())
	if err != nil {
		storeError(w, r, "signature_list_failed", err)
		return
	}
	if sigs == nil {
		sigs = []*store.Signature{}
	}
	jsonResponse(w, http.StatusOK, sigs)
}

// GetSignature handles GET /api/v1/signatures/{id}
func (h *APIHandler) GetSignature(w http.ResponseWriter, r *http.Request) {
	sig, err := h.store.GetSignature(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		storeError(w, r, "signature_get_failed", err)
		return
	}
	jsonResponse(w, http.StatusOK, sig)
}

// CreateSignature handles POST /api/v1/signatures. Records are immutable;
// resubmitting an id yields 409.
func (h *APIHandler) CreateSignature(w http.ResponseWriter, r *http.Request) {
	var req CreateSignatureRequest
	if !h.decode(w, r, &req) {
		return
	}
	if _, err := ulid.ParseStrict(req.ID); err != nil {
		jsonError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid signature ID")
		return
	}
	for _, check := range []func() error{
		func() error { return validation.FileID(req.FileID) },
		func() error { return validation.Reason(req.Reason) },
		func() error { return validation.Location(req.Location) },
	} {
		if err := check(); err != nil {
			jsonError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
			return
		}
	}

	sig := &store.Signature{
		ID:                     req.ID,
		FileID:                 req.FileID,
		KeyID:                  req.KeyID,
		DocumentHash:           req.DocumentHash,
		Reason:                 req.Reason,
		Location:               req.Location,
		SignatureBytes:         req.SignatureBytes,
		CertificateFingerprint: req.CertificateFingerprint,
		TimestampToken:         req.TimestampToken,
		TimestampGenTime:       req.TimestampGenTime,
		AuditEntryID:           req.AuditEntryID,
		CreatedAt:              req.CreatedAt.UTC(),
	}
	if err := h.store.CreateSignature(r.Context(), sig); err != nil {
		storeError(w, r, "signature_create_failed", err)
		return
	}

	logging.Logger(r.Context()).Info("signature_stored", "signature_id", sig.ID, "key_id", sig.KeyID, "document_hash", sig.DocumentHash)
	jsonResponse(w, http.StatusCreated, sig)
}
