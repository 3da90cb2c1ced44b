package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/abdul-hamid-achik/attest/internal/audit"
	"github.com/abdul-hamid-achik/attest/internal/logging"
	"github.com/abdul-hamid-achik/attest/internal/store"
)

const (
	defaultAuditPageSize = 50
	maxAuditPageSize     = 1000
)

// AppendAuditRequest is the body of POST /api/v1/audit-logs. The client
// computes the hash; the server recomputes it before appending.
type AppendAuditRequest struct {
	Action       string          `json:"action" validate:"required,max=64"`
	Details      json.RawMessage `json:"details" validate:"required,max=8192"`
	CreatedAt    time.Time       `json:"created_at" validate:"required"`
	PreviousHash string          `json:"previous_hash" validate:"required,len=64,hexadecimal"`
	Hash         string          `json:"hash" validate:"required,len=64,hexadecimal"`
	IPAddress    string          `json:"ip_address,omitempty" validate:"max=64"`
	UserAgent    string          `json:"user_agent,omitempty" validate:"max=512"`
}

// AuditPage is the response of GET /api/v1/audit-logs.
type AuditPage struct {
	Logs       []*store.AuditEntry `json:"logs"`
	TotalPages int                 `json:"totalPages"`
	Total      int                 `json:"total"`
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

// ListAuditLogs handles GET /api/v1/audit-logs. It pages with page and
// limit; passing offset instead of page reads from an arbitrary position.
func (h *APIHandler) ListAuditLogs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultAuditPageSize)
	if err != nil || limit < 1 || limit > maxAuditPageSize {
		jsonError(w, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be between 1 and 1000")
		return
	}

	total, err := h.store.CountAudit(r.Context())
	if err != nil {
		storeError(w, r, "audit_count_failed", err)
		return
	}
	totalPages := (total + limit - 1) / limit

	var entries []*store.AuditEntry
	if r.URL.Query().Has("offset") {
		offset, err := queryInt(r, "offset", 0)
		if err != nil || offset < 0 {
			jsonError(w, http.StatusBadRequest, "VALIDATION_ERROR", "offset must not be negative")
			return
		}
		entries, err = h.store.ListAudit(r.Context(), offset, limit)
		if err != nil {
			storeError(w, r, "audit_list_failed", err)
			return
		}
	} else {
		page, err := queryInt(r, "page", 1)
		if err != nil || page < 1 {
			jsonError(w, http.StatusBadRequest, "VALIDATION_ERROR", "page must be positive")
			return
		}
		entries, totalPages, err = audit.Page(r.Context(), h.store, page, limit)
		if err != nil {
			storeError(w, r, "audit_list_failed", err)
			return
		}
	}

	if entries == nil {
		entries = []*store.AuditEntry{}
	}
	jsonResponse(w, http.StatusOK, AuditPage{Logs: entries, TotalPages: totalPages, Total: total})
}

// AuditTail handles GET /api/v1/audit-logs/tail. An empty chain is 404.
func (h *APIHandler) AuditTail(w http.ResponseWriter, r *http.Request) {
	tail, err := h.store.AuditTail(r.Context())
	if err != nil {
		storeError(w, r, "audit_tail_failed", err)
		return
	}
	jsonResponse(w, http.StatusOK, tail)
}

// AppendAuditLog handles POST /api/v1/audit-logs. The entry must hash to
// its claimed digest and chain from the current tail; a moved tail is 409
// so the client can rebuild the entry and retry.
func (h *APIHandler) AppendAuditLog(w http.ResponseWriter, r *http.Request) {
	var req AppendAuditRequest
	if !h.decode(w, r, &req) {
		return
	}

	entry := &store.AuditEntry{
		Action:       req.Action,
		Details:      req.Details,
		CreatedAt:    req.CreatedAt.UTC(),
		PreviousHash: req.PreviousHash,
		Hash:         req.Hash,
		IPAddress:    req.IPAddress,
		UserAgent:    req.UserAgent,
	}
	if !entry.CreatedAt.Equal(entry.CreatedAt.Truncate(audit.TimePrecision)) {
		jsonError(w, http.StatusBadRequest, "VALIDATION_ERROR", "created_at has sub-microsecond precision")
		return
	}
	// VerifyEntry only accepts canonical details, so the stored bytes are
	// the hashed bytes.
	if err := audit.VerifyEntry(entry); err != nil {
		if errors.Is(err, audit.ErrUnknownAction) || errors.Is(err, audit.ErrInvalidDetails) {
			jsonError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
			return
		}
		jsonError(w, http.StatusBadRequest, "VALIDATION_ERROR", "hash does not match entry contents")
		return
	}

	if entry.IPAddress == "" && entry.UserAgent == "" {
		p := audit.ProvenanceFrom(r.Context())
		entry.IPAddress, entry.UserAgent = p.IPAddress, p.UserAgent
	}

	if err := h.store.AppendAudit(r.Context(), entry); err != nil {
		if errors.Is(err, store.ErrAppendConflict) {
			logging.Logger(r.Context()).Debug("audit_append_conflict", "action", entry.Action, "previous_hash", entry.PreviousHash)
		}
		storeError(w, r, "audit_append_failed", err)
		return
	}

	logging.Logger(r.Context()).Info("audit_entry_appended", "entry_id", entry.ID, "action", entry.Action)
	jsonResponse(w, http.StatusCreated, entry)
}
