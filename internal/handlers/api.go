package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/abdul-hamid-achik/attest/internal/logging"
	"github.com/abdul-hamid-achik/attest/internal/store"
)

// Backend is the storage the API serves. store.BoltStore and
// store.PostgresStore implement it.
type Backend interface {
	store.IdentityStore
	store.SignatureStore
	store.AuditStore
}

// APIHandler handles REST API endpoints.
type APIHandler struct {
	store              Backend
	validate           *validator.Validate
	maxRequestBodySize int64
}

// NewAPIHandler creates a new APIHandler.
func NewAPIHandler(s Backend, maxRequestBodySize int64) *APIHandler {
	if maxRequestBodySize <= 0 {
		maxRequestBodySize = 1 << 20
	}
	return &APIHandler{
		store:              s,
		validate:           validator.New(validator.WithRequiredStructEnabled()),
		maxRequestBodySize: maxRequestBodySize,
	}
}

// Response helpers

type apiResponse struct {
	Data any            `json:"data,omitempty"`
	Meta map[string]any `json:"meta,omitempty"`
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Meta map[string]any `json:"meta,omitempty"`
}

func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Data: data})
}

func jsonError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := apiError{}
	resp.Error.Code = code
	resp.Error.Message = message
	json.NewEncoder(w).Encode(resp)
}

// decode reads a JSON body into dst and runs struct validation. It writes
// the error response itself and reports whether the handler may continue.
func (h *APIHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, h.maxRequestBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		jsonError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		jsonError(w, http.StatusBadRequest, "VALIDATION_ERROR", validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}

// storeError maps store sentinels to API errors. Anything unrecognised is
// logged and reported as an internal error.
func storeError(w http.ResponseWriter, r *http.Request, event string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		jsonError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, store.ErrDuplicateID):
		jsonError(w, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, store.ErrAppendConflict), errors.Is(err, store.ErrRevocationFinal):
		jsonError(w, http.StatusConflict, "CONFLICT", err.Error())
	default:
		logging.Logger(r.Context()).Error(event, "error", err)
		jsonError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
	}
}
