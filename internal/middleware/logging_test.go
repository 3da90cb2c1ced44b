package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/abdul-hamid-achik/attest/internal/audit"
	"github.com/abdul-hamid-achik/attest/internal/logging"
)

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	var seenID string
	handler := chimiddleware.RequestID(Logging(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID = logging.GetRequestID(r.Context())
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("hello"))
	})))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/identities", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if seenID == "" {
		t.Fatal("request id not propagated to handler context")
	}
	if got := w.Header().Get("X-Request-ID"); got != seenID {
		t.Errorf("X-Request-ID = %s, want %s", got, seenID)
	}

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if line["status"] != float64(http.StatusCreated) {
		t.Errorf("logged status = %v, want %d", line["status"], http.StatusCreated)
	}
	if line["size"] != float64(5) {
		t.Errorf("logged size = %v, want 5", line["size"])
	}
	if line["request_id"] != seenID {
		t.Errorf("logged request_id = %v, want %s", line["request_id"], seenID)
	}
}

func TestRecovery(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	handler := Recovery(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/audit-logs", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if !strings.Contains(buf.String(), "panic recovered") {
		t.Errorf("panic not logged: %s", buf.String())
	}
}

func TestProvenance(t *testing.T) {
	var got audit.Provenance
	handler := Provenance()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = audit.ProvenanceFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/signatures", nil)
	req.RemoteAddr = "198.51.100.4:40000"
	req.Header.Set("User-Agent", "attest-cli/1.0")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if got.IPAddress != "198.51.100.4" {
		t.Errorf("IPAddress = %q, want 198.51.100.4", got.IPAddress)
	}
	if got.UserAgent != "attest-cli/1.0" {
		t.Errorf("UserAgent = %q, want attest-cli/1.0", got.UserAgent)
	}
}

func TestMetrics_PassesStatusThrough(t *testing.T) {
	handler := Metrics()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Errorf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
}
