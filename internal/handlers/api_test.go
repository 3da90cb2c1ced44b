package handlers

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/abdul-hamid-achik/attest/internal/audit"
	"github.com/abdul-hamid-achik/attest/internal/config"
	"github.com/abdul-hamid-achik/attest/internal/store"
)

const testToken = "test-token"

type testServer struct {
	*httptest.Server
	store *store.BoltStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s, err := store.NewBoltStore(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cfg := &config.Config{
		Env: "development",
		Server: config.ServerConfig{
			RequestTimeout:     5 * time.Second,
			MaxRequestBodySize: 1 << 20,
		},
		RateLimit: config.RateLimitConfig{Requests: 10000, Window: time.Minute},
		Auth:      config.AuthConfig{Token: testToken},
	}
	router := NewRouter(&Dependencies{
		Config: cfg,
		Store:  s,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, store: s}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+path, r)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "handlers-test")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func decodeData(t *testing.T, body []byte, dst any) {
	t.Helper()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("Failed to decode response: %v (%s)", err, body)
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		t.Fatalf("Failed to decode data: %v (%s)", err, env.Data)
	}
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var resp apiError
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("Failed to decode error: %v (%s)", err, body)
	}
	return resp.Error.Code
}

func newIdentityRequest(t *testing.T) CreateIdentityRequest {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test"},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	return CreateIdentityRequest{
		ID:                  uuid.New(),
		EncryptedName:       []byte("sealed-name"),
		OwnerID:             "owner-1",
		Certificate:         der,
		PublicKey:           pub,
		EncryptedPrivateKey: []byte("sealed-key"),
		CreatedAt:           time.Now().UTC().Truncate(time.Microsecond),
	}
}

func newAuditEntry(t *testing.T, prev string, n int) *AppendAuditRequest {
	t.Helper()
	details, err := json.Marshal(audit.KeyRevokedDetails{IdentityID: fmt.Sprintf("id-%d", n)})
	if err != nil {
		t.Fatalf("marshal details: %v", err)
	}
	e := &store.AuditEntry{
		Action:       string(audit.ActionKeyRevoked),
		Details:      details,
		CreatedAt:    time.Now().UTC().Truncate(audit.TimePrecision),
		PreviousHash: prev,
	}
	if e.Hash, err = audit.Hash(e); err != nil {
		t.Fatalf("Hash: %v", err)
	}
	return &AppendAuditRequest{
		Action:       e.Action,
		Details:      e.Details,
		CreatedAt:    e.CreatedAt,
		PreviousHash: e.PreviousHash,
		Hash:         e.Hash,
	}
}

func TestJSONResponse(t *testing.T) {
	w := httptest.NewRecorder()

	data := map[string]string{"message": "hello"}
	jsonResponse(w, http.StatusOK, data)

	if w.Code != http.StatusOK {
		t.Errorf("jsonResponse() status = %d, want %d", w.Code, http.StatusOK)
	}
	if contentType := w.Header().Get("Content-Type"); contentType != "application/json" {
		t.Errorf("jsonResponse() content-type = %s, want application/json", contentType)
	}

	var got map[string]string
	decodeData(t, w.Body.Bytes(), &got)
	if got["message"] != "hello" {
		t.Errorf("jsonResponse() data.message = %v, want hello", got["message"])
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range []string{"/health", "/ready"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		var body HealthResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d, want %d", path, resp.StatusCode, http.StatusOK)
		}
		if body.Status != "healthy" {
			t.Errorf("GET %s status = %s, want healthy", path, body.Status)
		}
	}
}

func TestRouter_RequiresToken(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/identities")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
}

func TestRouter_NotFound(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/api/v1/nothing-here", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
	if code := errorCode(t, body); code != "NOT_FOUND" {
		t.Errorf("code = %s, want NOT_FOUND", code)
	}
}

func TestIdentities_Lifecycle(t *testing.T) {
	ts := newTestServer(t)
	req := newIdentityRequest(t)
	path := "/api/v1/identities/" + req.ID.String()

	resp, body := ts.do(t, http.MethodPost, "/api/v1/identities", req)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d (%s)", resp.StatusCode, http.StatusCreated, body)
	}

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/identities", req)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate create status = %d, want %d", resp.StatusCode, http.StatusConflict)
	}

	resp, body = ts.do(t, http.MethodGet, path, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var got store.Identity
	decodeData(t, body, &got)
	if !bytes.Equal(got.Certificate, req.Certificate) || got.OwnerID != req.OwnerID {
		t.Errorf("get returned %+v", got)
	}

	_, body = ts.do(t, http.MethodGet, "/api/v1/identities", nil)
	var list []*store.Identity
	decodeData(t, body, &list)
	if len(list) != 1 {
		t.Errorf("list returned %d identities, want 1", len(list))
	}

	revokedAt := time.Now().UTC().Truncate(time.Microsecond)
	resp, body = ts.do(t, http.MethodPut, path, UpdateIdentityRequest{
		EncryptedName:       []byte("resealed-name"),
		EncryptedPrivateKey: []byte("resealed-key"),
		RevokedAt:           &revokedAt,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d, want %d (%s)", resp.StatusCode, http.StatusOK, body)
	}
	decodeData(t, body, &got)
	if !got.Revoked() || string(got.EncryptedName) != "resealed-name" {
		t.Errorf("update returned %+v", got)
	}
	if !bytes.Equal(got.Certificate, req.Certificate) {
		t.Error("update changed the certificate")
	}

	resp, body = ts.do(t, http.MethodPut, path, UpdateIdentityRequest{
		EncryptedName:       []byte("resealed-name"),
		EncryptedPrivateKey: []byte("resealed-key"),
	})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("unrevoke status = %d, want %d", resp.StatusCode, http.StatusConflict)
	}
	if code := errorCode(t, body); code != "CONFLICT" {
		t.Errorf("unrevoke code = %s, want CONFLICT", code)
	}

	resp, _ = ts.do(t, http.MethodDelete, path, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}
	resp, _ = ts.do(t, http.MethodGet, path, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
	resp, _ = ts.do(t, http.MethodDelete, path, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}
}

func TestIdentities_Validation(t *testing.T) {
	ts := newTestServer(t)
	other := newIdentityRequest(t)

	tests := []struct {
		name   string
		mutate func(r *CreateIdentityRequest)
	}{
		{"missing id", func(r *CreateIdentityRequest) { r.ID = uuid.Nil }},
		{"missing name", func(r *CreateIdentityRequest) { r.EncryptedName = nil }},
		{"bad owner", func(r *CreateIdentityRequest) { r.OwnerID = "owner with spaces" }},
		{"garbage certificate", func(r *CreateIdentityRequest) { r.Certificate = []byte("not a cert") }},
		{"public key mismatch", func(r *CreateIdentityRequest) { r.PublicKey = other.PublicKey }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := newIdentityRequest(t)
			tt.mutate(&req)

			resp, body := ts.do(t, http.MethodPost, "/api/v1/identities", req)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d (%s)", resp.StatusCode, http.StatusBadRequest, body)
			}
			if code := errorCode(t, body); code != "VALIDATION_ERROR" {
				t.Errorf("code = %s, want VALIDATION_ERROR", code)
			}
		})
	}
}

func TestIdentities_UnknownFieldRejected(t *testing.T) {
	ts := newTestServer(t)
	id := uuid.New()

	resp, _ := ts.do(t, http.MethodPut, "/api/v1/identities/"+id.String(), map[string]any{
		"encrypted_name":        []byte("n"),
		"encrypted_private_key": []byte("k"),
		"certificate":           []byte("swap"),
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestIdentities_InvalidID(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/api/v1/identities/not-a-uuid", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
	if code := errorCode(t, body); code != "VALIDATION_ERROR" {
		t.Errorf("code = %s, want VALIDATION_ERROR", code)
	}
}

func TestSignatures(t *testing.T) {
	ts := newTestServer(t)

	req := CreateSignatureRequest{
		ID:                     ulid.Make().String(),
		FileID:                 "contract.pdf",
		KeyID:                  uuid.New(),
		DocumentHash:           fmt.Sprintf("%064x", 1),
		Reason:                 "approval",
		SignatureBytes:         []byte{0x30, 0x44},
		CertificateFingerprint: fmt.Sprintf("%064x", 2),
		AuditEntryID:           7,
		CreatedAt:              time.Now().UTC(),
	}

	resp, body := ts.do(t, http.MethodPost, "/api/v1/signatures", req)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d (%s)", resp.StatusCode, http.StatusCreated, body)
	}
	resp, _ = ts.do(t, http.MethodPost, "/api/v1/signatures", req)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate status = %d, want %d", resp.StatusCode, http.StatusConflict)
	}

	resp, body = ts.do(t, http.MethodGet, "/api/v1/signatures/"+req.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var got store.Signature
	decodeData(t, body, &got)
	if got.AuditEntryID != 7 || got.FileID != "contract.pdf" {
		t.Errorf("get returned %+v", got)
	}

	_, body = ts.do(t, http.MethodGet, "/api/v1/signatures", nil)
	var list []*store.Signature
	decodeData(t, body, &list)
	if len(list) != 1 {
		t.Errorf("list returned %d records, want 1", len(list))
	}

	resp, _ = ts.do(t, http.MethodGet, "/api/v1/signatures/"+ulid.Make().String(), nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}

	bad := req
	bad.ID = "not-a-ulid-but-26-chars!!!"
	resp, _ = ts.do(t, http.MethodPost, "/api/v1/signatures", bad)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad id status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestAuditLogs_AppendAndPage(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.do(t, http.MethodGet, "/api/v1/audit-logs/tail", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("tail of empty chain status = %d, want %d", resp.StatusCode, http.StatusNotFound)
	}

	prev := store.GenesisHash
	for i := 0; i < 5; i++ {
		req := newAuditEntry(t, prev, i)
		resp, body := ts.do(t, http.MethodPost, "/api/v1/audit-logs", req)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("append %d status = %d, want %d (%s)", i, resp.StatusCode, http.StatusCreated, body)
		}
		var entry store.AuditEntry
		decodeData(t, body, &entry)
		if entry.ID == 0 {
			t.Errorf("append %d returned no id", i)
		}
		if entry.UserAgent != "handlers-test" {
			t.Errorf("append %d user agent = %q, want handlers-test", i, entry.UserAgent)
		}
		prev = req.Hash
	}

	resp, body := ts.do(t, http.MethodGet, "/api/v1/audit-logs/tail", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("tail status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var tail store.AuditEntry
	decodeData(t, body, &tail)
	if tail.Hash != prev {
		t.Errorf("tail hash = %s, want %s", tail.Hash, prev)
	}

	_, body = ts.do(t, http.MethodGet, "/api/v1/audit-logs?page=2&limit=2", nil)
	var page AuditPage
	decodeData(t, body, &page)
	if page.TotalPages != 3 || page.Total != 5 || len(page.Logs) != 2 {
		t.Errorf("page = %d logs, %d pages, %d total; want 2, 3, 5", len(page.Logs), page.TotalPages, page.Total)
	}

	_, body = ts.do(t, http.MethodGet, "/api/v1/audit-logs?offset=3&limit=10", nil)
	decodeData(t, body, &page)
	if len(page.Logs) != 2 {
		t.Errorf("offset read returned %d logs, want 2", len(page.Logs))
	}

	_, body = ts.do(t, http.MethodGet, "/api/v1/audit-logs?limit=1000", nil)
	decodeData(t, body, &page)
	if err := audit.VerifyChain(page.Logs); err != nil {
		t.Errorf("served chain does not verify: %v", err)
	}
}

func TestAuditLogs_Conflict(t *testing.T) {
	ts := newTestServer(t)

	first := newAuditEntry(t, store.GenesisHash, 0)
	if resp, body := ts.do(t, http.MethodPost, "/api/v1/audit-logs", first); resp.StatusCode != http.StatusCreated {
		t.Fatalf("append status = %d (%s)", resp.StatusCode, body)
	}

	// A second writer that still believes the chain is empty.
	stale := newAuditEntry(t, store.GenesisHash, 1)
	resp, body := ts.do(t, http.MethodPost, "/api/v1/audit-logs", stale)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("stale append status = %d, want %d", resp.StatusCode, http.StatusConflict)
	}
	if code := errorCode(t, body); code != "CONFLICT" {
		t.Errorf("code = %s, want CONFLICT", code)
	}
}

func TestAuditLogs_Rejected(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		mutate func(r *AppendAuditRequest)
	}{
		{"hash mismatch", func(r *AppendAuditRequest) { r.Hash = fmt.Sprintf("%064x", 9) }},
		{"details altered", func(r *AppendAuditRequest) { r.Details = json.RawMessage(`{"identity_id":"other"}`) }},
		{"duplicate details key", func(r *AppendAuditRequest) { r.Details = json.RawMessage(`{"identity_id":"other","identity_id":"id-0"}`) }},
		{"case variant details key", func(r *AppendAuditRequest) { r.Details = json.RawMessage(`{"IDENTITY_ID":"id-0"}`) }},
		{"unknown action", func(r *AppendAuditRequest) { r.Action = "KEY_STOLEN" }},
		{"sub-microsecond time", func(r *AppendAuditRequest) { r.CreatedAt = r.CreatedAt.Add(1) }},
		{"short previous hash", func(r *AppendAuditRequest) { r.PreviousHash = "00" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := newAuditEntry(t, store.GenesisHash, 0)
			tt.mutate(req)

			resp, body := ts.do(t, http.MethodPost, "/api/v1/audit-logs", req)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d (%s)", resp.StatusCode, http.StatusBadRequest, body)
			}
		})
	}

	n, err := ts.store.CountAudit(t.Context())
	if err != nil {
		t.Fatalf("CountAudit: %v", err)
	}
	if n != 0 {
		t.Errorf("rejected appends stored %d entries", n)
	}
}

func TestAuditLogs_InvalidPaging(t *testing.T) {
	ts := newTestServer(t)

	for _, q := range []string{"?page=0", "?limit=0", "?limit=1001", "?offset=-1", "?page=abc"} {
		resp, _ := ts.do(t, http.MethodGet, "/api/v1/audit-logs"+q, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("GET audit-logs%s status = %d, want %d", q, resp.StatusCode, http.StatusBadRequest)
		}
	}
}
