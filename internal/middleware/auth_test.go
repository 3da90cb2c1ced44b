package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestBearerAuth(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantMsg    string
	}{
		{"missing header", "", http.StatusUnauthorized, "Missing authorization header"},
		{"wrong scheme", "Basic dXNlcjpwYXNz", http.StatusUnauthorized, "Invalid authorization header format"},
		{"no token", "Bearer", http.StatusUnauthorized, "Invalid authorization header format"},
		{"wrong token", "Bearer nope", http.StatusUnauthorized, "Invalid token"},
		{"valid token", "Bearer s3cret", http.StatusOK, ""},
		{"scheme is case insensitive", "bearer s3cret", http.StatusOK, ""},
	}

	handler := BearerAuth("s3cret")(okHandler())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/identities", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantMsg == "" {
				return
			}

			var resp apiError
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if resp.Error.Code != "UNAUTHORIZED" {
				t.Errorf("error code = %s, want UNAUTHORIZED", resp.Error.Code)
			}
			if resp.Error.Message != tt.wantMsg {
				t.Errorf("error message = %q, want %q", resp.Error.Message, tt.wantMsg)
			}
		})
	}
}

func TestBearerAuth_EmptyTokenDisablesCheck(t *testing.T) {
	handler := BearerAuth("")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/identities", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestJSONError(t *testing.T) {
	w := httptest.NewRecorder()
	jsonError(w, http.StatusTeapot, "TEAPOT", "short and stout")

	if w.Code != http.StatusTeapot {
		t.Errorf("status = %d, want %d", w.Code, http.StatusTeapot)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %s, want application/json", ct)
	}

	var resp apiError
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Error.Code != "TEAPOT" || resp.Error.Message != "short and stout" {
		t.Errorf("error = %+v", resp.Error)
	}
}
