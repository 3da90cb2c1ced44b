package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/abdul-hamid-achik/attest/internal/crypto"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Storage.Driver != DriverBolt {
		t.Errorf("Storage.Driver = %q, want %q", cfg.Storage.Driver, DriverBolt)
	}
	if cfg.Suite != crypto.SuiteAESGCM {
		t.Errorf("Suite = %v, want %v", cfg.Suite, crypto.SuiteAESGCM)
	}
	if cfg.Audit.MaxAttempts != 8 {
		t.Errorf("Audit.MaxAttempts = %d, want 8", cfg.Audit.MaxAttempts)
	}
	if cfg.Audit.VerifyInterval != 15*time.Minute {
		t.Errorf("Audit.VerifyInterval = %v, want 15m", cfg.Audit.VerifyInterval)
	}
	if cfg.ServerAddr() != "0.0.0.0:8080" {
		t.Errorf("ServerAddr() = %q", cfg.ServerAddr())
	}
	if !cfg.IsDevelopment() {
		t.Error("expected development environment by default")
	}
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("ATTEST_SERVER_PORT", "9090")
	t.Setenv("ATTEST_CRYPTO_SUITE", "xchacha20")
	t.Setenv("ATTEST_TSA_TIMEOUT", "3s")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Suite != crypto.SuiteXChaCha20 {
		t.Errorf("Suite = %v, want xchacha20", cfg.Suite)
	}
	if cfg.TSA.Timeout != 3*time.Second {
		t.Errorf("TSA.Timeout = %v, want 3s", cfg.TSA.Timeout)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte("signing:\n  issuer: Acme Corp\ntsa:\n  url: http://tsa.example\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Signing.Issuer != "Acme Corp" {
		t.Errorf("Signing.Issuer = %q", cfg.Signing.Issuer)
	}
	if cfg.TSA.URL != "http://tsa.example" {
		t.Errorf("TSA.URL = %q", cfg.TSA.URL)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown_suite", map[string]string{"ATTEST_CRYPTO_SUITE": "rot13"}},
		{"postgres_without_url", map[string]string{"ATTEST_STORAGE_DRIVER": "postgres"}},
		{"unknown_driver", map[string]string{"ATTEST_STORAGE_DRIVER": "mongo"}},
		{"sqlite_audit_without_path", map[string]string{"ATTEST_AUDIT_DRIVER": "sqlite"}},
		{"production_without_token", map[string]string{"ATTEST_ENV": "production"}},
		{"zero_attempts", map[string]string{"ATTEST_AUDIT_MAX_ATTEMPTS": "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(""); err == nil {
				t.Error("Load() expected error, got nil")
			}
		})
	}
}
