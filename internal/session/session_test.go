package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/abdul-hamid-achik/attest/internal/crypto"
	"github.com/abdul-hamid-achik/attest/internal/store"
)

func newTestMeta(t *testing.T) *store.BoltStore {
	t.Helper()
	s, err := store.NewBoltStore(filepath.Join(t.TempDir(), "vault.db"))
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func rawKey(t *testing.T, m *MasterKey) []byte {
	t.Helper()
	var out []byte
	if err := m.Use(func(key []byte) error {
		out = append([]byte(nil), key...)
		return nil
	}); err != nil {
		t.Fatalf("Use: %v", err)
	}
	return out
}

func TestMasterKey_UseAndLock(t *testing.T) {
	raw, _ := crypto.GenerateKey()
	m, err := NewMasterKey(raw)
	if err != nil {
		t.Fatalf("NewMasterKey: %v", err)
	}

	if !m.Unlocked() {
		t.Fatal("expected unlocked key")
	}
	if got := rawKey(t, m); string(got) != string(raw) {
		t.Error("Use() exposed a different key")
	}

	m.Lock()
	if m.Unlocked() {
		t.Error("expected locked key after Lock()")
	}
	if err := m.Use(func([]byte) error { return nil }); !errors.Is(err, ErrMasterKeyMissing) {
		t.Errorf("Use() after Lock error = %v, want %v", err, ErrMasterKeyMissing)
	}

	// Lock is idempotent.
	m.Lock()
}

func TestMasterKey_Nil(t *testing.T) {
	var m *MasterKey
	if m.Unlocked() {
		t.Error("nil key reported unlocked")
	}
	if err := m.Use(func([]byte) error { return nil }); !errors.Is(err, ErrMasterKeyMissing) {
		t.Errorf("nil Use() error = %v, want %v", err, ErrMasterKeyMissing)
	}
}

func TestMasterKey_InvalidSize(t *testing.T) {
	if _, err := NewMasterKey(make([]byte, 16)); !errors.Is(err, crypto.ErrInvalidKeySize) {
		t.Errorf("NewMasterKey(16) error = %v, want %v", err, crypto.ErrInvalidKeySize)
	}
}

func TestMasterKey_ConcurrentUse(t *testing.T) {
	raw, _ := crypto.GenerateKey()
	m, _ := NewMasterKey(raw)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Use(func(key []byte) error {
				if len(key) != crypto.KeySize {
					t.Errorf("key length = %d", len(key))
				}
				return nil
			})
		}()
	}
	wg.Wait()
}

func TestInitializeUnlock(t *testing.T) {
	ctx := context.Background()
	meta := newTestMeta(t)

	if _, err := Unlock(ctx, meta, "pw"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Unlock before init error = %v, want %v", err, ErrNotInitialized)
	}

	created, err := Initialize(ctx, meta, "correct horse")
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if _, err := Initialize(ctx, meta, "again"); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("second Initialize error = %v, want %v", err, ErrAlreadyInitialized)
	}

	unlocked, err := Unlock(ctx, meta, "correct horse")
	if err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if string(rawKey(t, created)) != string(rawKey(t, unlocked)) {
		t.Error("Unlock derived a different key than Initialize")
	}

	if _, err := Unlock(ctx, meta, "wrong"); !errors.Is(err, ErrWrongPassphrase) {
		t.Errorf("Unlock wrong passphrase error = %v, want %v", err, ErrWrongPassphrase)
	}
}

func TestRotate(t *testing.T) {
	ctx := context.Background()
	meta := newTestMeta(t)

	original, err := Initialize(ctx, meta, "old-pass")
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	blob, err := crypto.Encrypt(rawKey(t, original), []byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	var rewrapped []byte
	newKey, err := Rotate(ctx, meta, "old-pass", "new-pass", func(oldKey, newKey *MasterKey) error {
		return oldKey.Use(func(o []byte) error {
			plain, err := crypto.Decrypt(o, blob)
			if err != nil {
				return err
			}
			return newKey.Use(func(n []byte) error {
				rewrapped, err = crypto.Encrypt(n, plain)
				return err
			})
		})
	})
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	if _, err := Unlock(ctx, meta, "old-pass"); !errors.Is(err, ErrWrongPassphrase) {
		t.Errorf("old passphrase still unlocks: %v", err)
	}
	again, err := Unlock(ctx, meta, "new-pass")
	if err != nil {
		t.Fatalf("Unlock new passphrase: %v", err)
	}
	if string(rawKey(t, again)) != string(rawKey(t, newKey)) {
		t.Error("rotated key does not match unlocked key")
	}

	plain, err := crypto.Decrypt(rawKey(t, newKey), rewrapped)
	if err != nil || string(plain) != "payload" {
		t.Errorf("rewrapped blob = %q, %v", plain, err)
	}
}

func TestRotate_RewrapFailureKeepsMeta(t *testing.T) {
	ctx := context.Background()
	meta := newTestMeta(t)

	if _, err := Initialize(ctx, meta, "old-pass"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	boom := errors.New("boom")
	if _, err := Rotate(ctx, meta, "old-pass", "new-pass", func(_, _ *MasterKey) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("Rotate error = %v, want %v", err, boom)
	}
	if _, err := Unlock(ctx, meta, "old-pass"); err != nil {
		t.Errorf("old passphrase no longer works after failed rotation: %v", err)
	}

	if _, err := Rotate(ctx, meta, "wrong", "new-pass", nil); !errors.Is(err, ErrWrongPassphrase) {
		t.Errorf("Rotate wrong passphrase error = %v, want %v", err, ErrWrongPassphrase)
	}
}
