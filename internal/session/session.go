// Package session owns the master key that wraps identity blobs. The key
// is an explicit object handed to every vault and signing call; nothing
// in attest reads it from global state.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/abdul-hamid-achik/attest/internal/crypto"
	"github.com/abdul-hamid-achik/attest/internal/store"
)

const (
	metaVersion = 1
	verifyText  = "attest-verify-v1"
)

var (
	// ErrMasterKeyMissing is returned when an operation needs the master key
	// and the session is locked or was never unlocked.
	ErrMasterKeyMissing = errors.New("master key missing: session is locked")

	// ErrWrongPassphrase is returned when the passphrase does not match.
	ErrWrongPassphrase = errors.New("wrong passphrase")

	// ErrNotInitialized is returned when no vault metadata exists.
	ErrNotInitialized = errors.New("vault not initialized")

	// ErrAlreadyInitialized is returned by Initialize on an existing vault.
	ErrAlreadyInitialized = errors.New("vault already initialized")
)

// MasterKey is a session-scoped symmetric secret. Concurrent Use calls
// share a read lock; Lock waits for them and then zeroes the key.
type MasterKey struct {
	mu  sync.RWMutex
	key []byte
}

// NewMasterKey wraps a copy of raw, which must be crypto.KeySize bytes.
func NewMasterKey(raw []byte) (*MasterKey, error) {
	if len(raw) != crypto.KeySize {
		return nil, crypto.ErrInvalidKeySize
	}
	key := make([]byte, len(raw))
	copy(key, raw)
	return &MasterKey{key: key}, nil
}

// Use calls fn with the raw key under a read lock. fn must not retain the
// slice. A nil or locked MasterKey yields ErrMasterKeyMissing.
func (m *MasterKey) Use(fn func(key []byte) error) error {
	if m == nil {
		return ErrMasterKeyMissing
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.key == nil {
		return ErrMasterKeyMissing
	}
	return fn(m.key)
}

// Unlocked reports whether the key is still available.
func (m *MasterKey) Unlocked() bool {
	if m == nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.key != nil
}

// Lock zeroes the key. Subsequent Use calls fail.
func (m *MasterKey) Lock() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.key != nil {
		crypto.ZeroBytes(m.key)
		m.key = nil
	}
}

// Initialize creates vault metadata for passphrase and returns the
// unlocked master key.
func Initialize(ctx context.Context, meta store.MetaStore, passphrase string) (*MasterKey, error) {
	if _, err := meta.GetMeta(ctx); err == nil {
		return nil, ErrAlreadyInitialized
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("get meta: %w", err)
	}

	salt, key, verifier, err := derive(passphrase)
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(key)

	m := &store.VaultMeta{
		Version:   metaVersion,
		Salt:      salt,
		Verifier:  verifier,
		CreatedAt: time.Now().UTC(),
		VaultID:   uuid.New().String(),
	}
	if err := meta.SetMeta(ctx, m); err != nil {
		return nil, fmt.Errorf("set meta: %w", err)
	}
	return NewMasterKey(key)
}

// Unlock derives the master key from passphrase and checks it against the
// stored verifier.
func Unlock(ctx context.Context, meta store.MetaStore, passphrase string) (*MasterKey, error) {
	m, err := meta.GetMeta(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotInitialized
	}
	if err != nil {
		return nil, fmt.Errorf("get meta: %w", err)
	}

	key, err := verify(m, passphrase)
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(key)
	return NewMasterKey(key)
}

// Rotate verifies oldPassphrase, derives a key for newPassphrase, and calls
// rewrap so the caller can move every wrapped blob to the new key. The
// metadata is replaced only after rewrap succeeds. The returned key is the
// new, unlocked master key; the old one is locked before returning.
func Rotate(ctx context.Context, meta store.MetaStore, oldPassphrase, newPassphrase string,
	rewrap func(oldKey, newKey *MasterKey) error) (*MasterKey, error) {
	m, err := meta.GetMeta(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotInitialized
	}
	if err != nil {
		return nil, fmt.Errorf("get meta: %w", err)
	}

	oldRaw, err := verify(m, oldPassphrase)
	if err != nil {
		return nil, err
	}
	oldKey, err := NewMasterKey(oldRaw)
	crypto.ZeroBytes(oldRaw)
	if err != nil {
		return nil, err
	}
	defer oldKey.Lock()

	salt, newRaw, verifier, err := derive(newPassphrase)
	if err != nil {
		return nil, err
	}
	newKey, err := NewMasterKey(newRaw)
	crypto.ZeroBytes(newRaw)
	if err != nil {
		return nil, err
	}

	if rewrap != nil {
		if err := rewrap(oldKey, newKey); err != nil {
			newKey.Lock()
			return nil, fmt.Errorf("rewrap: %w", err)
		}
	}

	m.Salt = salt
	m.Verifier = verifier
	if err := meta.SetMeta(ctx, m); err != nil {
		newKey.Lock()
		return nil, fmt.Errorf("update meta: %w", err)
	}
	return newKey, nil
}

func derive(passphrase string) (salt, key, verifier []byte, err error) {
	salt, err = crypto.GenerateSalt()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("generate salt: %w", err)
	}
	key, err = crypto.DeriveKey([]byte(passphrase), salt)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("derive key: %w", err)
	}
	verifier, err = crypto.Encrypt(key, []byte(verifyText))
	if err != nil {
		crypto.ZeroBytes(key)
		return nil, nil, nil, fmt.Errorf("create verifier: %w", err)
	}
	return salt, key, verifier, nil
}

func verify(m *store.VaultMeta, passphrase string) ([]byte, error) {
	key, err := crypto.DeriveKey([]byte(passphrase), m.Salt)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	plaintext, err := crypto.Decrypt(key, m.Verifier)
	if err != nil || string(plaintext) != verifyText {
		crypto.ZeroBytes(key)
		return nil, ErrWrongPassphrase
	}
	return key, nil
}
