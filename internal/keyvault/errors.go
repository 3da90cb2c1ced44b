package keyvault

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/abdul-hamid-achik/attest/internal/session"
	"github.com/abdul-hamid-achik/attest/internal/store"
)

var (
	// ErrKeyGeneration is returned when a keypair or certificate cannot be
	// produced.
	ErrKeyGeneration = errors.New("key generation failed")

	// ErrMasterKeyMissing is returned when no unlocked master key is supplied.
	ErrMasterKeyMissing = session.ErrMasterKeyMissing

	// ErrDecryption is returned when a wrapped blob fails authentication.
	// Callers listing several identities treat it as a per-item failure.
	ErrDecryption = errors.New("decryption failed")

	// ErrIdentityNotFound is returned for an unknown or deleted identity.
	ErrIdentityNotFound = errors.New("identity not found")

	// ErrRevokedIdentity is returned when a revoked identity is asked to
	// sign.
	ErrRevokedIdentity = errors.New("identity is revoked")

	// ErrInvalidInput is returned when a name or owner id fails validation.
	ErrInvalidInput = errors.New("invalid input")
)

// OpError records the operation and identity an error occurred on.
type OpError struct {
	Op         string
	IdentityID uuid.UUID
	Err        error
}

func (e *OpError) Error() string {
	if e.IdentityID == uuid.Nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.IdentityID, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// mapStoreError translates store-level sentinel errors to vault-level errors.
func mapStoreError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return ErrIdentityNotFound
	}
	return err
}
