package keyvault

import (
	"context"
	"errors"
	"fmt"

	"github.com/abdul-hamid-achik/attest/internal/crypto"
	"github.com/abdul-hamid-achik/attest/internal/logging"
	"github.com/abdul-hamid-achik/attest/internal/session"
	"github.com/abdul-hamid-achik/attest/internal/store"
)

// Rewrap re-seals every identity's name and private key from oldKey to
// newKey and returns the number of identities moved. Every blob is opened
// before anything is written, so an identity that fails to decrypt aborts
// the rotation with the store untouched.
func (v *Vault) Rewrap(ctx context.Context, oldKey, newKey *session.MasterKey) (int, error) {
	const op = "rewrap identities"

	if !oldKey.Unlocked() || !newKey.Unlocked() {
		return 0, &OpError{Op: op, Err: ErrMasterKeyMissing}
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	identities, err := v.store.ListIdentities(ctx)
	if err != nil {
		return 0, &OpError{Op: op, Err: mapStoreError(err)}
	}

	updated := make([]*store.Identity, 0, len(identities))
	for _, identity := range identities {
		next, err := v.rewrapOne(identity, oldKey, newKey)
		if err != nil {
			return 0, err
		}
		updated = append(updated, next)
	}

	for i, identity := range updated {
		if err := v.storeRewrapped(ctx, identity); err != nil {
			logging.Logger(ctx).Error("rewrap_partial", "updated", i, "total", len(updated), "identity_id", identity.ID)
			return i, &OpError{Op: op, IdentityID: identity.ID, Err: mapStoreError(err)}
		}
	}
	return len(updated), nil
}

// storeRewrapped writes one rewrapped identity. A revocation made by
// another client since the list was read wins: the blobs are written again
// under the stored revocation time.
func (v *Vault) storeRewrapped(ctx context.Context, identity *store.Identity) error {
	err := v.store.UpdateIdentity(ctx, identity)
	if !errors.Is(err, store.ErrRevocationFinal) {
		return err
	}
	current, err := v.store.GetIdentity(ctx, identity.ID)
	if err != nil {
		return err
	}
	identity.RevokedAt = current.RevokedAt
	return v.store.UpdateIdentity(ctx, identity)
}

func (v *Vault) rewrapOne(identity *store.Identity, oldKey, newKey *session.MasterKey) (*store.Identity, error) {
	const op = "rewrap identity"

	name, err := open(oldKey, identity.EncryptedName, nameAD(identity.ID))
	if err != nil {
		return nil, &OpError{Op: op, IdentityID: identity.ID, Err: err}
	}
	pkcs8, err := open(oldKey, identity.EncryptedPrivateKey, keyAD(identity.ID))
	if err != nil {
		return nil, &OpError{Op: op, IdentityID: identity.ID, Err: err}
	}
	defer crypto.ZeroBytes(pkcs8)

	next := *identity
	err = newKey.Use(func(key []byte) error {
		var sealErr error
		if next.EncryptedName, sealErr = v.seal(key, name, nameAD(identity.ID)); sealErr != nil {
			return sealErr
		}
		next.EncryptedPrivateKey, sealErr = v.seal(key, pkcs8, keyAD(identity.ID))
		return sealErr
	})
	if err != nil {
		return nil, &OpError{Op: op, IdentityID: identity.ID, Err: fmt.Errorf("reseal: %w", err)}
	}
	return &next, nil
}
