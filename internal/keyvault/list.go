package keyvault

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/abdul-hamid-achik/attest/internal/session"
	"github.com/abdul-hamid-achik/attest/internal/store"
)

// IdentityView is an identity with its decrypted name. Err is set instead
// of Name when the name cannot be decrypted; one bad blob does not hide
// the rest of a listing.
type IdentityView struct {
	*store.Identity
	Name string
	Err  error
}

// Available reports whether the identity may be offered for signing.
func (iv IdentityView) Available() bool {
	return iv.Err == nil && !iv.Revoked()
}

// List returns every stored identity with its name decrypted under mk.
// Names are decrypted in parallel. A missing master key fails the whole
// call; decryption failures are reported per item.
func (v *Vault) List(ctx context.Context, mk *session.MasterKey) ([]IdentityView, error) {
	if !mk.Unlocked() {
		return nil, &OpError{Op: "list identities", Err: ErrMasterKeyMissing}
	}

	identities, err := v.store.ListIdentities(ctx)
	if err != nil {
		return nil, &OpError{Op: "list identities", Err: mapStoreError(err)}
	}

	views := make([]IdentityView, len(identities))
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, identity := range identities {
		g.Go(func() error {
			name, err := DecryptName(identity, mk)
			views[i] = IdentityView{Identity: identity, Name: name, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	return views, nil
}

// AvailableForSigning returns the identities that are not revoked and
// whose names decrypt.
func (v *Vault) AvailableForSigning(ctx context.Context, mk *session.MasterKey) ([]IdentityView, error) {
	views, err := v.List(ctx, mk)
	if err != nil {
		return nil, err
	}
	available := views[:0]
	for _, iv := range views {
		if iv.Available() {
			available = append(available, iv)
		}
	}
	return available, nil
}
