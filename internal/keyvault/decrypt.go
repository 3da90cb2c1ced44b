package keyvault

import (
	"crypto/ecdsa"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/abdul-hamid-achik/attest/internal/crypto"
	"github.com/abdul-hamid-achik/attest/internal/metrics"
	"github.com/abdul-hamid-achik/attest/internal/session"
	"github.com/abdul-hamid-achik/attest/internal/store"
)

func recordCrypto(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.EncryptionOperations.WithLabelValues(op, result).Inc()
}

// open unwraps blob under mk. Authentication failures of any kind become
// ErrDecryption; a missing key stays ErrMasterKeyMissing.
func open(mk *session.MasterKey, blob, ad []byte) ([]byte, error) {
	var plaintext []byte
	err := mk.Use(func(key []byte) error {
		var openErr error
		plaintext, openErr = crypto.Open(key, blob, ad)
		recordCrypto("open", openErr)
		return openErr
	})
	switch {
	case err == nil:
		return plaintext, nil
	case errors.Is(err, session.ErrMasterKeyMissing):
		return nil, ErrMasterKeyMissing
	default:
		return nil, fmt.Errorf("%w: %w", ErrDecryption, err)
	}
}

// DecryptName returns the plaintext label of identity.
func DecryptName(identity *store.Identity, mk *session.MasterKey) (string, error) {
	name, err := open(mk, identity.EncryptedName, nameAD(identity.ID))
	if err != nil {
		return "", &OpError{Op: "decrypt name", IdentityID: identity.ID, Err: err}
	}
	return string(name), nil
}

// DecryptPrivateKey unwraps the identity's private key. Revoked identities
// still decrypt; refusing to sign with them is the caller's decision. The
// key is checked against the stored certificate so a blob sealed for a
// different keypair is never returned.
func DecryptPrivateKey(identity *store.Identity, mk *session.MasterKey) (*ecdsa.PrivateKey, error) {
	const op = "decrypt private key"

	pkcs8, err := open(mk, identity.EncryptedPrivateKey, keyAD(identity.ID))
	if err != nil {
		return nil, &OpError{Op: op, IdentityID: identity.ID, Err: err}
	}
	defer crypto.ZeroBytes(pkcs8)

	parsed, err := x509.ParsePKCS8PrivateKey(pkcs8)
	if err != nil {
		return nil, &OpError{Op: op, IdentityID: identity.ID, Err: fmt.Errorf("%w: parse private key: %w", ErrDecryption, err)}
	}
	priv, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, &OpError{Op: op, IdentityID: identity.ID, Err: fmt.Errorf("%w: unexpected key type %T", ErrDecryption, parsed)}
	}

	cert, err := Certificate(identity)
	if err != nil {
		return nil, &OpError{Op: op, IdentityID: identity.ID, Err: err}
	}
	if !priv.PublicKey.Equal(cert.PublicKey) {
		return nil, &OpError{Op: op, IdentityID: identity.ID, Err: fmt.Errorf("%w: private key does not match certificate", ErrDecryption)}
	}
	return priv, nil
}
