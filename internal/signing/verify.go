package signing

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"

	"github.com/abdul-hamid-achik/attest/internal/crypto"
	"github.com/abdul-hamid-achik/attest/internal/tsa"
)

// Verification describes a signed document that verified.
type Verification struct {
	Document     []byte
	DocumentHash string
	Certificate  *x509.Certificate
	Fingerprint  string
	Reason       string
	Location     string
	Signature    []byte
	Timestamp    *tsa.Verification
}

// Verify checks a document signed with the default container. See
// VerifyWith.
func Verify(signed []byte, roots *x509.CertPool) (*Verification, error) {
	return VerifyWith(TrailerContainer{}, signed, roots)
}

// Verify checks a document signed by this engine.
func (e *Engine) Verify(signed []byte) (*Verification, error) {
	return VerifyWith(e.container, signed, e.roots)
}

// VerifyWith extracts the envelope with c and verifies the signature
// against the embedded certificate. Only the signed document is needed;
// the signing identity may since have been revoked or deleted. An embedded
// timestamp token must verify over the signature bytes, with its signer
// chain validated against roots when roots is non-nil.
func VerifyWith(c Container, signed []byte, roots *x509.CertPool) (*Verification, error) {
	doc, env, err := c.Extract(signed)
	if err != nil {
		return nil, err
	}

	cert, err := x509.ParseCertificate(env.Certificate)
	if err != nil {
		return nil, fmt.Errorf("%w: parse certificate: %w", ErrInvalidSignature, err)
	}
	if err := cert.CheckSignatureFrom(cert); err != nil {
		return nil, fmt.Errorf("%w: certificate is not self-signed: %w", ErrInvalidSignature, err)
	}
	if cert.KeyUsage&x509.KeyUsageDigitalSignature == 0 {
		return nil, fmt.Errorf("%w: certificate not valid for signing", ErrInvalidSignature)
	}
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported key type %T", ErrInvalidSignature, cert.PublicKey)
	}

	docHash := sha256.Sum256(doc)
	fingerprint := crypto.Fingerprint(env.Certificate)
	digest, err := signedDigest(docHash[:], env.Reason, env.Location, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	if !ecdsa.VerifyASN1(pub, digest, env.Signature) {
		return nil, ErrInvalidSignature
	}

	v := &Verification{
		Document:     doc,
		DocumentHash: hex.EncodeToString(docHash[:]),
		Certificate:  cert,
		Fingerprint:  hex.EncodeToString(fingerprint),
		Reason:       env.Reason,
		Location:     env.Location,
		Signature:    env.Signature,
	}

	if len(env.TimestampToken) > 0 {
		ts, err := tsa.Verify(env.TimestampToken, env.Signature, roots)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidTimestamp, err)
		}
		// A trusted time lets us check the certificate was live when used.
		if ts.GenTime.Before(cert.NotBefore) || ts.GenTime.After(cert.NotAfter) {
			return nil, fmt.Errorf("%w: signed outside certificate validity", ErrInvalidSignature)
		}
		v.Timestamp = ts
	}
	return v, nil
}
