package signing

import (
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

const payloadDomain = "attest/signature/v1"

// signedDigest returns SHA-256 over the canonical encoding of the signing
// context. Every field is length-prefixed, so reason and location cannot
// be shifted into each other.
func signedDigest(documentHash []byte, reason, location string, certFingerprint []byte) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes([]byte(payloadDomain)) })
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(documentHash) })
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes([]byte(reason)) })
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes([]byte(location)) })
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(certFingerprint) })
	payload, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encode signed payload: %w", err)
	}
	sum := sha256.Sum256(payload)
	return sum[:], nil
}
