package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/cryptobyte"

	"github.com/abdul-hamid-achik/attest/internal/store"
)

const hashDomain = "attest/audit-entry/v1"

// GenesisHash is the previous_hash of the first entry of every chain.
var GenesisHash = store.GenesisHash

// TimePrecision is the resolution of created_at. Timestamps are truncated
// to it before hashing so they survive storage backends with microsecond
// precision unchanged.
const TimePrecision = time.Microsecond

// FormatTime is the hashed encoding of created_at.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// Hash computes the hex SHA-256 digest of an entry over its action,
// details, created_at, and previous_hash. Each field is length-prefixed so
// no two distinct tuples share an encoding. ID and provenance are not
// covered.
//
// Details must already be in canonical form. Any other encoding that
// decodes to the same payload (reordered, duplicated or differently cased
// keys, extra whitespace) is rejected with ErrInvalidDetails, so the
// stored bytes are exactly the hashed bytes.
func Hash(e *store.AuditEntry) (string, error) {
	details, err := Canonicalize(e.Action, e.Details)
	if err != nil {
		return "", err
	}
	if !bytes.Equal(details, e.Details) {
		return "", fmt.Errorf("%w: details are not in canonical form", ErrInvalidDetails)
	}

	var b cryptobyte.Builder
	for _, field := range [][]byte{
		[]byte(hashDomain),
		[]byte(e.Action),
		details,
		[]byte(FormatTime(e.CreatedAt)),
		[]byte(e.PreviousHash),
	} {
		b.AddUint32LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(field)
		})
	}
	input, err := b.Bytes()
	if err != nil {
		return "", fmt.Errorf("encode hash input: %w", err)
	}

	sum := sha256.Sum256(input)
	return hex.EncodeToString(sum[:]), nil
}
