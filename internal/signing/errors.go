package signing

import (
	"errors"

	"github.com/abdul-hamid-achik/attest/internal/keyvault"
)

// Errors from the key vault pass through unchanged so callers can match
// them against either package.
var (
	ErrIdentityNotFound = keyvault.ErrIdentityNotFound
	ErrRevokedIdentity  = keyvault.ErrRevokedIdentity
	ErrMasterKeyMissing = keyvault.ErrMasterKeyMissing
	ErrDecryption       = keyvault.ErrDecryption
)

var (
	// ErrSigning is returned when the signature primitive fails.
	ErrSigning = errors.New("signing failed")

	// ErrInvalidContext is returned for a reason, location or file id that
	// fails validation.
	ErrInvalidContext = errors.New("invalid signing context")

	// ErrNoSignature is returned by Verify for a document without a
	// signature container.
	ErrNoSignature = errors.New("document is not signed")

	// ErrMalformedContainer is returned when the signature container
	// cannot be parsed.
	ErrMalformedContainer = errors.New("malformed signature container")

	// ErrInvalidSignature is returned when the signature does not verify
	// over the document and its signing context.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrInvalidTimestamp is returned by Verify when an embedded timestamp
	// token does not verify.
	ErrInvalidTimestamp = errors.New("invalid timestamp")

	// ErrNoAuthority is wrapped in a TimestampError when a timestamp is
	// requested from an engine without an authority.
	ErrNoAuthority = errors.New("no timestamp authority configured")
)

// TimestampError reports why a signature was left without a timestamp. It
// never fails a signing operation; it is returned in Result.TimestampErr.
type TimestampError struct {
	Err error
}

func (e *TimestampError) Error() string { return "timestamp: " + e.Err.Error() }

func (e *TimestampError) Unwrap() error { return e.Err }
