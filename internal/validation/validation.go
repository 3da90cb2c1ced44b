// Package validation provides input validation functions.
package validation

import (
	"errors"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	// ErrIdentityNameEmpty is returned when an identity name is empty.
	ErrIdentityNameEmpty = errors.New("identity name is required")
	// ErrIdentityNameTooLong is returned when an identity name exceeds 100 characters.
	ErrIdentityNameTooLong = errors.New("identity name must be at most 100 characters")

	// ErrOwnerIDEmpty is returned when owner id is empty.
	ErrOwnerIDEmpty = errors.New("owner id is required")
	// ErrOwnerIDTooLong is returned when owner id exceeds 64 characters.
	ErrOwnerIDTooLong = errors.New("owner id must be at most 64 characters")
	// ErrOwnerIDInvalidChars is returned when owner id contains invalid characters.
	ErrOwnerIDInvalidChars = errors.New("owner id can only contain letters, numbers, and . _ @ -")

	// ErrReasonTooLong is returned when a signing reason exceeds 500 characters.
	ErrReasonTooLong = errors.New("reason must be at most 500 characters")
	// ErrLocationTooLong is returned when a signing location exceeds 200 characters.
	ErrLocationTooLong = errors.New("location must be at most 200 characters")
	// ErrFileIDTooLong is returned when a file id exceeds 255 characters.
	ErrFileIDTooLong = errors.New("file id must be at most 255 characters")

	// ErrControlCharacters is returned when free text contains control characters.
	ErrControlCharacters = errors.New("text must not contain control characters")
)

var ownerIDRegex = regexp.MustCompile(`^[a-zA-Z0-9._@-]+$`)

// IdentityName validates a signing identity label.
// Rules: 1-100 characters after trimming, no control characters.
func IdentityName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrIdentityNameEmpty
	}
	if utf8.RuneCountInString(name) > 100 {
		return ErrIdentityNameTooLong
	}
	return printable(name)
}

// OwnerID validates an owner identifier.
// Rules: 1-64 characters, letters, numbers, and . _ @ - only.
func OwnerID(id string) error {
	if id == "" {
		return ErrOwnerIDEmpty
	}
	if len(id) > 64 {
		return ErrOwnerIDTooLong
	}
	if !ownerIDRegex.MatchString(id) {
		return ErrOwnerIDInvalidChars
	}
	return nil
}

// Reason validates an optional signing reason.
func Reason(reason string) error {
	if utf8.RuneCountInString(reason) > 500 {
		return ErrReasonTooLong
	}
	return printable(reason)
}

// Location validates an optional signing location.
func Location(location string) error {
	if utf8.RuneCountInString(location) > 200 {
		return ErrLocationTooLong
	}
	return printable(location)
}

// FileID validates an optional reference to the stored artifact.
func FileID(id string) error {
	if len(id) > 255 {
		return ErrFileIDTooLong
	}
	return printable(id)
}

func printable(s string) error {
	for _, r := range s {
		if unicode.IsControl(r) {
			return ErrControlCharacters
		}
	}
	return nil
}
