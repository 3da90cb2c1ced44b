// Package audit implements the tamper-evident audit chain. Every entry
// commits to the hash of its predecessor, so editing or reordering any
// stored entry is detectable by recomputing the chain.
package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Action is the closed set of audited event kinds.
type Action string

const (
	ActionKeyCreated       Action = "KEY_CREATED"
	ActionKeyRevoked       Action = "KEY_REVOKED"
	ActionKeyDeleted       Action = "KEY_DELETED"
	ActionDocumentSigned   Action = "DOCUMENT_SIGNED"
	ActionMasterKeyRotated Action = "MASTER_KEY_ROTATED"
)

// ErrUnknownAction is returned for an action outside the closed set.
var ErrUnknownAction = errors.New("unknown audit action")

// ErrInvalidDetails is returned when a details payload does not match the
// fixed shape of its action.
var ErrInvalidDetails = errors.New("invalid audit details")

// Details is one variant of the per-action payload. Each variant has a
// fixed field set so its JSON encoding is deterministic. Variants never
// carry secret material.
type Details interface {
	Action() Action
}

// KeyCreatedDetails records a new signing identity.
type KeyCreatedDetails struct {
	IdentityID             string `json:"identity_id"`
	OwnerID                string `json:"owner_id"`
	CertificateFingerprint string `json:"certificate_fingerprint"`
}

// KeyRevokedDetails records a revocation.
type KeyRevokedDetails struct {
	IdentityID string `json:"identity_id"`
}

// KeyDeletedDetails records removal of an identity's stored blobs.
type KeyDeletedDetails struct {
	IdentityID string `json:"identity_id"`
}

// DocumentSignedDetails records one signature.
type DocumentSignedDetails struct {
	IdentityID   string `json:"identity_id"`
	SignatureID  string `json:"signature_id"`
	FileID       string `json:"file_id"`
	DocumentHash string `json:"document_hash"`
	Reason       string `json:"reason"`
	Location     string `json:"location"`
	Timestamped  bool   `json:"timestamped"`
}

// MasterKeyRotatedDetails records a passphrase rotation.
type MasterKeyRotatedDetails struct {
	Identities int `json:"identities"`
}

func (KeyCreatedDetails) Action() Action       { return ActionKeyCreated }
func (KeyRevokedDetails) Action() Action       { return ActionKeyRevoked }
func (KeyDeletedDetails) Action() Action       { return ActionKeyDeleted }
func (DocumentSignedDetails) Action() Action   { return ActionDocumentSigned }
func (MasterKeyRotatedDetails) Action() Action { return ActionMasterKeyRotated }

func newDetails(action Action) (Details, error) {
	switch action {
	case ActionKeyCreated:
		return &KeyCreatedDetails{}, nil
	case ActionKeyRevoked:
		return &KeyRevokedDetails{}, nil
	case ActionKeyDeleted:
		return &KeyDeletedDetails{}, nil
	case ActionDocumentSigned:
		return &DocumentSignedDetails{}, nil
	case ActionMasterKeyRotated:
		return &MasterKeyRotatedDetails{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
}

// DecodeDetails parses raw into the variant for action. Unknown fields and
// trailing data are rejected.
func DecodeDetails(action string, raw []byte) (Details, error) {
	d, err := newDetails(Action(action))
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDetails, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data", ErrInvalidDetails)
	}
	return d, nil
}

// Canonicalize returns the canonical encoding of a details payload: the
// payload decoded into its variant and re-encoded. Struct fields encode in
// declaration order, so equal payloads always produce equal bytes
// regardless of the key order they arrived in.
func Canonicalize(action string, raw []byte) ([]byte, error) {
	d, err := DecodeDetails(action, raw)
	if err != nil {
		return nil, err
	}
	return json.Marshal(d)
}
