// Package signing signs documents with key vault identities and verifies
// the result. A signature covers the document hash together with the
// signer's reason, location and certificate fingerprint, and may carry an
// RFC 3161 timestamp over the signature bytes.
package signing

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/abdul-hamid-achik/attest/internal/audit"
	"github.com/abdul-hamid-achik/attest/internal/crypto"
	"github.com/abdul-hamid-achik/attest/internal/keyvault"
	"github.com/abdul-hamid-achik/attest/internal/logging"
	"github.com/abdul-hamid-achik/attest/internal/metrics"
	"github.com/abdul-hamid-achik/attest/internal/session"
	"github.com/abdul-hamid-achik/attest/internal/store"
	"github.com/abdul-hamid-achik/attest/internal/tsa"
	"github.com/abdul-hamid-achik/attest/internal/validation"
)

// State is a step of one signing attempt.
type State int

const (
	StateIdle State = iota
	StateHashing
	StateSigning
	StateTimestampRequested
	StateTimestampVerifying
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHashing:
		return "hashing"
	case StateSigning:
		return "signing"
	case StateTimestampRequested:
		return "timestamp_requested"
	case StateTimestampVerifying:
		return "timestamp_verifying"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options is the per-call signing context.
type Options struct {
	FileID   string
	Reason   string
	Location string

	// Timestamp requests an RFC 3161 token over the signature.
	Timestamp bool

	// OnState, if set, observes every state transition in order.
	OnState func(State)
}

// Result is a completed signature. Timestamp is nil when no token was
// requested or obtaining one failed; in the latter case TimestampErr is a
// *TimestampError and the signature is still complete.
type Result struct {
	SignedDocument []byte
	Record         *store.Signature
	Timestamp      *tsa.Verification
	TimestampErr   error
	AuditEntry     *store.AuditEntry
}

// Stamped reports whether the signature carries a verified timestamp.
func (r *Result) Stamped() bool { return r.Timestamp != nil }

// Engine signs documents. It is safe for concurrent use.
type Engine struct {
	vault      *keyvault.Vault
	signatures store.SignatureStore
	recorder   audit.Recorder
	container  Container
	authority  tsa.Authority
	roots      *x509.CertPool
	tsaTimeout time.Duration
	rand       io.Reader
	now        func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithAuthority enables timestamping against a. Tokens are validated
// against roots; see tsa.Request.
func WithAuthority(a tsa.Authority, roots *x509.CertPool) EngineOption {
	return func(e *Engine) {
		e.authority = a
		e.roots = roots
	}
}

// WithTimestampTimeout bounds the authority round trip. On expiry the
// signature completes unstamped.
func WithTimestampTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.tsaTimeout = d }
}

// WithContainer replaces the default TrailerContainer.
func WithContainer(c Container) EngineOption {
	return func(e *Engine) { e.container = c }
}

// WithRand overrides the randomness source for ECDSA signatures.
func WithRand(r io.Reader) EngineOption {
	return func(e *Engine) { e.rand = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine returns an Engine that reads identities from v, persists
// records to sigs, and records DOCUMENT_SIGNED with rec.
func NewEngine(v *keyvault.Vault, sigs store.SignatureStore, rec audit.Recorder, opts ...EngineOption) *Engine {
	e := &Engine{
		vault:      v,
		signatures: sigs,
		recorder:   rec,
		container:  TrailerContainer{},
		rand:       rand.Reader,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Sign signs doc with the identity id.
//
// The document is copied before hashing, so the caller may reuse its
// buffer. Cancelling ctx before the signature exists aborts with no side
// effects. Once the signature exists the call always runs to completion:
// a cancelled or failed timestamp request degrades to an unstamped result,
// and the audit entry is written regardless of ctx. If that entry cannot
// be written the signature is discarded and an error returned, since an
// unrecorded signature must not leave the engine.
func (e *Engine) Sign(ctx context.Context, doc []byte, id uuid.UUID, mk *session.MasterKey, opts Options) (*Result, error) {
	emit := func(s State) {
		if opts.OnState != nil {
			opts.OnState(s)
		}
	}
	fail := func(err error) (*Result, error) {
		emit(StateFailed)
		metrics.SigningOperations.WithLabelValues("failed").Inc()
		logging.Logger(ctx).Warn("signing_failed", "identity_id", id, "error", err)
		return nil, err
	}

	emit(StateIdle)
	if err := validateOptions(opts); err != nil {
		return fail(err)
	}

	emit(StateHashing)
	doc = bytes.Clone(doc)
	if doc == nil {
		doc = []byte{}
	}
	docHash := sha256.Sum256(doc)

	identity, err := e.vault.Get(ctx, id)
	if err != nil {
		return fail(err)
	}
	if identity.Revoked() {
		return fail(&keyvault.OpError{Op: "sign", IdentityID: id, Err: ErrRevokedIdentity})
	}
	priv, err := keyvault.DecryptPrivateKey(identity, mk)
	if err != nil {
		return fail(err)
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	emit(StateSigning)
	fingerprint := crypto.Fingerprint(identity.Certificate)
	digest, err := signedDigest(docHash[:], opts.Reason, opts.Location, fingerprint)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrSigning, err))
	}
	sig, err := ecdsa.SignASN1(e.rand, priv, digest)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrSigning, err))
	}

	// The signature exists: everything below must finish.
	durable := context.WithoutCancel(ctx)
	res := &Result{}

	if opts.Timestamp {
		res.Timestamp, res.TimestampErr = e.timestamp(ctx, sig, emit)
		if res.TimestampErr != nil {
			logging.Logger(ctx).Warn("timestamp_failed", "identity_id", id, "error", res.TimestampErr)
		}
	}

	env := &Envelope{
		Version:     EnvelopeVersion,
		Certificate: identity.Certificate,
		Reason:      opts.Reason,
		Location:    opts.Location,
		Signature:   sig,
	}
	if res.Timestamp != nil {
		env.TimestampToken = res.Timestamp.Token
	}
	res.SignedDocument, err = e.container.Embed(doc, env)
	if err != nil {
		return fail(fmt.Errorf("%w: embed: %w", ErrSigning, err))
	}

	record := &store.Signature{
		ID:                     ulid.Make().String(),
		FileID:                 opts.FileID,
		KeyID:                  id,
		DocumentHash:           hex.EncodeToString(docHash[:]),
		Reason:                 opts.Reason,
		Location:               opts.Location,
		SignatureBytes:         sig,
		CertificateFingerprint: hex.EncodeToString(fingerprint),
		CreatedAt:              e.now().UTC(),
	}
	if res.Timestamp != nil {
		genTime := res.Timestamp.GenTime
		record.TimestampToken = res.Timestamp.Token
		record.TimestampGenTime = &genTime
	}

	entry, err := e.recorder.Append(durable, audit.DocumentSignedDetails{
		IdentityID:   id.String(),
		SignatureID:  record.ID,
		FileID:       record.FileID,
		DocumentHash: record.DocumentHash,
		Reason:       record.Reason,
		Location:     record.Location,
		Timestamped:  res.Timestamp != nil,
	}, audit.ProvenanceFrom(ctx))
	if err != nil {
		logging.Logger(ctx).Error("signature_unrecorded", "identity_id", id, "signature_id", record.ID, "error", err)
		return fail(fmt.Errorf("record audit entry: %w", err))
	}
	record.AuditEntryID = entry.ID
	res.AuditEntry = entry
	res.Record = record

	if err := e.signatures.CreateSignature(durable, record); err != nil {
		// The signature is valid and audited; hand it back so the caller
		// can retry persisting the record.
		logging.Logger(ctx).Error("signature_record_not_persisted", "signature_id", record.ID, "error", err)
		emit(StateComplete)
		return res, fmt.Errorf("persist signature record: %w", err)
	}

	emit(StateComplete)
	outcome := "complete"
	if opts.Timestamp && res.Timestamp == nil {
		outcome = "unstamped"
	}
	metrics.SigningOperations.WithLabelValues(outcome).Inc()
	logging.Logger(ctx).Info("document_signed",
		"identity_id", id,
		"signature_id", record.ID,
		"document_hash", record.DocumentHash,
		"audit_entry_id", entry.ID,
		"timestamped", res.Timestamp != nil,
	)
	return res, nil
}

func (e *Engine) timestamp(ctx context.Context, sig []byte, emit func(State)) (*tsa.Verification, error) {
	if e.authority == nil {
		return nil, &TimestampError{Err: ErrNoAuthority}
	}

	emit(StateTimestampRequested)
	if e.tsaTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.tsaTimeout)
		defer cancel()
	}

	q, err := tsa.NewQuery(sig)
	if err != nil {
		return nil, &TimestampError{Err: err}
	}
	resp, err := q.Send(ctx, e.authority)
	if err != nil {
		return nil, &TimestampError{Err: err}
	}

	emit(StateTimestampVerifying)
	v, err := q.Verify(resp, sig, e.roots)
	if err != nil {
		return nil, &TimestampError{Err: err}
	}
	return v, nil
}

func validateOptions(opts Options) error {
	for _, err := range []error{
		validation.Reason(opts.Reason),
		validation.Location(opts.Location),
		validation.FileID(opts.FileID),
	} {
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidContext, err)
		}
	}
	return nil
}

// IsTimestampError reports whether err is a non-fatal timestamp failure.
func IsTimestampError(err error) bool {
	var te *TimestampError
	return errors.As(err, &te)
}
