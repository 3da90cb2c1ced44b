package signing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdul-hamid-achik/attest/internal/audit"
	"github.com/abdul-hamid-achik/attest/internal/crypto"
	"github.com/abdul-hamid-achik/attest/internal/keyvault"
	"github.com/abdul-hamid-achik/attest/internal/session"
	"github.com/abdul-hamid-achik/attest/internal/store"
	"github.com/abdul-hamid-achik/attest/internal/tsa"
	"github.com/abdul-hamid-achik/attest/internal/tsa/tsatest"
)

type fixture struct {
	store  *store.BoltStore
	chain  *audit.Chain
	vault  *keyvault.Vault
	tsa    *tsatest.Authority
	engine *Engine
	mk     *session.MasterKey
}

func newFixture(t *testing.T, opts ...EngineOption) *fixture {
	t.Helper()

	s, err := store.NewBoltStore(filepath.Join(t.TempDir(), "attest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	chain := audit.NewChain(s)
	t.Cleanup(func() { chain.Close() })

	raw, err := crypto.GenerateKey()
	require.NoError(t, err)
	mk, err := session.NewMasterKey(raw)
	require.NoError(t, err)

	authority := tsatest.New(t)
	vault := keyvault.New(s, chain)
	opts = append([]EngineOption{WithAuthority(authority, authority.Roots)}, opts...)

	return &fixture{
		store:  s,
		chain:  chain,
		vault:  vault,
		tsa:    authority,
		engine: NewEngine(vault, s, chain, opts...),
		mk:     mk,
	}
}

func (f *fixture) identity(t *testing.T, name string) uuid.UUID {
	t.Helper()
	identity, err := f.vault.CreateIdentity(context.Background(), name, "owner-1", "Acme", f.mk)
	require.NoError(t, err)
	return identity.ID
}

func (f *fixture) entries(t *testing.T, action audit.Action) []*store.AuditEntry {
	t.Helper()
	all, err := f.store.ListAudit(context.Background(), 0, 0)
	require.NoError(t, err)
	require.NoError(t, audit.VerifyChain(all))

	var out []*store.AuditEntry
	for _, e := range all {
		if e.Action == string(action) {
			out = append(out, e)
		}
	}
	return out
}

type authorityFunc func(ctx context.Context, req []byte) ([]byte, error)

func (fn authorityFunc) Timestamp(ctx context.Context, req []byte) ([]byte, error) {
	return fn(ctx, req)
}

var document = []byte("0123456789")

func TestSign_RoundTrip(t *testing.T) {
	f := newFixture(t)
	id := f.identity(t, "Work")

	res, err := f.engine.Sign(context.Background(), document, id, f.mk, Options{
		FileID:   "file-42",
		Reason:   "approve",
		Location: "Lisbon",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Record)

	assert.True(t, bytes.HasPrefix(res.SignedDocument, document))
	assert.False(t, res.Stamped())
	assert.NoError(t, res.TimestampErr)

	v, err := Verify(res.SignedDocument, f.tsa.Roots)
	require.NoError(t, err)
	assert.Equal(t, document, v.Document)
	assert.Equal(t, "approve", v.Reason)
	assert.Equal(t, "Lisbon", v.Location)
	assert.Equal(t, "Work", v.Certificate.Subject.CommonName)
	assert.Equal(t, res.Record.DocumentHash, v.DocumentHash)
	assert.Equal(t, res.Record.CertificateFingerprint, v.Fingerprint)
	assert.Nil(t, v.Timestamp)

	rec := res.Record
	assert.Equal(t, id, rec.KeyID)
	assert.Equal(t, "file-42", rec.FileID)
	assert.Equal(t, crypto.SHA256Hex(document), rec.DocumentHash)
	assert.Equal(t, res.AuditEntry.ID, rec.AuditEntryID)

	stored, err := f.store.GetSignature(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.SignatureBytes, stored.SignatureBytes)

	signed := f.entries(t, audit.ActionDocumentSigned)
	require.Len(t, signed, 1)
	assert.Equal(t, res.AuditEntry.Hash, signed[0].Hash)
}

func TestSign_Timestamped(t *testing.T) {
	f := newFixture(t)
	id := f.identity(t, "Work")

	var states []State
	res, err := f.engine.Sign(context.Background(), document, id, f.mk, Options{
		Reason:    "approve",
		Timestamp: true,
		OnState:   func(s State) { states = append(states, s) },
	})
	require.NoError(t, err)

	assert.Equal(t, []State{
		StateIdle, StateHashing, StateSigning,
		StateTimestampRequested, StateTimestampVerifying, StateComplete,
	}, states)

	require.True(t, res.Stamped())
	assert.True(t, res.Timestamp.ChainValidated)
	assert.Equal(t, res.Timestamp.Token, res.Record.TimestampToken)
	require.NotNil(t, res.Record.TimestampGenTime)

	v, err := Verify(res.SignedDocument, f.tsa.Roots)
	require.NoError(t, err)
	require.NotNil(t, v.Timestamp)
	assert.Equal(t, res.Timestamp.GenTime, v.Timestamp.GenTime)

	var details audit.DocumentSignedDetails
	require.NoError(t, json.Unmarshal(res.AuditEntry.Details, &details))
	assert.True(t, details.Timestamped)
}

func TestSign_TimestampFailureLeavesSignatureComplete(t *testing.T) {
	f := newFixture(t)
	id := f.identity(t, "Work")
	f.tsa.Fail(errors.New("network unreachable"))

	var states []State
	doc := []byte("ten bytes!")
	res, err := f.engine.Sign(context.Background(), doc, id, f.mk, Options{
		Reason:    "approve",
		Timestamp: true,
		OnState:   func(s State) { states = append(states, s) },
	})
	require.NoError(t, err)

	assert.NotEmpty(t, res.Record.SignatureBytes)
	assert.Nil(t, res.Timestamp)
	assert.Nil(t, res.Record.TimestampToken)
	assert.True(t, IsTimestampError(res.TimestampErr))
	assert.ErrorIs(t, res.TimestampErr, tsa.ErrRequestFailed)
	assert.Equal(t, StateComplete, states[len(states)-1])
	assert.NotContains(t, states, StateFailed)

	signed := f.entries(t, audit.ActionDocumentSigned)
	require.Len(t, signed, 1)
	var details audit.DocumentSignedDetails
	require.NoError(t, json.Unmarshal(signed[0].Details, &details))
	assert.Equal(t, "approve", details.Reason)
	assert.False(t, details.Timestamped)

	_, err = Verify(res.SignedDocument, nil)
	assert.NoError(t, err)
}

func TestSign_TimestampTimeout(t *testing.T) {
	blocking := authorityFunc(func(ctx context.Context, _ []byte) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	f := newFixture(t, WithAuthority(blocking, nil), WithTimestampTimeout(50*time.Millisecond))
	id := f.identity(t, "Work")

	res, err := f.engine.Sign(context.Background(), document, id, f.mk, Options{Timestamp: true})
	require.NoError(t, err)
	assert.False(t, res.Stamped())
	assert.ErrorIs(t, res.TimestampErr, context.DeadlineExceeded)
	assert.Len(t, f.entries(t, audit.ActionDocumentSigned), 1)
}

func TestSign_TimestampUnavailable(t *testing.T) {
	t.Run("no authority", func(t *testing.T) {
		f := newFixture(t, WithAuthority(nil, nil))
		id := f.identity(t, "Work")

		res, err := f.engine.Sign(context.Background(), document, id, f.mk, Options{Timestamp: true})
		require.NoError(t, err)
		assert.ErrorIs(t, res.TimestampErr, ErrNoAuthority)
	})

	t.Run("untrusted authority", func(t *testing.T) {
		other := tsatest.New(t)
		f := newFixture(t)
		f.engine = NewEngine(f.vault, f.store, f.chain, WithAuthority(f.tsa, other.Roots))
		id := f.identity(t, "Work")

		res, err := f.engine.Sign(context.Background(), document, id, f.mk, Options{Timestamp: true})
		require.NoError(t, err)
		assert.ErrorIs(t, res.TimestampErr, tsa.ErrUntrustedAuthority)
		assert.False(t, res.Stamped())
	})
}

func TestSign_MutationBreaksVerification(t *testing.T) {
	f := newFixture(t)
	id := f.identity(t, "Work")

	res, err := f.engine.Sign(context.Background(), document, id, f.mk, Options{Reason: "approve", Location: "HQ"})
	require.NoError(t, err)
	_, err = Verify(res.SignedDocument, nil)
	require.NoError(t, err)

	for i := range res.SignedDocument {
		mutated := bytes.Clone(res.SignedDocument)
		mutated[i] ^= 0x01
		if _, err := Verify(mutated, nil); err == nil {
			t.Fatalf("byte %d flipped: verification succeeded", i)
		}
	}

	_, err = Verify(res.SignedDocument[:len(res.SignedDocument)-1], nil)
	assert.Error(t, err)
	_, err = Verify(append(bytes.Clone(res.SignedDocument), 0), nil)
	assert.Error(t, err)
}

func TestSign_CopiesDocument(t *testing.T) {
	f := newFixture(t)
	id := f.identity(t, "Work")

	doc := bytes.Clone(document)
	res, err := f.engine.Sign(context.Background(), doc, id, f.mk, Options{})
	require.NoError(t, err)

	doc[0] = 'X'
	v, err := Verify(res.SignedDocument, nil)
	require.NoError(t, err)
	assert.Equal(t, document, v.Document)
}

func TestSign_Failures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.identity(t, "Work")

	t.Run("unknown identity", func(t *testing.T) {
		_, err := f.engine.Sign(ctx, document, uuid.New(), f.mk, Options{})
		assert.ErrorIs(t, err, ErrIdentityNotFound)
	})

	t.Run("missing master key", func(t *testing.T) {
		_, err := f.engine.Sign(ctx, document, id, nil, Options{})
		assert.ErrorIs(t, err, ErrMasterKeyMissing)
	})

	t.Run("wrong master key", func(t *testing.T) {
		raw, _ := crypto.GenerateKey()
		other, err := session.NewMasterKey(raw)
		require.NoError(t, err)
		_, err = f.engine.Sign(ctx, document, id, other, Options{})
		assert.ErrorIs(t, err, ErrDecryption)
	})

	t.Run("invalid context", func(t *testing.T) {
		_, err := f.engine.Sign(ctx, document, id, f.mk, Options{Reason: "line\nbreak"})
		assert.ErrorIs(t, err, ErrInvalidContext)
	})

	t.Run("cancelled before signing", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		var states []State
		_, err := f.engine.Sign(cctx, document, id, f.mk, Options{OnState: func(s State) { states = append(states, s) }})
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotContains(t, states, StateSigning)
		assert.Equal(t, StateFailed, states[len(states)-1])
	})

	assert.Empty(t, f.entries(t, audit.ActionDocumentSigned))
	sigs, err := f.store.ListSignatures(ctx)
	require.NoError(t, err)
	assert.Empty(t, sigs)
}

func TestSign_RevokedIdentity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.identity(t, "Work")

	before, err := f.engine.Sign(ctx, document, id, f.mk, Options{})
	require.NoError(t, err)

	revoked, err := f.vault.Revoke(ctx, id)
	require.NoError(t, err)

	_, err = f.engine.Sign(ctx, document, id, f.mk, Options{})
	assert.ErrorIs(t, err, ErrRevokedIdentity)

	_, err = keyvault.DecryptPrivateKey(revoked, f.mk)
	assert.NoError(t, err)

	// Historical signatures still verify.
	_, err = Verify(before.SignedDocument, nil)
	assert.NoError(t, err)
	assert.Len(t, f.entries(t, audit.ActionDocumentSigned), 1)
}

func TestVerify_AfterIdentityDeleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.identity(t, "Work")

	res, err := f.engine.Sign(ctx, document, id, f.mk, Options{Timestamp: true})
	require.NoError(t, err)
	require.NoError(t, f.vault.Delete(ctx, id))

	v, err := f.engine.Verify(res.SignedDocument)
	require.NoError(t, err)
	assert.True(t, v.Timestamp.ChainValidated)
}

type failingRecorder struct{}

func (failingRecorder) Append(context.Context, audit.Details, audit.Provenance) (*store.AuditEntry, error) {
	return nil, audit.ErrAppendConflict
}

func TestSign_AuditFailureDiscardsSignature(t *testing.T) {
	f := newFixture(t)
	id := f.identity(t, "Work")
	engine := NewEngine(f.vault, f.store, failingRecorder{})

	var states []State
	res, err := engine.Sign(context.Background(), document, id, f.mk, Options{OnState: func(s State) { states = append(states, s) }})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, audit.ErrAppendConflict)
	assert.Equal(t, StateFailed, states[len(states)-1])

	sigs, err := f.store.ListSignatures(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sigs)
}

func TestSign_Concurrent(t *testing.T) {
	f := newFixture(t)
	a := f.identity(t, "A")
	b := f.identity(t, "B")

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := a
			if i%2 == 1 {
				id = b
			}
			_, err := f.engine.Sign(context.Background(), []byte{byte(i)}, id, f.mk, Options{Timestamp: i%3 == 0})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Len(t, f.entries(t, audit.ActionDocumentSigned), n)
	sigs, err := f.store.ListSignatures(context.Background())
	require.NoError(t, err)
	assert.Len(t, sigs, n)
}

func TestVerify_Forgeries(t *testing.T) {
	f := newFixture(t)
	id := f.identity(t, "Work")
	other := f.identity(t, "Other")

	res, err := f.engine.Sign(context.Background(), document, id, f.mk, Options{Reason: "approve", Timestamp: true})
	require.NoError(t, err)
	otherRes, err := f.engine.Sign(context.Background(), document, other, f.mk, Options{Reason: "approve", Timestamp: true})
	require.NoError(t, err)

	doc, env, err := TrailerContainer{}.Extract(res.SignedDocument)
	require.NoError(t, err)
	_, otherEnv, err := TrailerContainer{}.Extract(otherRes.SignedDocument)
	require.NoError(t, err)

	tests := []struct {
		name    string
		modify  func(e *Envelope)
		wantErr error
	}{
		{"relabelled reason", func(e *Envelope) { e.Reason = "reject" }, ErrInvalidSignature},
		{"added location", func(e *Envelope) { e.Location = "Elsewhere" }, ErrInvalidSignature},
		{"swapped certificate", func(e *Envelope) { e.Certificate = otherEnv.Certificate }, ErrInvalidSignature},
		{"borrowed timestamp", func(e *Envelope) { e.TimestampToken = otherEnv.TimestampToken }, ErrInvalidTimestamp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			forged := *env
			tt.modify(&forged)
			signed, err := TrailerContainer{}.Embed(doc, &forged)
			require.NoError(t, err)

			_, err = Verify(signed, f.tsa.Roots)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	_, err = Verify(document, nil)
	assert.ErrorIs(t, err, ErrNoSignature)
}

func TestTrailerContainer(t *testing.T) {
	c := TrailerContainer{}
	env := &Envelope{
		Version:     EnvelopeVersion,
		Certificate: []byte("cert"),
		Reason:      "r",
		Signature:   []byte("sig"),
	}

	for _, doc := range [][]byte{{}, []byte("x"), []byte("document that ends in ATTESTv1")} {
		signed, err := c.Embed(doc, env)
		require.NoError(t, err)

		gotDoc, gotEnv, err := c.Extract(signed)
		require.NoError(t, err)
		assert.Equal(t, doc, gotDoc)
		assert.Equal(t, uint64(len(doc)), gotEnv.DocumentLength)
		assert.Equal(t, env.Certificate, gotEnv.Certificate)
		assert.Equal(t, "r", gotEnv.Reason)
		assert.Empty(t, gotEnv.Location)
		assert.Nil(t, gotEnv.TimestampToken)
	}

	_, _, err := c.Extract([]byte("short"))
	assert.ErrorIs(t, err, ErrNoSignature)

	bogus := append([]byte{0xFF, 0xFF, 0xFF, 0xFF}, trailerMagic...)
	_, _, err = c.Extract(bogus)
	assert.ErrorIs(t, err, ErrMalformedContainer)

	v2 := *env
	v2.Version = 2
	signed, err := c.Embed([]byte("doc"), &v2)
	require.NoError(t, err)
	_, _, err = c.Extract(signed)
	assert.ErrorIs(t, err, ErrMalformedContainer)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "timestamp_verifying", StateTimestampVerifying.String())
	assert.Equal(t, "state(42)", State(42).String())
}
