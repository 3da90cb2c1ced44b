// Package tsatest provides an in-process RFC 3161 timestamp authority for
// tests. It signs with a throwaway two-level PKI whose root is exposed as
// Roots.
package tsatest

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"io"
	"math/big"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/digitorus/timestamp"
)

// PolicyOID is the TSA policy asserted in every token.
var PolicyOID = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 57264, 2, 1}

var (
	oidExtKeyUsage    = asn1.ObjectIdentifier{2, 5, 29, 37}
	oidKPTimeStamping = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 8}
)

// Authority is a fake timestamp authority. The zero value is not usable;
// call New.
type Authority struct {
	Cert  *x509.Certificate
	Key   crypto.Signer
	Root  *x509.Certificate
	Roots *x509.CertPool

	mu sync.Mutex
	// err, when set, is returned instead of a reply.
	err error
	// rewrite, when set, may modify a token before it is signed.
	rewrite func(*timestamp.Timestamp)
	now     func() time.Time

	serial   atomic.Int64
	Requests atomic.Int32
}

// New builds an authority with a fresh root and signing certificate.
func New(tb testing.TB) *Authority {
	tb.Helper()

	rootKey := mustKey(tb)
	now := time.Now()
	rootTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test TSA Root", Organization: []string{"attest tests"}},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTmpl, rootTmpl, &rootKey.PublicKey, rootKey)
	if err != nil {
		tb.Fatalf("create root: %v", err)
	}
	root, err := x509.ParseCertificate(rootDER)
	if err != nil {
		tb.Fatalf("parse root: %v", err)
	}

	// RFC 3161 requires the timeStamping purpose as the sole, critical
	// extended key usage.
	eku, err := asn1.Marshal([]asn1.ObjectIdentifier{oidKPTimeStamping})
	if err != nil {
		tb.Fatalf("marshal eku: %v", err)
	}
	tsaKey := mustKey(tb)
	tsaTmpl := &x509.Certificate{
		SerialNumber:    big.NewInt(2),
		Subject:         pkix.Name{CommonName: "Test TSA", Organization: []string{"attest tests"}},
		NotBefore:       now.Add(-time.Hour),
		NotAfter:        now.Add(24 * time.Hour),
		KeyUsage:        x509.KeyUsageDigitalSignature,
		ExtraExtensions: []pkix.Extension{{Id: oidExtKeyUsage, Critical: true, Value: eku}},
	}
	tsaDER, err := x509.CreateCertificate(rand.Reader, tsaTmpl, root, &tsaKey.PublicKey, rootKey)
	if err != nil {
		tb.Fatalf("create tsa cert: %v", err)
	}
	cert, err := x509.ParseCertificate(tsaDER)
	if err != nil {
		tb.Fatalf("parse tsa cert: %v", err)
	}

	roots := x509.NewCertPool()
	roots.AddCert(root)

	return &Authority{Cert: cert, Key: tsaKey, Root: root, Roots: roots, now: time.Now}
}

func mustKey(tb testing.TB) *ecdsa.PrivateKey {
	tb.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		tb.Fatalf("generate key: %v", err)
	}
	return key
}

// Fail makes every following request return err. Passing nil restores
// normal service.
func (a *Authority) Fail(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.err = err
}

// Rewrite installs fn to tamper with tokens before they are signed.
func (a *Authority) Rewrite(fn func(*timestamp.Timestamp)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rewrite = fn
}

// Timestamp answers a DER TimeStampReq.
func (a *Authority) Timestamp(ctx context.Context, req []byte) ([]byte, error) {
	a.Requests.Add(1)

	a.mu.Lock()
	err, rewrite, now := a.err, a.rewrite, a.now
	a.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	parsed, err := timestamp.ParseRequest(req)
	if err != nil {
		return nil, err
	}

	ts := &timestamp.Timestamp{
		HashAlgorithm:     parsed.HashAlgorithm,
		HashedMessage:     parsed.HashedMessage,
		Time:              now().UTC().Truncate(time.Second),
		Accuracy:          time.Second,
		SerialNumber:      big.NewInt(a.serial.Add(1)),
		Policy:            PolicyOID,
		Nonce:             parsed.Nonce,
		AddTSACertificate: parsed.Certificates,
	}
	if rewrite != nil {
		rewrite(ts)
	}
	return ts.CreateResponse(a.Cert, a.Key)
}

// ServeHTTP serves the authority over the RFC 3161 HTTP transport.
func (a *Authority) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/timestamp-query" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	resp, err := a.Timestamp(r.Context(), body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/timestamp-reply")
	_, _ = w.Write(resp)
}
