// Package tsa obtains and verifies RFC 3161 timestamp tokens. Tokens are
// never trusted on the authority's word: the PKCS#7 signature, message
// imprint, nonce, and signer certificate are all checked locally.
package tsa

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/digitorus/pkcs7"
	"github.com/digitorus/timestamp"

	"github.com/abdul-hamid-achik/attest/internal/metrics"
)

var (
	// ErrRequestFailed is returned when the authority cannot be reached or
	// answers with an error.
	ErrRequestFailed = errors.New("timestamp request failed")

	// ErrInvalidToken is returned for a token that is malformed, unsigned,
	// or does not cover the submitted data.
	ErrInvalidToken = errors.New("invalid timestamp token")

	// ErrUntrustedAuthority is returned when the signer does not chain to
	// the configured roots.
	ErrUntrustedAuthority = errors.New("timestamp authority not trusted")
)

// Authority is the transport to a timestamp authority: it takes a DER
// TimeStampReq and returns the DER TimeStampResp.
type Authority interface {
	Timestamp(ctx context.Context, req []byte) ([]byte, error)
}

// Verification is the locally verified content of a timestamp token.
type Verification struct {
	GenTime        time.Time
	Signer         string
	ChainValidated bool
	Policy         string
	SerialNumber   string
	Token          []byte
}

// Query is one outstanding timestamp request. It remembers the nonce so
// the reply can be matched to it.
type Query struct {
	der   []byte
	nonce *big.Int
}

// NewQuery builds a TimeStampReq over SHA-256(data) with a fresh nonce,
// asking the authority to embed its certificate.
func NewQuery(data []byte) (*Query, error) {
	nonce, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, fmt.Errorf("%w: generate nonce: %w", ErrRequestFailed, err)
	}

	der, err := timestamp.CreateRequest(bytes.NewReader(data), &timestamp.RequestOptions{
		Hash:         crypto.SHA256,
		Certificates: true,
		Nonce:        nonce,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrRequestFailed, err)
	}
	return &Query{der: der, nonce: nonce}, nil
}

// Send submits the query to a and returns the raw reply.
func (q *Query) Send(ctx context.Context, a Authority) ([]byte, error) {
	start := time.Now()
	resp, err := a.Timestamp(ctx, q.der)
	metrics.TimestampDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}
	return resp, nil
}

// Verify parses a reply to q and verifies it over data.
func (q *Query) Verify(resp, data []byte, roots *x509.CertPool) (*Verification, error) {
	ts, err := timestamp.ParseResponse(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if ts.Nonce == nil || ts.Nonce.Cmp(q.nonce) != 0 {
		return nil, fmt.Errorf("%w: nonce mismatch", ErrInvalidToken)
	}
	return verify(ts, data, roots)
}

// Request asks a for a token over SHA-256(data) and verifies the reply.
// When roots is nil the signer chain is not validated and the result has
// ChainValidated false; otherwise an untrusted signer is an error.
func Request(ctx context.Context, a Authority, data []byte, roots *x509.CertPool) (*Verification, error) {
	q, err := NewQuery(data)
	if err != nil {
		return nil, err
	}
	resp, err := q.Send(ctx, a)
	if err != nil {
		return nil, err
	}
	return q.Verify(resp, data, roots)
}

// Verify checks a stored token against data. See Request for how roots is
// used.
func Verify(token, data []byte, roots *x509.CertPool) (*Verification, error) {
	ts, err := timestamp.Parse(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return verify(ts, data, roots)
}

func verify(ts *timestamp.Timestamp, data []byte, roots *x509.CertPool) (*Verification, error) {
	if ts.HashAlgorithm != crypto.SHA256 {
		return nil, fmt.Errorf("%w: unexpected hash algorithm %v", ErrInvalidToken, ts.HashAlgorithm)
	}
	digest := sha256.Sum256(data)
	if !bytes.Equal(ts.HashedMessage, digest[:]) {
		return nil, fmt.Errorf("%w: message imprint does not match", ErrInvalidToken)
	}

	// The PKCS#7 signature is only checked by the parser when the signer
	// certificate is embedded, so a token without one is rejected.
	p7, err := pkcs7.Parse(ts.RawToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	signer := p7.GetOnlySigner()
	if signer == nil {
		return nil, fmt.Errorf("%w: signer certificate not embedded", ErrInvalidToken)
	}
	if err := p7.Verify(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !hasTimeStampingUsage(signer) {
		return nil, fmt.Errorf("%w: signer lacks timeStamping usage", ErrInvalidToken)
	}
	if ts.Time.Before(signer.NotBefore) || ts.Time.After(signer.NotAfter) {
		return nil, fmt.Errorf("%w: genTime outside signer validity", ErrInvalidToken)
	}

	v := &Verification{
		GenTime: ts.Time.UTC(),
		Signer:  signer.Subject.String(),
		Token:   ts.RawToken,
	}
	if ts.Policy != nil {
		v.Policy = ts.Policy.String()
	}
	if ts.SerialNumber != nil {
		v.SerialNumber = ts.SerialNumber.String()
	}

	if roots != nil {
		intermediates := x509.NewCertPool()
		for _, c := range p7.Certificates {
			if !c.Equal(signer) {
				intermediates.AddCert(c)
			}
		}
		_, err := signer.Verify(x509.VerifyOptions{
			Roots:         roots,
			Intermediates: intermediates,
			CurrentTime:   ts.Time,
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping},
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUntrustedAuthority, err)
		}
		v.ChainValidated = true
	}

	outcome := "ok"
	if !v.ChainValidated {
		outcome = "unchained"
	}
	metrics.TimestampVerifications.WithLabelValues(outcome).Inc()
	return v, nil
}

func hasTimeStampingUsage(cert *x509.Certificate) bool {
	for _, u := range cert.ExtKeyUsage {
		if u == x509.ExtKeyUsageTimeStamping {
			return true
		}
	}
	return false
}
