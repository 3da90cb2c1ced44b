package signing

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// EnvelopeVersion is the only envelope layout this package writes or reads.
const EnvelopeVersion = 1

// trailerMagic ends every document signed with TrailerContainer.
var trailerMagic = []byte("ATTESTv1")

const trailerSize = 4 + 8

// Envelope is what a signature container stores alongside the document.
type Envelope struct {
	Version        uint8
	DocumentLength uint64
	Certificate    []byte
	Reason         string
	Location       string
	Signature      []byte
	TimestampToken []byte
}

// Container inserts an envelope into a document and takes it back out.
// Extract must return exactly the bytes that were passed to Embed.
type Container interface {
	Embed(doc []byte, env *Envelope) ([]byte, error)
	Extract(signed []byte) (doc []byte, env *Envelope, err error)
}

// TrailerContainer appends the envelope after the document:
//
//	doc || envelope || uint32 envelope length || "ATTESTv1"
//
// Any byte format that tolerates trailing data (PDF incremental updates,
// ZIP, plain text) stays readable by its usual tools.
type TrailerContainer struct{}

var _ Container = TrailerContainer{}

// Embed returns a new buffer; doc is not modified.
func (TrailerContainer) Embed(doc []byte, env *Envelope) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint8(env.Version)
	b.AddUint64(uint64(len(doc)))
	b.AddUint32LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(env.Certificate) })
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes([]byte(env.Reason)) })
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes([]byte(env.Location)) })
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(env.Signature) })
	b.AddUint32LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(env.TimestampToken) })
	encoded, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}

	out := make([]byte, 0, len(doc)+len(encoded)+trailerSize)
	out = append(out, doc...)
	out = append(out, encoded...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(encoded)))
	out = append(out, trailerMagic...)
	return out, nil
}

// Extract parses strictly: unknown versions, length disagreements and
// trailing bytes inside the envelope are all rejected.
func (TrailerContainer) Extract(signed []byte) ([]byte, *Envelope, error) {
	if len(signed) < trailerSize || !bytes.HasSuffix(signed, trailerMagic) {
		return nil, nil, ErrNoSignature
	}

	envLen := uint64(binary.BigEndian.Uint32(signed[len(signed)-trailerSize:]))
	body := signed[:len(signed)-trailerSize]
	if envLen > uint64(len(body)) {
		return nil, nil, fmt.Errorf("%w: envelope length %d exceeds document", ErrMalformedContainer, envLen)
	}
	doc, raw := body[:uint64(len(body))-envLen], body[uint64(len(body))-envLen:]

	env := &Envelope{}
	var cert, reason, location, sig, token cryptobyte.String
	s := cryptobyte.String(raw)
	if !s.ReadUint8(&env.Version) ||
		!s.ReadUint64(&env.DocumentLength) ||
		!s.ReadUint32LengthPrefixed(&cert) ||
		!s.ReadUint16LengthPrefixed(&reason) ||
		!s.ReadUint16LengthPrefixed(&location) ||
		!s.ReadUint16LengthPrefixed(&sig) ||
		!s.ReadUint32LengthPrefixed(&token) ||
		!s.Empty() {
		return nil, nil, fmt.Errorf("%w: truncated or oversized envelope", ErrMalformedContainer)
	}
	if env.Version != EnvelopeVersion {
		return nil, nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedContainer, env.Version)
	}
	if env.DocumentLength != uint64(len(doc)) {
		return nil, nil, fmt.Errorf("%w: document length %d, envelope says %d", ErrMalformedContainer, len(doc), env.DocumentLength)
	}

	env.Certificate = bytes.Clone(cert)
	env.Reason = string(reason)
	env.Location = string(location)
	env.Signature = bytes.Clone(sig)
	if len(token) > 0 {
		env.TimestampToken = bytes.Clone(token)
	}
	return doc, env, nil
}
