package audit

import "context"

type provenanceKey struct{}

// WithProvenance returns a copy of ctx carrying p. The API sets it per
// request so that vault and signing operations record where they came from.
func WithProvenance(ctx context.Context, p Provenance) context.Context {
	return context.WithValue(ctx, provenanceKey{}, p)
}

// ProvenanceFrom returns the provenance stored in ctx, or the zero value.
func ProvenanceFrom(ctx context.Context) Provenance {
	p, _ := ctx.Value(provenanceKey{}).(Provenance)
	return p
}
