package mcp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/abdul-hamid-achik/attest/internal/keyvault"
	"github.com/abdul-hamid-achik/attest/internal/signing"
)

// --- attest_sign_document ---

type signDocumentInput struct {
	Path     string `json:"path" jsonschema:"Path of the document to sign."`
	Identity string `json:"identity" jsonschema:"Name or id of the signing identity."`
	Reason   string `json:"reason,omitempty" jsonschema:"Reason for signing."`
	Location string `json:"location,omitempty" jsonschema:"Where the document was signed."`
	Output   string `json:"output,omitempty" jsonschema:"Path of the signed document. Defaults to path + .attest."`
}

type signDocumentOutput struct {
	SignatureID  string `json:"signature_id"`
	Output       string `json:"output"`
	DocumentHash string `json:"document_hash"`
	Fingerprint  string `json:"fingerprint"`
	Timestamp    string `json:"timestamp,omitempty"`
	Warning      string `json:"warning,omitempty"`
}

// --- attest_verify_document ---

type verifyDocumentInput struct {
	Path string `json:"path" jsonschema:"Path of the signed document."`
}

type verifyDocumentOutput struct {
	Valid          bool   `json:"valid"`
	Signer         string `json:"signer,omitempty"`
	DocumentHash   string `json:"document_hash,omitempty"`
	Fingerprint    string `json:"fingerprint,omitempty"`
	Reason         string `json:"reason,omitempty"`
	Location       string `json:"location,omitempty"`
	Timestamp      string `json:"timestamp,omitempty"`
	ChainValidated bool   `json:"timestamp_chain_validated,omitempty"`
	Error          string `json:"error,omitempty"`
}

func (s *AttestMCPServer) registerSigningTools() {
	sdkmcp.AddTool(s.server, &sdkmcp.Tool{
		Name: "attest_sign_document",
		Description: "Sign a document file with a vaulted identity and write the signed copy. " +
			"Signing is legally meaningful and is recorded in the audit chain; only sign when explicitly asked to.",
	}, s.handleSignDocument)

	sdkmcp.AddTool(s.server, &sdkmcp.Tool{
		Name:        "attest_verify_document",
		Description: "Verify a signed document file: signature, embedded certificate and timestamp. Needs no key material.",
	}, s.handleVerifyDocument)
}

func (s *AttestMCPServer) findIdentity(ctx context.Context, ref string) (*keyvault.IdentityView, error) {
	views, err := s.svc.AvailableForSigning(ctx, s.mk)
	if err != nil {
		return nil, err
	}
	var match *keyvault.IdentityView
	for i := range views {
		if views[i].Name != ref && views[i].ID.String() != ref {
			continue
		}
		if match != nil {
			return nil, fmt.Errorf("identity %q is ambiguous, use its id", ref)
		}
		match = &views[i]
	}
	if match == nil {
		return nil, fmt.Errorf("no identity %q available for signing", ref)
	}
	return match, nil
}

func (s *AttestMCPServer) handleSignDocument(ctx context.Context, _ *sdkmcp.CallToolRequest, input signDocumentInput) (*sdkmcp.CallToolResult, signDocumentOutput, error) {
	if !s.policy.CanSign() {
		return nil, signDocumentOutput{}, fmt.Errorf("signing is not allowed by policy (access_mode: %s)", s.policy.AccessMode)
	}

	output := input.Output
	if output == "" {
		output = input.Path + ".attest"
	}
	if !s.policy.CanAccessPath(input.Path) || !s.policy.CanAccessPath(output) {
		return nil, signDocumentOutput{}, fmt.Errorf("path is not allowed by policy")
	}

	identity, err := s.findIdentity(ctx, input.Identity)
	if err != nil {
		return nil, signDocumentOutput{}, err
	}
	if !s.policy.CanUseIdentity(identity.Name) {
		return nil, signDocumentOutput{}, fmt.Errorf("identity %q is not allowed by policy", input.Identity)
	}

	if limit := s.policy.MaxSignsPerSession; limit > 0 && int(s.signs.Add(1)) > limit {
		return nil, signDocumentOutput{}, fmt.Errorf("signature limit of %d per session reached", limit)
	}

	doc, err := os.ReadFile(input.Path)
	if err != nil {
		return nil, signDocumentOutput{}, fmt.Errorf("read document: %w", err)
	}

	res, err := s.svc.SignDocument(withProvenance(ctx), doc, identity.ID, s.mk, signing.Options{
		FileID:    filepath.Base(input.Path),
		Reason:    input.Reason,
		Location:  input.Location,
		Timestamp: s.timestamp,
	})
	if err != nil {
		return nil, signDocumentOutput{}, fmt.Errorf("sign: %w", err)
	}
	if err := os.WriteFile(output, res.SignedDocument, 0o644); err != nil {
		return nil, signDocumentOutput{}, fmt.Errorf("signature %s recorded but writing output failed: %w", res.Record.ID, err)
	}

	out := signDocumentOutput{
		SignatureID:  res.Record.ID,
		Output:       output,
		DocumentHash: res.Record.DocumentHash,
		Fingerprint:  res.Record.CertificateFingerprint,
	}
	if res.Stamped() {
		out.Timestamp = res.Timestamp.GenTime.UTC().Format(time.RFC3339)
	}
	if res.TimestampErr != nil {
		out.Warning = "signed without a timestamp: " + res.TimestampErr.Error()
	}
	return nil, out, nil
}

func (s *AttestMCPServer) handleVerifyDocument(_ context.Context, _ *sdkmcp.CallToolRequest, input verifyDocumentInput) (*sdkmcp.CallToolResult, verifyDocumentOutput, error) {
	if !s.policy.CanAccessPath(input.Path) {
		return nil, verifyDocumentOutput{}, fmt.Errorf("path is not allowed by policy")
	}
	signed, err := os.ReadFile(input.Path)
	if err != nil {
		return nil, verifyDocumentOutput{}, fmt.Errorf("read document: %w", err)
	}

	// A failed verification is a result, not a tool error.
	v, err := s.svc.VerifyDocument(signed)
	if err != nil {
		return nil, verifyDocumentOutput{Valid: false, Error: err.Error()}, nil
	}

	out := verifyDocumentOutput{
		Valid:        true,
		Signer:       v.Certificate.Subject.CommonName,
		DocumentHash: v.DocumentHash,
		Fingerprint:  v.Fingerprint,
		Reason:       v.Reason,
		Location:     v.Location,
	}
	if v.Timestamp != nil {
		out.Timestamp = v.Timestamp.GenTime.UTC().Format(time.RFC3339)
		out.ChainValidated = v.Timestamp.ChainValidated
	}
	return nil, out, nil
}
