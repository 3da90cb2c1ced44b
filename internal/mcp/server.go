// Package mcp exposes an unlocked vault to AI agents over the Model Context
// Protocol. What an agent may do is bounded by an AccessPolicy.
package mcp

import (
	"context"
	"sync/atomic"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/abdul-hamid-achik/attest/internal/attest"
	"github.com/abdul-hamid-achik/attest/internal/audit"
	"github.com/abdul-hamid-achik/attest/internal/session"
)

// userAgent is recorded as provenance on audit entries made through MCP.
const userAgent = "attest-mcp/1.0"

// AttestMCPServer wraps a service and an unlocked master key and exposes
// them as an MCP server.
type AttestMCPServer struct {
	server    *sdkmcp.Server
	svc       *attest.Service
	mk        *session.MasterKey
	policy    *AccessPolicy
	timestamp bool
	signs     atomic.Int32
}

// NewAttestMCPServer creates a new MCP server. timestamp requests RFC 3161
// tokens on signatures and should be set only when an authority is
// configured on svc.
func NewAttestMCPServer(svc *attest.Service, mk *session.MasterKey, policy *AccessPolicy, timestamp bool) *AttestMCPServer {
	if policy == nil {
		policy = DefaultPolicy()
	}

	s := &AttestMCPServer{
		svc:       svc,
		mk:        mk,
		policy:    policy,
		timestamp: timestamp,
	}

	s.server = sdkmcp.NewServer(
		&sdkmcp.Implementation{
			Name:    "attest",
			Version: "1.0.0",
		},
		&sdkmcp.ServerOptions{
			Instructions: "attest signs documents with vaulted identities and keeps a tamper-evident audit chain. " +
				"Verify before trusting a signed document; every signature you make is recorded in the audit chain.",
		},
	)

	s.registerIdentityTools()
	s.registerSigningTools()
	s.registerAuditTools()

	return s
}

// Run starts the MCP server on the stdio transport.
func (s *AttestMCPServer) Run(ctx context.Context) error {
	return s.server.Run(ctx, &sdkmcp.StdioTransport{})
}

func withProvenance(ctx context.Context) context.Context {
	return audit.WithProvenance(ctx, audit.Provenance{UserAgent: userAgent})
}
