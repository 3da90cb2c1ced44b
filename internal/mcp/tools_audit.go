package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/abdul-hamid-achik/attest/internal/audit"
)

// --- attest_audit_verify ---

type auditVerifyInput struct{}

type auditVerifyOutput struct {
	Valid    bool   `json:"valid"`
	Verified int    `json:"verified"`
	BrokenAt uint64 `json:"broken_at_entry,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// --- attest_audit_list ---

type auditListInput struct {
	Page int `json:"page,omitempty" jsonschema:"Page number starting at 1. Defaults to 1."`
	Size int `json:"size,omitempty" jsonschema:"Entries per page. Defaults to 20."`
}

type auditEntry struct {
	ID        uint64 `json:"id"`
	Action    string `json:"action"`
	Details   string `json:"details"`
	CreatedAt string `json:"created_at"`
	Hash      string `json:"hash"`
}

type auditListOutput struct {
	Entries    []auditEntry `json:"entries"`
	Page       int          `json:"page"`
	TotalPages int          `json:"total_pages"`
}

func (s *AttestMCPServer) registerAuditTools() {
	sdkmcp.AddTool(s.server, &sdkmcp.Tool{
		Name:        "attest_audit_verify",
		Description: "Verify the whole audit chain from genesis and report the first altered entry, if any.",
	}, s.handleAuditVerify)

	sdkmcp.AddTool(s.server, &sdkmcp.Tool{
		Name:        "attest_audit_list",
		Description: "List one page of the audit chain, oldest first.",
	}, s.handleAuditList)
}

func (s *AttestMCPServer) handleAuditVerify(ctx context.Context, _ *sdkmcp.CallToolRequest, _ auditVerifyInput) (*sdkmcp.CallToolResult, auditVerifyOutput, error) {
	n, err := s.svc.VerifyAuditChain(ctx)
	var broken *audit.ChainBrokenError
	if errors.As(err, &broken) {
		return nil, auditVerifyOutput{Valid: false, Verified: n, BrokenAt: broken.EntryID, Reason: broken.Reason}, nil
	}
	if err != nil {
		return nil, auditVerifyOutput{}, fmt.Errorf("verify audit chain: %w", err)
	}
	return nil, auditVerifyOutput{Valid: true, Verified: n}, nil
}

func (s *AttestMCPServer) handleAuditList(ctx context.Context, _ *sdkmcp.CallToolRequest, input auditListInput) (*sdkmcp.CallToolResult, auditListOutput, error) {
	page, size := input.Page, input.Size
	if page == 0 {
		page = 1
	}
	if size == 0 {
		size = 20
	}

	entries, totalPages, err := s.svc.AuditPage(ctx, page, size)
	if err != nil {
		return nil, auditListOutput{}, fmt.Errorf("list audit entries: %w", err)
	}

	out := auditListOutput{Entries: make([]auditEntry, 0, len(entries)), Page: page, TotalPages: totalPages}
	for _, e := range entries {
		out.Entries = append(out.Entries, auditEntry{
			ID:        e.ID,
			Action:    e.Action,
			Details:   string(e.Details),
			CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339Nano),
			Hash:      e.Hash,
		})
	}
	return nil, out, nil
}
