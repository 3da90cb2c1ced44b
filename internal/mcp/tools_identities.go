package mcp

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/abdul-hamid-achik/attest/internal/crypto"
)

// --- attest_list_identities ---

type listIdentitiesInput struct {
	IncludeRevoked bool `json:"include_revoked,omitempty" jsonschema:"Also list revoked identities."`
}

type identityInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	OwnerID     string `json:"owner_id"`
	Fingerprint string `json:"fingerprint"`
	CreatedAt   string `json:"created_at"`
	Revoked     bool   `json:"revoked"`
}

type listIdentitiesOutput struct {
	Identities []identityInfo `json:"identities"`
}

func (s *AttestMCPServer) registerIdentityTools() {
	sdkmcp.AddTool(s.server, &sdkmcp.Tool{
		Name:        "attest_list_identities",
		Description: "List signing identities the policy allows. Returns names, ids and certificate fingerprints, never key material.",
	}, s.handleListIdentities)
}

func (s *AttestMCPServer) handleListIdentities(ctx context.Context, _ *sdkmcp.CallToolRequest, input listIdentitiesInput) (*sdkmcp.CallToolResult, listIdentitiesOutput, error) {
	views, err := s.svc.ListIdentities(ctx, s.mk)
	if err != nil {
		return nil, listIdentitiesOutput{}, fmt.Errorf("list identities: %w", err)
	}

	out := listIdentitiesOutput{Identities: []identityInfo{}}
	for _, v := range views {
		if v.Err != nil || !s.policy.CanUseIdentity(v.Name) {
			continue
		}
		if v.Revoked() && !input.IncludeRevoked {
			continue
		}
		out.Identities = append(out.Identities, identityInfo{
			ID:          v.ID.String(),
			Name:        v.Name,
			OwnerID:     v.OwnerID,
			Fingerprint: hex.EncodeToString(crypto.Fingerprint(v.Certificate)),
			CreatedAt:   v.CreatedAt.UTC().Format(time.RFC3339),
			Revoked:     v.Revoked(),
		})
	}
	sort.Slice(out.Identities, func(i, j int) bool {
		return out.Identities[i].CreatedAt < out.Identities[j].CreatedAt
	})

	return nil, out, nil
}
