package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/abdul-hamid-achik/attest/internal/store"
)

// ErrInvalidPage is returned for a page number or size below one.
var ErrInvalidPage = errors.New("page and page size must be positive")

// Page returns entries for a 1-indexed page in chain order and the total
// number of pages. A page past the end yields no entries. Reading never
// mutates the chain; a page can be verified on its own with Verify, given
// the hash of the entry before it.
func Page(ctx context.Context, s store.AuditStore, page, size int) ([]*store.AuditEntry, int, error) {
	if page < 1 || size < 1 {
		return nil, 0, ErrInvalidPage
	}

	count, err := s.CountAudit(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("count audit entries: %w", err)
	}
	totalPages := (count + size - 1) / size
	if page > totalPages {
		return []*store.AuditEntry{}, totalPages, nil
	}

	entries, err := s.ListAudit(ctx, (page-1)*size, size)
	if err != nil {
		return nil, 0, fmt.Errorf("list audit entries: %w", err)
	}
	return entries, totalPages, nil
}
