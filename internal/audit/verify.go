package audit

import (
	"context"
	"errors"
	"fmt"

	"github.com/abdul-hamid-achik/attest/internal/store"
)

// ErrChainBroken matches any *ChainBrokenError with errors.Is.
var ErrChainBroken = errors.New("audit chain broken")

// ChainBrokenError identifies the earliest entry at which verification
// failed. Index is the position in the verified sequence; for a paged
// store walk it is the position in the whole chain.
type ChainBrokenError struct {
	Index   int
	EntryID uint64
	Reason  string
}

func (e *ChainBrokenError) Error() string {
	return fmt.Sprintf("audit chain broken at index %d (entry %d): %s", e.Index, e.EntryID, e.Reason)
}

// Is reports whether target is ErrChainBroken.
func (e *ChainBrokenError) Is(target error) bool {
	return target == ErrChainBroken
}

// VerifyEntry recomputes one entry's hash and compares it with the stored
// value.
func VerifyEntry(e *store.AuditEntry) error {
	computed, err := Hash(e)
	if err != nil {
		return err
	}
	if computed != e.Hash {
		return fmt.Errorf("hash mismatch: stored %s, computed %s", e.Hash, computed)
	}
	return nil
}

// Verify checks a contiguous run of entries that should chain from the
// hash from. It returns nil for a valid run and a *ChainBrokenError naming
// the first entry whose linkage, order, or content hash does not hold.
func Verify(entries []*store.AuditEntry, from string) error {
	_, err := verifyFrom(entries, from, 0)
	return err
}

// VerifyChain verifies a complete chain starting at the genesis entry.
func VerifyChain(entries []*store.AuditEntry) error {
	return Verify(entries, GenesisHash)
}

// Valid reports whether entries form a valid chain from genesis.
func Valid(entries []*store.AuditEntry) bool {
	return VerifyChain(entries) == nil
}

func verifyFrom(entries []*store.AuditEntry, prev string, base int) (*store.AuditEntry, error) {
	var last *store.AuditEntry
	for i, e := range entries {
		idx := base + i
		if e.PreviousHash != prev {
			return nil, &ChainBrokenError{Index: idx, EntryID: e.ID, Reason: "previous_hash does not match preceding entry"}
		}
		if last != nil && e.ID <= last.ID {
			return nil, &ChainBrokenError{Index: idx, EntryID: e.ID, Reason: "entry id out of order"}
		}
		if err := VerifyEntry(e); err != nil {
			return nil, &ChainBrokenError{Index: idx, EntryID: e.ID, Reason: err.Error()}
		}
		prev = e.Hash
		last = e
	}
	return last, nil
}

// VerifyStore walks the whole chain held by s in pages of pageSize and
// verifies it from genesis. It returns the number of verified entries.
func VerifyStore(ctx context.Context, s store.AuditStore, pageSize int) (int, error) {
	if pageSize < 1 {
		return 0, ErrInvalidPage
	}

	prev := GenesisHash
	var lastID uint64
	offset := 0
	for {
		entries, err := s.ListAudit(ctx, offset, pageSize)
		if err != nil {
			return offset, fmt.Errorf("list audit entries: %w", err)
		}
		if len(entries) == 0 {
			return offset, nil
		}
		if entries[0].ID <= lastID {
			return offset, &ChainBrokenError{Index: offset, EntryID: entries[0].ID, Reason: "entry id out of order"}
		}

		last, err := verifyFrom(entries, prev, offset)
		if err != nil {
			return offset, err
		}
		prev = last.Hash
		lastID = last.ID
		offset += len(entries)

		if len(entries) < pageSize {
			return offset, nil
		}
	}
}
