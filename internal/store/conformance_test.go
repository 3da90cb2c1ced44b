package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeHash returns a distinct 64-char value per n. The store does not
// recompute hashes, so any unique string works for linkage tests.
func fakeHash(n int) string {
	return fmt.Sprintf("%064x", n)
}

func newEntry(prev string, n int) *AuditEntry {
	return &AuditEntry{
		Action:       "KEY_CREATED",
		Details:      json.RawMessage(fmt.Sprintf(`{"identity_id":"id-%d"}`, n)),
		CreatedAt:    time.Now().UTC().Truncate(time.Microsecond),
		PreviousHash: prev,
		Hash:         fakeHash(n),
		IPAddress:    "127.0.0.1",
		UserAgent:    "attest-test",
	}
}

// testAuditStore exercises the AuditStore contract against any backend.
func testAuditStore(t *testing.T, s AuditStore) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.AuditTail(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("AuditTail on empty log: expected ErrNotFound, got %v", err)
	}

	// First entry must chain from genesis.
	if err := s.AppendAudit(ctx, newEntry(fakeHash(99), 1)); !errors.Is(err, ErrAppendConflict) {
		t.Fatalf("append with wrong genesis: expected ErrAppendConflict, got %v", err)
	}

	prev := GenesisHash
	for i := 1; i <= 5; i++ {
		e := newEntry(prev, i)
		if err := s.AppendAudit(ctx, e); err != nil {
			t.Fatalf("AppendAudit %d: %v", i, err)
		}
		if e.ID == 0 {
			t.Fatalf("AppendAudit %d: id not assigned", i)
		}
		prev = e.Hash
	}

	// Stale previous hash is rejected.
	if err := s.AppendAudit(ctx, newEntry(fakeHash(3), 6)); !errors.Is(err, ErrAppendConflict) {
		t.Fatalf("stale append: expected ErrAppendConflict, got %v", err)
	}

	tail, err := s.AuditTail(ctx)
	if err != nil {
		t.Fatalf("AuditTail: %v", err)
	}
	if tail.Hash != fakeHash(5) {
		t.Errorf("tail hash = %s, want %s", tail.Hash, fakeHash(5))
	}

	n, err := s.CountAudit(ctx)
	if err != nil {
		t.Fatalf("CountAudit: %v", err)
	}
	if n != 5 {
		t.Errorf("CountAudit = %d, want 5", n)
	}

	all, err := s.ListAudit(ctx, 0, 0)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("ListAudit returned %d entries, want 5", len(all))
	}
	for i, e := range all {
		if i > 0 {
			if e.ID <= all[i-1].ID {
				t.Errorf("entry %d id %d not increasing", i, e.ID)
			}
			if e.PreviousHash != all[i-1].Hash {
				t.Errorf("entry %d does not link to entry %d", i, i-1)
			}
		}
		if e.UserAgent != "attest-test" {
			t.Errorf("entry %d user agent = %q", i, e.UserAgent)
		}
	}

	var details map[string]string
	if err := json.Unmarshal(all[0].Details, &details); err != nil {
		t.Fatalf("details not valid json: %v", err)
	}
	if details["identity_id"] != "id-1" {
		t.Errorf("details = %v", details)
	}

	page, err := s.ListAudit(ctx, 2, 2)
	if err != nil {
		t.Fatalf("ListAudit page: %v", err)
	}
	if len(page) != 2 || page[0].Hash != fakeHash(3) || page[1].Hash != fakeHash(4) {
		t.Errorf("ListAudit(2, 2) returned wrong window")
	}

	past, err := s.ListAudit(ctx, 10, 2)
	if err != nil {
		t.Fatalf("ListAudit past end: %v", err)
	}
	if len(past) != 0 {
		t.Errorf("ListAudit past end returned %d entries", len(past))
	}
}

// testAuditStoreRace checks that concurrent writers racing on the same
// tail never fork the chain: exactly one wins each round.
func testAuditStoreRace(t *testing.T, s AuditStore) {
	t.Helper()
	ctx := context.Background()

	const writers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.AppendAudit(ctx, newEntry(GenesisHash, 100+i))
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrAppendConflict) {
				t.Errorf("writer %d: unexpected error %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	n, err := s.CountAudit(ctx)
	if err != nil {
		t.Fatalf("CountAudit: %v", err)
	}
	if n != 1 {
		t.Errorf("CountAudit = %d, want 1", n)
	}
}

// testRevocationFinal checks that UpdateIdentity never clears or moves a
// revocation, including a write prepared from a read taken before it.
func testRevocationFinal(t *testing.T, s IdentityStore) {
	t.Helper()
	ctx := context.Background()

	identity := newTestIdentity(time.Now().UTC().Truncate(time.Microsecond))
	if err := s.CreateIdentity(ctx, identity); err != nil {
		t.Fatalf("CreateIdentity: %v", err)
	}

	// A rewrap prepared while the identity was still active.
	stale := *identity
	stale.EncryptedPrivateKey = []byte("rewrapped-key")

	revokedAt := time.Now().UTC().Truncate(time.Microsecond)
	revoked := *identity
	revoked.RevokedAt = &revokedAt
	if err := s.UpdateIdentity(ctx, &revoked); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	if err := s.UpdateIdentity(ctx, &stale); !errors.Is(err, ErrRevocationFinal) {
		t.Fatalf("stale update clearing revocation: expected ErrRevocationFinal, got %v", err)
	}

	moved := revokedAt.Add(time.Hour)
	stale.RevokedAt = &moved
	if err := s.UpdateIdentity(ctx, &stale); !errors.Is(err, ErrRevocationFinal) {
		t.Fatalf("update moving revocation: expected ErrRevocationFinal, got %v", err)
	}

	got, err := s.GetIdentity(ctx, identity.ID)
	if err != nil {
		t.Fatalf("GetIdentity: %v", err)
	}
	if !got.Revoked() || !got.RevokedAt.Equal(revokedAt) {
		t.Fatalf("revocation changed: got %v, want %v", got.RevokedAt, revokedAt)
	}
	if string(got.EncryptedPrivateKey) != "encrypted-key" {
		t.Errorf("rejected update wrote blobs: %q", got.EncryptedPrivateKey)
	}

	// Keeping the revocation time is a normal update.
	stale.RevokedAt = &revokedAt
	if err := s.UpdateIdentity(ctx, &stale); err != nil {
		t.Fatalf("update keeping revocation: %v", err)
	}
	if got, _ = s.GetIdentity(ctx, identity.ID); string(got.EncryptedPrivateKey) != "rewrapped-key" {
		t.Errorf("blobs not updated: %q", got.EncryptedPrivateKey)
	}
}

// testRevocationRace races one revoke against stale unrevoked writes. Once
// the revoke lands nothing may undo it.
func testRevocationRace(t *testing.T, s IdentityStore) {
	t.Helper()
	ctx := context.Background()

	identity := newTestIdentity(time.Now().UTC().Truncate(time.Microsecond))
	if err := s.CreateIdentity(ctx, identity); err != nil {
		t.Fatalf("CreateIdentity: %v", err)
	}

	const writers = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers+1)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stale := *identity
			err := s.UpdateIdentity(ctx, &stale)
			if err != nil && !errors.Is(err, ErrRevocationFinal) {
				errs <- err
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		revokedAt := time.Now().UTC().Truncate(time.Microsecond)
		revoked := *identity
		revoked.RevokedAt = &revokedAt
		if err := s.UpdateIdentity(ctx, &revoked); err != nil {
			errs <- err
		}
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("UpdateIdentity: %v", err)
	}

	got, err := s.GetIdentity(ctx, identity.ID)
	if err != nil {
		t.Fatalf("GetIdentity: %v", err)
	}
	if !got.Revoked() {
		t.Fatal("revocation was undone by a concurrent update")
	}
}
