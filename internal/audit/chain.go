package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/abdul-hamid-achik/attest/internal/logging"
	"github.com/abdul-hamid-achik/attest/internal/metrics"
	"github.com/abdul-hamid-achik/attest/internal/store"
)

// ErrAppendConflict is returned when an append still loses the tail race
// after every retry.
var ErrAppendConflict = store.ErrAppendConflict

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("audit chain closed")

const (
	defaultMaxAttempts    = 8
	defaultInitialBackoff = 10 * time.Millisecond
)

// Provenance describes where an audited operation came from. It is stored
// with the entry but not covered by its hash.
type Provenance struct {
	IPAddress string
	UserAgent string
}

// Recorder appends audit entries. Chain implements it.
type Recorder interface {
	Append(ctx context.Context, d Details, p Provenance) (*store.AuditEntry, error)
}

// Chain appends entries to an AuditStore. All appends from one Chain go
// through a single writer goroutine, so they never race each other. Writers
// in other processes are handled by the store's compare-and-swap on the
// tail: a lost race is retried against the fresh tail with exponential
// backoff, up to a bounded number of attempts.
type Chain struct {
	store          store.AuditStore
	maxAttempts    int
	initialBackoff time.Duration
	now            func() time.Time

	reqs      chan appendRequest
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type appendRequest struct {
	ctx     context.Context
	details Details
	prov    Provenance
	resp    chan appendResult
}

type appendResult struct {
	entry *store.AuditEntry
	err   error
}

// Option configures a Chain.
type Option func(*Chain)

// WithMaxAttempts bounds the number of CAS attempts per append.
func WithMaxAttempts(n int) Option {
	return func(c *Chain) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithInitialBackoff sets the first retry delay after a conflict.
func WithInitialBackoff(d time.Duration) Option {
	return func(c *Chain) {
		if d > 0 {
			c.initialBackoff = d
		}
	}
}

// WithClock overrides the time source for created_at.
func WithClock(now func() time.Time) Option {
	return func(c *Chain) { c.now = now }
}

// NewChain starts the writer goroutine. Call Close to stop it.
func NewChain(s store.AuditStore, opts ...Option) *Chain {
	c := &Chain{
		store:          s,
		maxAttempts:    defaultMaxAttempts,
		initialBackoff: defaultInitialBackoff,
		now:            time.Now,
		reqs:           make(chan appendRequest),
		quit:           make(chan struct{}),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.run()
	return c
}

func (c *Chain) run() {
	defer close(c.done)
	for {
		select {
		case req := <-c.reqs:
			entry, err := c.appendWithRetry(req.ctx, req.details, req.prov)
			req.resp <- appendResult{entry: entry, err: err}
		case <-c.quit:
			return
		}
	}
}

// Close stops the writer after any in-flight append finishes.
// It is safe to call more than once and from several goroutines.
func (c *Chain) Close() error {
	c.closeOnce.Do(func() { close(c.quit) })
	<-c.done
	return nil
}

// Append records d and returns the stored entry. Once the writer accepts
// the request the append runs to completion even if ctx is cancelled
// afterwards; callers that must not lose an entry pass a context without
// cancellation.
func (c *Chain) Append(ctx context.Context, d Details, p Provenance) (*store.AuditEntry, error) {
	req := appendRequest{ctx: ctx, details: d, prov: p, resp: make(chan appendResult, 1)}

	select {
	case c.reqs <- req:
	case <-c.quit:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	res := <-req.resp
	return res.entry, res.err
}

func (c *Chain) appendWithRetry(ctx context.Context, d Details, p Provenance) (*store.AuditEntry, error) {
	details, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal details: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.maxAttempts-1)), ctx)

	var entry *store.AuditEntry
	attempt := 0
	op := func() error {
		attempt++
		prev := GenesisHash
		tail, err := c.store.AuditTail(ctx)
		switch {
		case err == nil:
			prev = tail.Hash
		case errors.Is(err, store.ErrNotFound):
		default:
			return backoff.Permanent(fmt.Errorf("load tail: %w", err))
		}

		e := &store.AuditEntry{
			Action:       string(d.Action()),
			Details:      details,
			CreatedAt:    c.now().UTC().Truncate(TimePrecision),
			PreviousHash: prev,
			IPAddress:    p.IPAddress,
			UserAgent:    p.UserAgent,
		}
		if e.Hash, err = Hash(e); err != nil {
			return backoff.Permanent(err)
		}

		if err := c.store.AppendAudit(ctx, e); err != nil {
			if errors.Is(err, store.ErrAppendConflict) {
				metrics.AuditAppendConflicts.Inc()
				logging.Logger(ctx).Debug("audit_append_conflict", "action", e.Action, "attempt", attempt)
				return err
			}
			return backoff.Permanent(err)
		}
		entry = e
		return nil
	}

	if err := backoff.Retry(op, policy); err != nil {
		if errors.Is(err, store.ErrAppendConflict) {
			logging.Logger(ctx).Error("audit_append_exhausted", slog.String("action", string(d.Action())), slog.Int("attempts", attempt))
			return nil, fmt.Errorf("append %s after %d attempts: %w", d.Action(), attempt, err)
		}
		return nil, fmt.Errorf("append %s: %w", d.Action(), err)
	}
	return entry, nil
}

// Tail returns the last entry, or nil on an empty chain.
func (c *Chain) Tail(ctx context.Context) (*store.AuditEntry, error) {
	e, err := c.store.AuditTail(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return e, err
}

// Page returns one page of the chain. See Page.
func (c *Chain) Page(ctx context.Context, page, size int) ([]*store.AuditEntry, int, error) {
	return Page(ctx, c.store, page, size)
}
