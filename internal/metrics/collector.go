package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/abdul-hamid-achik/attest/internal/store"
)

// Source is the read-only view of storage the collector polls.
type Source interface {
	ListIdentities(ctx context.Context) ([]*store.Identity, error)
	CountAudit(ctx context.Context) (int, error)
}

// StartCollector periodically refreshes gauge metrics until ctx is done.
// pool may be nil when the server does not run on Postgres.
func StartCollector(ctx context.Context, src Source, pool *pgxpool.Pool, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Collect immediately on startup
	Collect(ctx, src, pool)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			Collect(ctx, src, pool)
		}
	}
}

// Collect performs one collection pass.
func Collect(ctx context.Context, src Source, pool *pgxpool.Pool) {
	if pool != nil {
		stats := pool.Stat()
		DatabaseConnections.WithLabelValues("in_use").Set(float64(stats.AcquiredConns()))
		DatabaseConnections.WithLabelValues("idle").Set(float64(stats.IdleConns()))
		DatabaseConnections.WithLabelValues("max_open").Set(float64(stats.MaxConns()))
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if identities, err := src.ListIdentities(ctx); err == nil {
		var active, revoked int
		for _, i := range identities {
			if i.Revoked() {
				revoked++
			} else {
				active++
			}
		}
		IdentitiesTotal.WithLabelValues("active").Set(float64(active))
		IdentitiesTotal.WithLabelValues("revoked").Set(float64(revoked))
	} else {
		slog.Debug("failed to list identities for metrics", "error", err)
	}

	if n, err := src.CountAudit(ctx); err == nil {
		AuditEntriesTotal.Set(float64(n))
	} else {
		slog.Debug("failed to count audit entries for metrics", "error", err)
	}
}
