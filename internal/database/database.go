// Package database provides the PostgreSQL connection pool and schema used
// by the server-side store.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/abdul-hamid-achik/attest/internal/config"
)

// DB wraps a pgxpool.Pool for database operations.
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, cfg *config.DatabaseConfig) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = cfg.ConnMaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// Ping verifies the database connection is still alive.
func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Health returns pool statistics and the result of a ping.
func (db *DB) Health(ctx context.Context) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	stats := db.Pool.Stat()
	health := map[string]any{
		"status":         "healthy",
		"total_conns":    stats.TotalConns(),
		"acquired_conns": stats.AcquiredConns(),
		"idle_conns":     stats.IdleConns(),
		"max_conns":      stats.MaxConns(),
	}

	if err := db.Ping(ctx); err != nil {
		health["status"] = "unhealthy"
		health["error"] = err.Error()
		return health, err
	}
	return health, nil
}

// Transaction executes fn within a database transaction. If fn returns an
// error the transaction is rolled back, otherwise it is committed.
func (db *DB) Transaction(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("tx failed: %w, rollback failed: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Migrate creates the schema if it does not exist. Audit details are TEXT,
// not JSONB, because JSONB reorders keys and the stored bytes must hash
// back to the recorded digest.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS vault_meta (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	data       BYTEA NOT NULL
);

CREATE TABLE IF NOT EXISTS identities (
	id                    UUID PRIMARY KEY,
	encrypted_name        BYTEA NOT NULL,
	owner_id              TEXT NOT NULL,
	certificate           BYTEA NOT NULL,
	public_key            BYTEA NOT NULL,
	encrypted_private_key BYTEA NOT NULL,
	created_at            TIMESTAMPTZ NOT NULL,
	revoked_at            TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS signatures (
	id                      TEXT PRIMARY KEY,
	file_id                 TEXT NOT NULL DEFAULT '',
	key_id                  UUID NOT NULL,
	document_hash           TEXT NOT NULL,
	reason                  TEXT NOT NULL DEFAULT '',
	location                TEXT NOT NULL DEFAULT '',
	signature               BYTEA NOT NULL,
	certificate_fingerprint TEXT NOT NULL,
	timestamp_token         BYTEA,
	timestamp_gen_time      TIMESTAMPTZ,
	audit_entry_id          BIGINT NOT NULL DEFAULT 0,
	created_at              TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_signatures_key_id ON signatures(key_id);

CREATE TABLE IF NOT EXISTS audit_log (
	id            BIGSERIAL PRIMARY KEY,
	action        TEXT NOT NULL,
	details       TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	previous_hash TEXT NOT NULL UNIQUE,
	hash          TEXT NOT NULL UNIQUE,
	ip_address    TEXT NOT NULL DEFAULT '',
	user_agent    TEXT NOT NULL DEFAULT ''
);
`
