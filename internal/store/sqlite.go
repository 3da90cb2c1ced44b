package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration
)

// SQLiteAuditStore is a standalone audit ledger backed by SQLite. It
// implements AuditStore only and lets a deployment keep the audit chain in
// a separate file from identity and signature data.
type SQLiteAuditStore struct {
	db *sql.DB
}

var _ AuditStore = (*SQLiteAuditStore)(nil)

// OpenSQLiteAuditStore opens or creates a ledger at the given path.
func OpenSQLiteAuditStore(path string) (*SQLiteAuditStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serialises the tail check and insert of concurrent
	// appends and avoids SQLITE_BUSY between pooled connections.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_log (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			action        TEXT NOT NULL,
			details       TEXT NOT NULL,
			created_at    TEXT NOT NULL,
			previous_hash TEXT NOT NULL UNIQUE,
			hash          TEXT NOT NULL UNIQUE,
			ip_address    TEXT NOT NULL DEFAULT '',
			user_agent    TEXT NOT NULL DEFAULT ''
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit table: %w", err)
	}

	return &SQLiteAuditStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteAuditStore) Close() error {
	return s.db.Close()
}

const sqliteAuditColumns = `id, action, details, created_at, previous_hash, hash, ip_address, user_agent`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteAudit(row rowScanner) (*AuditEntry, error) {
	var e AuditEntry
	var details, created string
	if err := row.Scan(&e.ID, &e.Action, &details, &created, &e.PreviousHash, &e.Hash, &e.IPAddress, &e.UserAgent); err != nil {
		return nil, err
	}
	ts, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	e.CreatedAt = ts
	e.Details = []byte(details)
	return &e, nil
}

// AuditTail returns the last entry, or ErrNotFound on an empty ledger.
func (s *SQLiteAuditStore) AuditTail(ctx context.Context) (*AuditEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteAuditColumns+` FROM audit_log ORDER BY id DESC LIMIT 1`)
	e, err := scanSQLiteAudit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load audit tail: %w", err)
	}
	return e, nil
}

// AppendAudit inserts entry if it chains from the current tail.
func (s *SQLiteAuditStore) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	want := GenesisHash
	var tail string
	err = tx.QueryRowContext(ctx, `SELECT hash FROM audit_log ORDER BY id DESC LIMIT 1`).Scan(&tail)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("load audit tail: %w", err)
	default:
		want = tail
	}
	if entry.PreviousHash != want {
		return ErrAppendConflict
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO audit_log (action, details, created_at, previous_hash, hash, ip_address, user_agent)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, entry.Action, string(entry.Details), entry.CreatedAt.UTC().Format(time.RFC3339Nano),
		entry.PreviousHash, entry.Hash, entry.IPAddress, entry.UserAgent)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("audit entry id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	entry.ID = uint64(id)
	return nil
}

// ListAudit returns entries in chain order.
func (s *SQLiteAuditStore) ListAudit(ctx context.Context, offset, limit int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteAuditColumns+` FROM audit_log ORDER BY id LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		e, err := scanSQLiteAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CountAudit returns the number of entries.
func (s *SQLiteAuditStore) CountAudit(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit log: %w", err)
	}
	return n, nil
}
