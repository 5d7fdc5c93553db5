// Package store is the durable record of accounts, entitlement grants,
// verified transactions, and inbound billing events, backed by SQLite.
// All grant mutations go through CreateGrant/TransitionGrant so the
// optimistic-concurrency invariant is enforced in one place.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConcurrentModification is returned when a grant transition loses an
	// optimistic-concurrency race. Callers re-read and retry.
	ErrConcurrentModification = errors.New("concurrent modification")
)

// Store provides CRUD operations for entitlement records backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the entitlement database in dir.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	dbPath := filepath.Join(dir, "entitlements.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open entitlement db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id               TEXT PRIMARY KEY,
		tier             TEXT NOT NULL DEFAULT 'free',
		features         TEXT NOT NULL DEFAULT '',
		last_resolved_at INTEGER,
		past_due         INTEGER NOT NULL DEFAULT 0,
		created_at       INTEGER NOT NULL,
		updated_at       INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS grants (
		id             TEXT PRIMARY KEY,
		account_id     TEXT NOT NULL,
		kind           TEXT NOT NULL,
		tier           TEXT NOT NULL,
		start_at       INTEGER NOT NULL,
		end_at         INTEGER,
		state          TEXT NOT NULL DEFAULT 'active',
		platform       TEXT NOT NULL DEFAULT '',
		transaction_id TEXT NOT NULL DEFAULT '',
		version        INTEGER NOT NULL DEFAULT 1,
		created_at     INTEGER NOT NULL,
		updated_at     INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_grants_account_id ON grants(account_id);
	CREATE INDEX IF NOT EXISTS idx_grants_transaction_id ON grants(transaction_id);
	CREATE INDEX IF NOT EXISTS idx_grants_state_end ON grants(state, end_at);
	CREATE TABLE IF NOT EXISTS transactions (
		transaction_id TEXT PRIMARY KEY,
		platform       TEXT NOT NULL,
		product_id     TEXT NOT NULL,
		account_id     TEXT NOT NULL,
		status         TEXT NOT NULL,
		grant_id       TEXT NOT NULL DEFAULT '',
		created_at     INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS webhook_events (
		event_id         TEXT PRIMARY KEY,
		platform         TEXT NOT NULL,
		event_type       TEXT NOT NULL,
		transaction_id   TEXT NOT NULL DEFAULT '',
		payload          TEXT NOT NULL DEFAULT '',
		processed        INTEGER NOT NULL DEFAULT 0,
		unmatched        INTEGER NOT NULL DEFAULT 0,
		unmatched_reason TEXT NOT NULL DEFAULT '',
		retry_count      INTEGER NOT NULL DEFAULT 0,
		received_at      INTEGER NOT NULL,
		processed_at     INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_webhook_events_unmatched ON webhook_events(unmatched) WHERE unmatched = 1;
	CREATE TABLE IF NOT EXISTS grant_audit (
		id         TEXT PRIMARY KEY,
		grant_id   TEXT NOT NULL,
		from_state TEXT NOT NULL,
		to_state   TEXT NOT NULL,
		end_at     INTEGER,
		note       TEXT NOT NULL DEFAULT '',
		at         INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_grant_audit_grant_id ON grant_audit(grant_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init entitlement schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *Store) Ping() error {
	return s.db.Ping()
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func nullableTimeUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func nullableTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
