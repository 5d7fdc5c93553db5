package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const grantColumns = `id, account_id, kind, tier, start_at, end_at, state, platform, transaction_id, version, created_at, updated_at`

// CreateGrant inserts a new grant in state active and appends the initial
// audit entry. The grant ID and version are assigned here.
func (s *Store) CreateGrant(g *Grant) error {
	if g == nil {
		return fmt.Errorf("grant is nil")
	}
	if g.AccountID == "" {
		return fmt.Errorf("grant missing account id")
	}
	// Only an indefinite base subscription may omit the end time.
	if g.EndAt == nil && g.Kind != KindBaseSubscription {
		return fmt.Errorf("grant of kind %s requires an end time", g.Kind)
	}

	now := time.Now().UTC()
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.StartAt.IsZero() {
		g.StartAt = now
	}
	if g.State == "" {
		g.State = GrantStateActive
	}
	g.Version = 1
	g.CreatedAt = now
	g.UpdatedAt = now

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin create grant: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.Exec(`
		INSERT INTO grants (`+grantColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.AccountID, string(g.Kind), string(g.Tier),
		g.StartAt.Unix(), nullableTimeUnix(g.EndAt), string(g.State),
		g.Platform, g.TransactionID, g.Version,
		g.CreatedAt.Unix(), g.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create grant: %w", err)
	}

	if err := appendAudit(tx, g.ID, "", g.State, g.EndAt, "created", now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create grant: %w", err)
	}
	return nil
}

// GetGrant retrieves a grant by ID. Returns nil when it does not exist.
func (s *Store) GetGrant(id string) (*Grant, error) {
	row := s.db.QueryRow(`SELECT `+grantColumns+` FROM grants WHERE id = ?`, id)
	return scanGrant(row)
}

// GetGrantByTransactionID retrieves the grant whose provenance matches the
// given billing transaction id. Returns nil when no grant matches.
func (s *Store) GetGrantByTransactionID(txnID string) (*Grant, error) {
	row := s.db.QueryRow(`SELECT `+grantColumns+` FROM grants WHERE transaction_id = ?`, txnID)
	return scanGrant(row)
}

// ListGrants returns every grant for an account, newest first, regardless of
// state. Resolution inspects the full set.
func (s *Store) ListGrants(accountID string) ([]*Grant, error) {
	rows, err := s.db.Query(`SELECT `+grantColumns+` FROM grants WHERE account_id = ? ORDER BY created_at DESC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer rows.Close()
	return scanGrants(rows)
}

// ListActiveGrants returns grants conferring access at now: state active or
// cancelled-pending-expiry with an open or unexpired window.
func (s *Store) ListActiveGrants(accountID string, now time.Time) ([]*Grant, error) {
	rows, err := s.db.Query(`SELECT `+grantColumns+` FROM grants
		WHERE account_id = ?
		  AND state IN (?, ?)
		  AND start_at <= ?
		  AND (end_at IS NULL OR end_at > ?)
		ORDER BY created_at DESC`,
		accountID, string(GrantStateActive), string(GrantStateCancelledPending),
		now.Unix(), now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("list active grants: %w", err)
	}
	defer rows.Close()
	return scanGrants(rows)
}

// ListExpiryCandidates returns grants whose window has closed but whose state
// has not caught up yet. The sweep transitions them to expired.
func (s *Store) ListExpiryCandidates(now time.Time, limit int) ([]*Grant, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.Query(`SELECT `+grantColumns+` FROM grants
		WHERE state IN (?, ?)
		  AND end_at IS NOT NULL
		  AND end_at <= ?
		ORDER BY end_at ASC
		LIMIT ?`,
		string(GrantStateActive), string(GrantStateCancelledPending), now.Unix(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list expiry candidates: %w", err)
	}
	defer rows.Close()
	return scanGrants(rows)
}

// TransitionGrant moves a grant to newState, optionally replacing the end
// time (nil keeps the stored end). The update is guarded by the expected
// version: a mismatch on an existing grant returns ErrConcurrentModification
// and the caller must re-read and retry. Every applied transition appends an
// audit entry in the same transaction.
func (s *Store) TransitionGrant(grantID string, version int64, newState GrantState, newEnd *time.Time, note string) (*Grant, error) {
	now := time.Now().UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	current, err := scanGrant(tx.QueryRow(`SELECT `+grantColumns+` FROM grants WHERE id = ?`, grantID))
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("grant %q: %w", grantID, ErrNotFound)
	}

	end := current.EndAt
	if newEnd != nil {
		e := newEnd.UTC()
		end = &e
	}

	res, err := tx.Exec(`
		UPDATE grants SET state = ?, end_at = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		string(newState), nullableTimeUnix(end), now.Unix(), grantID, version,
	)
	if err != nil {
		return nil, fmt.Errorf("transition grant: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return nil, fmt.Errorf("grant %q version %d: %w", grantID, version, ErrConcurrentModification)
	}

	if err := appendAudit(tx, grantID, current.State, newState, end, note, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}

	updated := *current
	updated.State = newState
	updated.EndAt = end
	updated.Version = version + 1
	updated.UpdatedAt = now
	return &updated, nil
}

// ListAudit returns the append-only transition trail for a grant, oldest
// first.
func (s *Store) ListAudit(grantID string) ([]*AuditEntry, error) {
	rows, err := s.db.Query(`SELECT id, grant_id, from_state, to_state, end_at, note, at
		FROM grant_audit WHERE grant_id = ? ORDER BY at ASC, id ASC`, grantID)
	if err != nil {
		return nil, fmt.Errorf("list grant audit: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var from, to string
		var endAt sql.NullInt64
		var at int64
		if err := rows.Scan(&e.ID, &e.GrantID, &from, &to, &endAt, &e.Note, &at); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.FromState = GrantState(from)
		e.ToState = GrantState(to)
		e.EndAt = nullableTime(endAt)
		e.At = time.Unix(at, 0).UTC()
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func appendAudit(tx *sql.Tx, grantID string, from, to GrantState, end *time.Time, note string, at time.Time) error {
	_, err := tx.Exec(`
		INSERT INTO grant_audit (id, grant_id, from_state, to_state, end_at, note, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ulid.Make().String(), grantID, string(from), string(to),
		nullableTimeUnix(end), note, at.Unix(),
	)
	if err != nil {
		return fmt.Errorf("append grant audit: %w", err)
	}
	return nil
}

func scanGrant(s scanner) (*Grant, error) {
	var g Grant
	var kind, tier, state string
	var startAt, createdAt, updatedAt int64
	var endAt sql.NullInt64

	err := s.Scan(
		&g.ID, &g.AccountID, &kind, &tier, &startAt, &endAt, &state,
		&g.Platform, &g.TransactionID, &g.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan grant: %w", err)
	}

	g.Kind = GrantKind(kind)
	g.Tier = Tier(tier)
	g.State = GrantState(state)
	g.StartAt = time.Unix(startAt, 0).UTC()
	g.EndAt = nullableTime(endAt)
	g.CreatedAt = time.Unix(createdAt, 0).UTC()
	g.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &g, nil
}

func scanGrants(rows *sql.Rows) ([]*Grant, error) {
	var grants []*Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}
