package store

import (
	"database/sql"
	"fmt"
	"time"
)

const accountColumns = `id, tier, features, last_resolved_at, past_due, created_at, updated_at`

// EnsureAccount creates the account row if it does not exist yet. New
// accounts start at the free tier with no cached resolution.
func (s *Store) EnsureAccount(id string) (*Account, error) {
	if id == "" {
		return nil, fmt.Errorf("account id is empty")
	}
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO accounts (id, tier, features, past_due, created_at, updated_at)
		VALUES (?, ?, '', 0, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		id, string(TierFree), now.Unix(), now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("ensure account: %w", err)
	}
	return s.GetAccount(id)
}

// GetAccount retrieves an account by ID. Returns nil when it does not exist.
func (s *Store) GetAccount(id string) (*Account, error) {
	row := s.db.QueryRow(`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

// UpdateResolved caches the outcome of a resolution on the account record.
func (s *Store) UpdateResolved(accountID string, tier Tier, features string, at time.Time) error {
	res, err := s.db.Exec(`
		UPDATE accounts SET tier = ?, features = ?, last_resolved_at = ?, updated_at = ?
		WHERE id = ?`,
		string(tier), features, at.Unix(), time.Now().UTC().Unix(), accountID,
	)
	if err != nil {
		return fmt.Errorf("update resolved tier: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("account %q: %w", accountID, ErrNotFound)
	}
	return nil
}

// SetPastDue flips the past-due billing flag. The flag is independent of tier
// resolution; access changes only at actual expiry.
func (s *Store) SetPastDue(accountID string, pastDue bool) error {
	res, err := s.db.Exec(`UPDATE accounts SET past_due = ?, updated_at = ? WHERE id = ?`,
		boolToInt(pastDue), time.Now().UTC().Unix(), accountID)
	if err != nil {
		return fmt.Errorf("set past due: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("account %q: %w", accountID, ErrNotFound)
	}
	return nil
}

func scanAccount(s scanner) (*Account, error) {
	var a Account
	var tier string
	var lastResolved sql.NullInt64
	var pastDue int
	var createdAt, updatedAt int64

	err := s.Scan(&a.ID, &tier, &a.Features, &lastResolved, &pastDue, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}

	a.Tier = Tier(tier)
	a.LastResolvedAt = nullableTime(lastResolved)
	a.PastDue = pastDue != 0
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	a.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &a, nil
}
