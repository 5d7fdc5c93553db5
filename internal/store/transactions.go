package store

import (
	"database/sql"
	"fmt"
	"time"
)

// InsertTransaction records a verified purchase keyed by its transaction id.
// Returns created=false when the transaction id was already stored, which is
// the idempotency signal: the caller must not apply grant mutations again.
func (s *Store) InsertTransaction(t *Transaction) (created bool, err error) {
	if t == nil {
		return false, fmt.Errorf("transaction is nil")
	}
	if t.TransactionID == "" {
		return false, fmt.Errorf("transaction missing id")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.Exec(`
		INSERT INTO transactions (transaction_id, platform, product_id, account_id, status, grant_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transaction_id) DO NOTHING`,
		t.TransactionID, t.Platform, t.ProductID, t.AccountID,
		string(t.Status), t.GrantID, t.CreatedAt.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("insert transaction: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// GetTransaction retrieves a stored transaction. Returns nil when the id has
// never been processed.
func (s *Store) GetTransaction(txnID string) (*Transaction, error) {
	row := s.db.QueryRow(`SELECT transaction_id, platform, product_id, account_id, status, grant_id, created_at
		FROM transactions WHERE transaction_id = ?`, txnID)

	var t Transaction
	var status string
	var createdAt int64
	err := row.Scan(&t.TransactionID, &t.Platform, &t.ProductID, &t.AccountID, &status, &t.GrantID, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan transaction: %w", err)
	}
	t.Status = TransactionStatus(status)
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &t, nil
}

// DeleteTransaction releases a claimed transaction id. Used when grant
// creation fails after verification so a retry can process the purchase
// instead of hitting the duplicate fast path forever.
func (s *Store) DeleteTransaction(txnID string) error {
	_, err := s.db.Exec(`DELETE FROM transactions WHERE transaction_id = ?`, txnID)
	if err != nil {
		return fmt.Errorf("delete transaction: %w", err)
	}
	return nil
}

// SetTransactionGrant links the resulting grant to a stored transaction.
func (s *Store) SetTransactionGrant(txnID, grantID string) error {
	_, err := s.db.Exec(`UPDATE transactions SET grant_id = ? WHERE transaction_id = ?`, grantID, txnID)
	if err != nil {
		return fmt.Errorf("set transaction grant: %w", err)
	}
	return nil
}
