package store

import (
	"database/sql"
	"fmt"
	"time"
)

const eventColumns = `event_id, platform, event_type, transaction_id, payload, processed, unmatched, unmatched_reason, retry_count, received_at, processed_at`

// InsertEvent stores a raw inbound billing notification. Duplicate event ids
// are tolerated (at-least-once delivery); the stored row is left untouched
// and created=false is returned.
func (s *Store) InsertEvent(e *WebhookEvent) (created bool, err error) {
	if e == nil {
		return false, fmt.Errorf("event is nil")
	}
	if e.EventID == "" {
		return false, fmt.Errorf("event missing id")
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}

	res, err := s.db.Exec(`
		INSERT INTO webhook_events (event_id, platform, event_type, transaction_id, payload, processed, unmatched, unmatched_reason, retry_count, received_at)
		VALUES (?, ?, ?, ?, ?, 0, 0, '', 0, ?)
		ON CONFLICT(event_id) DO NOTHING`,
		e.EventID, e.Platform, e.Type, e.TransactionID, e.Payload, e.ReceivedAt.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("insert webhook event: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// GetEvent retrieves a stored event by id. Returns nil when unknown.
func (s *Store) GetEvent(eventID string) (*WebhookEvent, error) {
	row := s.db.QueryRow(`SELECT `+eventColumns+` FROM webhook_events WHERE event_id = ?`, eventID)
	return scanEvent(row)
}

// MarkEventProcessed flags an event as fully applied. Called only after the
// grant transition committed, so a crash in between is recovered by
// redelivery.
func (s *Store) MarkEventProcessed(eventID string) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		UPDATE webhook_events SET processed = 1, unmatched = 0, unmatched_reason = '', processed_at = ?
		WHERE event_id = ?`, now.Unix(), eventID)
	if err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	return nil
}

// MarkEventUnmatched parks an event that references a transaction id with no
// matching grant yet (out-of-order delivery). Parked events are retried by
// the reconciliation pass, never dropped.
func (s *Store) MarkEventUnmatched(eventID, reason string) error {
	_, err := s.db.Exec(`
		UPDATE webhook_events SET unmatched = 1, unmatched_reason = ?, retry_count = retry_count + 1
		WHERE event_id = ?`, reason, eventID)
	if err != nil {
		return fmt.Errorf("mark event unmatched: %w", err)
	}
	return nil
}

// ListUnmatchedEvents returns parked events awaiting reconciliation, oldest
// first.
func (s *Store) ListUnmatchedEvents(limit int) ([]*WebhookEvent, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.Query(`SELECT `+eventColumns+` FROM webhook_events
		WHERE unmatched = 1 AND processed = 0
		ORDER BY received_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unmatched events: %w", err)
	}
	defer rows.Close()

	var events []*WebhookEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func scanEvent(s scanner) (*WebhookEvent, error) {
	var e WebhookEvent
	var processed, unmatched int
	var receivedAt int64
	var processedAt sql.NullInt64

	err := s.Scan(
		&e.EventID, &e.Platform, &e.Type, &e.TransactionID, &e.Payload,
		&processed, &unmatched, &e.UnmatchedReason, &e.RetryCount,
		&receivedAt, &processedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan webhook event: %w", err)
	}

	e.Processed = processed != 0
	e.Unmatched = unmatched != 0
	e.ReceivedAt = time.Unix(receivedAt, 0).UTC()
	e.ProcessedAt = nullableTime(processedAt)
	return &e, nil
}
