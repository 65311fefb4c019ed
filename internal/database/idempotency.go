package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bookpay/internal/models"
)

// InsertIdempotencyRecord stores the first receipt of an event. It reports
// false without error when the event id is already present.
func (q *Queries) InsertIdempotencyRecord(ctx context.Context, rec *models.IdempotencyRecord) (bool, error) {
	ts := now()
	rows, err := q.exec(ctx, `INSERT INTO idempotency_records (
				event_id, event_type, booking_id, status, payload, result, attempts, last_error, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (event_id) DO NOTHING`,
		rec.EventID, rec.EventType, rec.BookingID, rec.Status, rec.Payload, rec.Result,
		rec.Attempts, rec.LastError, ts, ts,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert idempotency record: %w", err)
	}
	if rows == 0 {
		return false, nil
	}
	rec.CreatedAt = ts
	rec.UpdatedAt = ts
	return true, nil
}

func (q *Queries) GetIdempotencyRecord(ctx context.Context, eventID string) (*models.IdempotencyRecord, error) {
	var rec models.IdempotencyRecord
	err := q.get(ctx, &rec, q.forUpdate(`SELECT * FROM idempotency_records WHERE event_id = ?`), eventID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("event %s: %w", eventID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get idempotency record: %w", err)
	}
	return &rec, nil
}

// BeginIdempotencyAttempt marks a record as processing for the given attempt.
func (q *Queries) BeginIdempotencyAttempt(ctx context.Context, eventID string, attempts int, bookingID *int64) error {
	rows, err := q.exec(ctx,
		`UPDATE idempotency_records SET status = ?, attempts = ?, booking_id = COALESCE(?, booking_id), updated_at = ?
		 WHERE event_id = ? AND status <> ?`,
		models.IdempotencyProcessing, attempts, bookingID, now(), eventID, models.IdempotencySucceeded)
	if err != nil {
		return fmt.Errorf("failed to mark event processing: %w", err)
	}
	if rows == 0 {
		return ErrStaleState
	}
	return nil
}

// FinishIdempotencyRecord stores the final outcome of one attempt.
func (q *Queries) FinishIdempotencyRecord(ctx context.Context, eventID string, status models.IdempotencyStatus, bookingID *int64, result, lastError string, nextRetryAt *time.Time) error {
	_, err := q.exec(ctx,
		`UPDATE idempotency_records SET status = ?, booking_id = COALESCE(?, booking_id), result = ?, last_error = ?, next_retry_at = ?, updated_at = ?
		 WHERE event_id = ?`,
		status, bookingID, result, lastError, nextRetryAt, now(), eventID)
	if err != nil {
		return fmt.Errorf("failed to finish idempotency record: %w", err)
	}
	return nil
}

func (q *Queries) ListIdempotencyRecordsByStatus(ctx context.Context, status models.IdempotencyStatus) ([]*models.IdempotencyRecord, error) {
	var records []*models.IdempotencyRecord
	err := q.selectAll(ctx, &records,
		`SELECT * FROM idempotency_records WHERE status = ? ORDER BY created_at ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list idempotency records: %w", err)
	}
	return records, nil
}

// ListStuckIdempotencyRecords returns records left in processing or received
// longer than olderThan, e.g. after a crash between receipt and commit of a
// resumed attempt.
func (q *Queries) ListStuckIdempotencyRecords(ctx context.Context, olderThan time.Time) ([]*models.IdempotencyRecord, error) {
	var records []*models.IdempotencyRecord
	err := q.selectAll(ctx, &records,
		`SELECT * FROM idempotency_records WHERE status IN (?, ?) AND updated_at < ? ORDER BY created_at ASC`,
		models.IdempotencyProcessing, models.IdempotencyReceived, olderThan.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck idempotency records: %w", err)
	}
	return records, nil
}
