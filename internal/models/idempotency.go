package models

import "time"

// IdempotencyRecord is the durable dedupe marker of one inbound event.
type IdempotencyRecord struct {
	EventID     string            `db:"event_id" json:"event_id"`
	EventType   string            `db:"event_type" json:"event_type"`
	BookingID   *int64            `db:"booking_id" json:"booking_id,omitempty"`
	Status      IdempotencyStatus `db:"status" json:"status"`
	Payload     string            `db:"payload" json:"payload"`
	Result      string            `db:"result" json:"result"`
	Attempts    int               `db:"attempts" json:"attempts"`
	LastError   string            `db:"last_error" json:"last_error,omitempty"`
	NextRetryAt *time.Time        `db:"next_retry_at" json:"next_retry_at,omitempty"`
	CreatedAt   time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time         `db:"updated_at" json:"updated_at"`
}
