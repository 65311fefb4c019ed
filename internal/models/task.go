package models

import "time"

// Task is a queued outbound command or event replay.
type Task struct {
	ID          int64      `db:"id" json:"id"`
	TaskType    string     `db:"task_type" json:"task_type"`
	BookingID   int64      `db:"booking_id" json:"booking_id"`
	Payload     string     `db:"payload" json:"payload"`
	Status      string     `db:"status" json:"status"`
	RetryCount  int        `db:"retry_count" json:"retry_count"`
	LastError   *string    `db:"last_error" json:"last_error"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	ClaimedAt   *time.Time `db:"claimed_at" json:"claimed_at"`
	ProcessedAt *time.Time `db:"processed_at" json:"processed_at"`
	NextRetryAt *time.Time `db:"next_retry_at" json:"next_retry_at"`
}
