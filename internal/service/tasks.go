package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"bookpay/internal/database"
	"bookpay/internal/models"
)

// Payloads of queued outbound tasks. They are written in the same
// transaction as the state change that requires them.

type chargePayload struct {
	BookingID        int64  `json:"booking_id"`
	AmountCents      int64  `json:"amount_cents"`
	Currency         string `json:"currency"`
	Source           string `json:"source"`
	Destination      string `json:"destination,omitempty"`
	PlatformFeeCents int64  `json:"platform_fee_cents"`
	Description      string `json:"description,omitempty"`
}

type refundPayload struct {
	RefundID        string `json:"refund_id"`
	BookingID       int64  `json:"booking_id"`
	ChargeReference string `json:"charge_reference"`
	AmountCents     int64  `json:"amount_cents"`
	ParticipantID   int64  `json:"participant_id,omitempty"`
}

type transferPayload struct {
	BatchID     string `json:"batch_id"`
	ProviderID  int64  `json:"provider_id"`
	Destination string `json:"destination"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
}

type replayPayload struct {
	EventID string `json:"event_id"`
}

func enqueueTask(ctx context.Context, tx *database.Tx, taskType string, bookingID int64, payload interface{}, runAt *time.Time) (int64, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode %s payload: %w", taskType, err)
	}
	task := &models.Task{
		TaskType:    taskType,
		BookingID:   bookingID,
		Payload:     string(raw),
		Status:      models.TaskStatusPending,
		NextRetryAt: runAt,
	}
	if err := tx.CreateTask(ctx, task); err != nil {
		return 0, err
	}
	return task.ID, nil
}

// idempotencyKey derives the key a task's processor call carries in its
// metadata; it is stable across re-executions of the task.
func idempotencyKey(task *models.Task) string {
	return fmt.Sprintf("bookpay-%s-%d", task.TaskType, task.ID)
}
