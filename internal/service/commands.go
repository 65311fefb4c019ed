package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"bookpay/internal/database"
	"bookpay/internal/domain"
	"bookpay/internal/models"

	"github.com/rs/zerolog"
)

// CommandHandler executes queued outbound commands against the processor.
// Each call carries a key derived from the task in processor metadata for
// tracing. Refunds and transfers are skipped once their processor reference
// is stored, and a reference that cannot be stored after a successful call
// fails the task permanently instead of retrying it.
type CommandHandler struct {
	db        *database.DB
	processor domain.PaymentProcessor
	webhooks  *WebhookProcessor
	logger    *zerolog.Logger
}

func NewCommandHandler(db *database.DB, processor domain.PaymentProcessor, webhooks *WebhookProcessor, logger *zerolog.Logger) *CommandHandler {
	return &CommandHandler{db: db, processor: processor, webhooks: webhooks, logger: logger}
}

func (h *CommandHandler) HandleTask(ctx context.Context, task *models.Task) error {
	switch task.TaskType {
	case models.TaskCreateCharge:
		var p chargePayload
		if err := decodePayload(task, &p); err != nil {
			return err
		}
		return h.charge(ctx, task, p)
	case models.TaskCreateRefund:
		var p refundPayload
		if err := decodePayload(task, &p); err != nil {
			return err
		}
		return h.refund(ctx, task, p)
	case models.TaskCreateTransfer:
		var p transferPayload
		if err := decodePayload(task, &p); err != nil {
			return err
		}
		return h.transfer(ctx, task, p)
	case models.TaskReplayEvent:
		var p replayPayload
		if err := decodePayload(task, &p); err != nil {
			return err
		}
		return h.replay(ctx, p)
	default:
		return invalid("task_type", "unknown task type %q", task.TaskType)
	}
}

func decodePayload(task *models.Task, v interface{}) error {
	if err := json.Unmarshal([]byte(task.Payload), v); err != nil {
		return invalid("payload", "task %d: %v", task.ID, err)
	}
	return nil
}

func (h *CommandHandler) charge(ctx context.Context, task *models.Task, p chargePayload) error {
	res, err := h.processor.CreateCharge(ctx, domain.ChargeRequest{
		IdempotencyKey:   idempotencyKey(task),
		BookingID:        p.BookingID,
		AmountCents:      p.AmountCents,
		Currency:         p.Currency,
		Source:           p.Source,
		Destination:      p.Destination,
		PlatformFeeCents: p.PlatformFeeCents,
		Description:      p.Description,
		Metadata:         map[string]interface{}{"booking_id": p.BookingID},
	})
	if err != nil {
		return &ExternalServiceError{Service: "processor", Operation: "create_charge", Retryable: true, Err: err}
	}

	h.logger.Info().
		Int64("task_id", task.ID).
		Int64("booking_id", p.BookingID).
		Str("charge", res.Reference).
		Str("status", res.Status).
		Msg("Charge submitted")
	return nil
}

func (h *CommandHandler) refund(ctx context.Context, task *models.Task, p refundPayload) error {
	if p.ChargeReference == "" {
		if p.RefundID != "" {
			if err := h.db.FailRefund(ctx, p.RefundID); err != nil {
				return err
			}
		}
		return invalid("charge_reference", "booking %d has no charge to refund", p.BookingID)
	}
	if p.AmountCents <= 0 {
		h.logger.Info().Int64("task_id", task.ID).Msg("Zero refund skipped")
		return nil
	}

	if p.RefundID != "" {
		existing, err := h.db.GetRefund(ctx, p.RefundID)
		if err != nil {
			return err
		}
		if existing.ProcessorReference != "" {
			h.logger.Info().Int64("task_id", task.ID).Str("refund", existing.ProcessorReference).Msg("Refund already submitted")
			return nil
		}
	}

	metadata := map[string]interface{}{"booking_id": p.BookingID}
	if p.RefundID != "" {
		metadata["platform_refund_id"] = p.RefundID
	}
	if p.ParticipantID != 0 {
		metadata["participant_id"] = p.ParticipantID
	}
	res, err := h.processor.CreateRefund(ctx, domain.RefundRequest{
		IdempotencyKey:  idempotencyKey(task),
		ChargeReference: p.ChargeReference,
		AmountCents:     p.AmountCents,
		Metadata:        metadata,
	})
	if err != nil {
		return &ExternalServiceError{Service: "processor", Operation: "create_refund", Retryable: true, Err: err}
	}

	if p.RefundID != "" {
		if err := h.db.SetRefundProcessorReference(ctx, p.RefundID, res.Reference); err != nil {
			return &DataIntegrityError{
				BookingID: p.BookingID,
				Err:       fmt.Errorf("refund %s submitted as %s but not recorded: %w", p.RefundID, res.Reference, err),
			}
		}
	}
	h.logger.Info().
		Int64("task_id", task.ID).
		Int64("booking_id", p.BookingID).
		Str("refund", res.Reference).
		Int64("amount", p.AmountCents).
		Msg("Refund submitted")
	return nil
}

func (h *CommandHandler) transfer(ctx context.Context, task *models.Task, p transferPayload) error {
	existing, err := h.db.BatchTransferReference(ctx, p.BatchID)
	if err != nil {
		return err
	}
	if existing != "" {
		h.logger.Info().Int64("task_id", task.ID).Str("transfer", existing).Msg("Transfer already submitted")
		return nil
	}

	res, err := h.processor.CreateTransfer(ctx, domain.TransferRequest{
		IdempotencyKey: idempotencyKey(task),
		Destination:    p.Destination,
		AmountCents:    p.AmountCents,
		Currency:       p.Currency,
		Metadata:       map[string]interface{}{"batch_id": p.BatchID, "provider_id": p.ProviderID},
	})
	if err != nil {
		return &ExternalServiceError{Service: "processor", Operation: "create_transfer", Retryable: true, Err: err}
	}
	if err := h.db.SetBatchTransferReference(ctx, p.BatchID, res.Reference); err != nil {
		return &DataIntegrityError{
			Err: fmt.Errorf("batch %s transferred as %s but not recorded: %w", p.BatchID, res.Reference, err),
		}
	}

	h.logger.Info().
		Int64("task_id", task.ID).
		Str("batch_id", p.BatchID).
		Str("transfer", res.Reference).
		Int64("amount", p.AmountCents).
		Msg("Transfer submitted")
	return nil
}

// replay resumes a failed event. A failed outcome is already recorded and
// rescheduled by the processor itself, so only an unrecorded attempt is an
// error here.
func (h *CommandHandler) replay(ctx context.Context, p replayPayload) error {
	if h.webhooks == nil {
		return fmt.Errorf("replay of %s: no webhook processor", p.EventID)
	}
	out, err := h.webhooks.ReplayEvent(ctx, p.EventID)
	if errors.Is(err, ErrAlreadyProcessed) {
		h.logger.Info().Str("event_id", p.EventID).Msg("Replay skipped, event already processed")
		return nil
	}
	if err != nil {
		return err
	}
	h.logger.Info().Str("event_id", p.EventID).Str("outcome", string(out.Outcome)).Int("attempt", out.Attempt).Msg("Event replayed")
	return nil
}
