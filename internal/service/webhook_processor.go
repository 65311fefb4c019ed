package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bookpay/internal/database"
	"bookpay/internal/domain"
	"bookpay/internal/events"
	"bookpay/internal/fees"
	"bookpay/internal/metrics"
	"bookpay/internal/models"
	"bookpay/internal/webhook"
	"bookpay/internal/worker"

	"github.com/rs/zerolog"
)

type Outcome string

const (
	OutcomeProcessed        Outcome = "processed"
	OutcomeAlreadyProcessed Outcome = "already_processed"
	OutcomeIgnored          Outcome = "ignored"
	OutcomeFailed           Outcome = "failed"
	OutcomeExhausted        Outcome = "exhausted"
)

// ReceiptAck says whether the event is durably recorded. Once Recorded is
// true the sender must be acknowledged, whatever the processing outcome.
type ReceiptAck struct {
	EventID   string `json:"event_id"`
	Recorded  bool   `json:"recorded"`
	Duplicate bool   `json:"duplicate"`
}

// ProcessingOutcome is the business result of one delivery.
type ProcessingOutcome struct {
	Outcome   Outcome `json:"outcome"`
	Attempt   int     `json:"attempt"`
	BookingID *int64  `json:"booking_id,omitempty"`
	Detail    string  `json:"detail,omitempty"`
	Err       error   `json:"-"`
}

type WebhookConfig struct {
	MaxAttempts       int
	ProcessingTimeout time.Duration
	Retry             worker.RetryPolicy
}

type WebhookProcessor struct {
	db        *database.DB
	bookings  *BookingService
	cfg       WebhookConfig
	notifier  domain.TaskNotifier
	publisher domain.EventPublisher
	alerts    domain.AlertSender
	logger    *zerolog.Logger
}

func NewWebhookProcessor(db *database.DB, bookings *BookingService, cfg WebhookConfig, notifier domain.TaskNotifier, publisher domain.EventPublisher, alerts domain.AlertSender, logger *zerolog.Logger) *WebhookProcessor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = models.DefaultMaxEventAttempts
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = 10 * time.Second
	}
	return &WebhookProcessor{
		db:        db,
		bookings:  bookings,
		cfg:       cfg,
		notifier:  notifier,
		publisher: publisher,
		alerts:    alerts,
		logger:    logger,
	}
}

// dispatchResult is what a successful dispatch reports back.
type dispatchResult struct {
	outcome   Outcome
	bookingID *int64
	detail    string
	tasks     []int64
	paid      *models.Booking
}

// ProcessEvent records and applies one callback exactly once. Receipt,
// dispatch and the record's final state commit together; a failed dispatch
// is rolled back to a savepoint so the failure itself is still recorded and
// a replay is queued.
func (p *WebhookProcessor) ProcessEvent(ctx context.Context, evt webhook.Event) (ReceiptAck, ProcessingOutcome) {
	started := time.Now()
	ack := ReceiptAck{EventID: evt.EventID()}
	var out ProcessingOutcome
	var res dispatchResult

	payload, err := webhook.Encode(evt)
	if err != nil {
		out = ProcessingOutcome{Outcome: OutcomeFailed, Err: fmt.Errorf("encode event: %w", err)}
		return ack, out
	}

	err = p.db.WithTx(ctx, func(tx *database.Tx) error {
		ack, out, res = ReceiptAck{EventID: evt.EventID()}, ProcessingOutcome{}, dispatchResult{}

		rec := &models.IdempotencyRecord{
			EventID:   evt.EventID(),
			EventType: evt.EventType(),
			Status:    models.IdempotencyProcessing,
			Payload:   string(payload),
			Attempts:  1,
		}
		inserted, err := tx.InsertIdempotencyRecord(ctx, rec)
		if err != nil {
			return err
		}

		attempt := 1
		if !inserted {
			ack.Duplicate = true
			existing, err := tx.GetIdempotencyRecord(ctx, evt.EventID())
			if err != nil {
				return err
			}
			switch {
			case existing.Status == models.IdempotencySucceeded:
				ack.Recorded = true
				out = ProcessingOutcome{Outcome: OutcomeAlreadyProcessed, Attempt: existing.Attempts, BookingID: existing.BookingID}
				return nil
			case existing.Attempts >= p.cfg.MaxAttempts:
				ack.Recorded = true
				out = ProcessingOutcome{
					Outcome:   OutcomeExhausted,
					Attempt:   existing.Attempts,
					BookingID: existing.BookingID,
					Detail:    existing.LastError,
				}
				return nil
			}
			attempt = existing.Attempts + 1
			if err := tx.BeginIdempotencyAttempt(ctx, evt.EventID(), attempt, nil); err != nil {
				return err
			}
		}
		ack.Recorded = true

		dctx, cancel := context.WithTimeout(ctx, p.cfg.ProcessingTimeout)
		defer cancel()

		dispatchErr := tx.Savepoint(dctx, func() error {
			r, err := p.dispatch(dctx, tx, evt)
			res = r
			return err
		})
		if dispatchErr == nil && dctx.Err() != nil {
			dispatchErr = fmt.Errorf("processing deadline exceeded: %w", dctx.Err())
		}

		if dispatchErr == nil {
			out = ProcessingOutcome{Outcome: res.outcome, Attempt: attempt, BookingID: res.bookingID, Detail: res.detail}
			result, _ := json.Marshal(out)
			return tx.FinishIdempotencyRecord(ctx, evt.EventID(), models.IdempotencySucceeded, res.bookingID, string(result), "", nil)
		}

		res.tasks = nil
		out = ProcessingOutcome{Outcome: OutcomeFailed, Attempt: attempt, BookingID: res.bookingID, Err: dispatchErr, Detail: dispatchErr.Error()}

		var nextRetry *time.Time
		if attempt < p.cfg.MaxAttempts && IsRetryable(dispatchErr) {
			at := time.Now().Add(p.cfg.Retry.NextDelay(attempt))
			nextRetry = &at
			taskID, err := enqueueTask(ctx, tx, models.TaskReplayEvent, derefID(res.bookingID), replayPayload{EventID: evt.EventID()}, nextRetry)
			if err != nil {
				return err
			}
			res.tasks = append(res.tasks, taskID)
		}
		return tx.FinishIdempotencyRecord(ctx, evt.EventID(), models.IdempotencyFailed, res.bookingID, "", dispatchErr.Error(), nextRetry)
	})
	if err != nil {
		ack.Recorded = false
		out = ProcessingOutcome{Outcome: OutcomeFailed, Err: err, Detail: err.Error()}
	}

	p.afterCommit(ctx, evt, ack, out, res)
	metrics.ObserveWebhook(evt.EventType(), string(out.Outcome), time.Since(started).Seconds())
	return ack, out
}

func (p *WebhookProcessor) afterCommit(ctx context.Context, evt webhook.Event, ack ReceiptAck, out ProcessingOutcome, res dispatchResult) {
	log := p.logger.With().Str("event_id", evt.EventID()).Str("event_type", evt.EventType()).Logger()

	log.Info().Bool("recorded", ack.Recorded).Bool("duplicate", ack.Duplicate).Msg("Webhook receipt")

	entry := log.Info()
	if out.Outcome == OutcomeFailed || out.Outcome == OutcomeExhausted {
		entry = log.Warn()
	}
	var integrity *DataIntegrityError
	if errors.As(out.Err, &integrity) {
		entry = log.Error()
	}
	entry.Str("outcome", string(out.Outcome)).Int("attempt", out.Attempt).Err(out.Err).Str("detail", out.Detail).Msg("Webhook outcome")

	if !ack.Recorded {
		return
	}

	if len(res.tasks) > 0 && p.notifier != nil {
		p.notifier.Notify(ctx, res.tasks...)
	}
	if res.paid != nil {
		p.bookings.publish(ctx, events.EventBookingPaid, res.paid, models.StatusPaymentPending)
	}

	exhausted := out.Outcome == OutcomeFailed && out.Attempt >= p.cfg.MaxAttempts
	if exhausted || errors.As(out.Err, &integrity) {
		if p.publisher != nil {
			_ = p.publisher.PublishJSON(ctx, events.EventWebhookExhausted, map[string]interface{}{
				"event_id": evt.EventID(), "type": evt.EventType(), "error": out.Detail,
			})
		}
		if p.alerts != nil {
			text := fmt.Sprintf("Webhook %s (%s) needs attention after %d attempts: %s",
				evt.EventID(), evt.EventType(), out.Attempt, out.Detail)
			if err := p.alerts.SendAlert(ctx, text); err != nil {
				log.Warn().Err(err).Msg("Failed to send alert")
			}
		}
	}
}

// ReplayEvent resumes a failed event from its stored payload. An event that
// has since succeeded returns ErrAlreadyProcessed with its recorded outcome.
func (p *WebhookProcessor) ReplayEvent(ctx context.Context, eventID string) (ProcessingOutcome, error) {
	rec, err := p.db.GetIdempotencyRecord(ctx, eventID)
	if err != nil {
		return ProcessingOutcome{}, err
	}
	if rec.Status == models.IdempotencySucceeded {
		out := ProcessingOutcome{Outcome: OutcomeAlreadyProcessed, Attempt: rec.Attempts, BookingID: rec.BookingID}
		return out, fmt.Errorf("event %s: %w", eventID, ErrAlreadyProcessed)
	}

	evt, err := webhook.Decode([]byte(rec.Payload))
	if err != nil {
		return ProcessingOutcome{}, fmt.Errorf("decode stored event %s: %w", eventID, err)
	}

	ack, out := p.ProcessEvent(ctx, evt)
	if !ack.Recorded {
		return out, out.Err
	}
	return out, nil
}

func (p *WebhookProcessor) dispatch(ctx context.Context, tx *database.Tx, evt webhook.Event) (dispatchResult, error) {
	switch e := evt.(type) {
	case webhook.PaymentSucceeded:
		return p.onPaymentSucceeded(ctx, tx, e)
	case webhook.PaymentFailed:
		return p.onPaymentFailed(ctx, tx, e)
	case webhook.TransferCompleted:
		return p.onTransferCompleted(ctx, tx, e)
	case webhook.RefundCompleted:
		return p.onRefundCompleted(ctx, tx, e)
	case webhook.Unsupported:
		return dispatchResult{outcome: OutcomeIgnored, detail: "unsupported event type"}, nil
	default:
		return dispatchResult{}, fmt.Errorf("unhandled event variant %T", evt)
	}
}

func (p *WebhookProcessor) resolveBooking(ctx context.Context, tx *database.Tx, bookingID int64, chargeRef string) (*models.Booking, error) {
	if bookingID != 0 {
		return tx.GetBookingForUpdate(ctx, bookingID)
	}
	return tx.GetBookingByPaymentReference(ctx, chargeRef)
}

func (p *WebhookProcessor) onPaymentSucceeded(ctx context.Context, tx *database.Tx, e webhook.PaymentSucceeded) (dispatchResult, error) {
	b, err := p.resolveBooking(ctx, tx, e.BookingID, e.ChargeReference)
	if err != nil {
		return dispatchResult{}, err
	}
	res := dispatchResult{bookingID: &b.ID}

	if b.Status != models.StatusPaymentPending {
		switch {
		case b.Earned() && (e.ChargeReference == "" || b.PaymentReference == e.ChargeReference):
			res.outcome, res.detail = OutcomeIgnored, "payment already applied"
			return res, nil
		case b.Status.IsTerminal() && e.ChargeReference != "":
			// the booking ended while the charge was in flight; send the money back
			taskID, err := enqueueTask(ctx, tx, models.TaskCreateRefund, b.ID, refundPayload{
				BookingID:       b.ID,
				ChargeReference: e.ChargeReference,
				AmountCents:     e.AmountCents,
			}, nil)
			if err != nil {
				return res, err
			}
			res.tasks = append(res.tasks, taskID)
			res.outcome, res.detail = OutcomeIgnored, fmt.Sprintf("booking %s, charge reversed", b.Status)
			return res, nil
		default:
			return res, fmt.Errorf("payment succeeded for booking %d in %s: %w", b.ID, b.Status, ErrStaleState)
		}
	}

	if e.AmountCents != 0 {
		check := fees.ValidatePaid(b.CustomerTotal, e.AmountCents)
		if !check.Valid {
			return res, &DataIntegrityError{
				BookingID: b.ID,
				Err:       fmt.Errorf("paid %d, expected %d (difference %d)", e.AmountCents, check.ExpectedCents, check.Difference),
			}
		}
	}

	if e.ChargeReference != "" {
		if err := tx.SetPaymentReference(ctx, b.ID, e.ChargeReference); err != nil {
			return res, &DataIntegrityError{BookingID: b.ID, Err: err}
		}
		b.PaymentReference = e.ChargeReference
	}
	if err := p.bookings.applyTransition(ctx, tx, b, models.StatusPaymentPending, models.StatusPaymentSucceeded); err != nil {
		return res, err
	}

	res.outcome = OutcomeProcessed
	res.paid = b
	return res, nil
}

func (p *WebhookProcessor) onPaymentFailed(ctx context.Context, tx *database.Tx, e webhook.PaymentFailed) (dispatchResult, error) {
	b, err := p.resolveBooking(ctx, tx, e.BookingID, e.ChargeReference)
	if err != nil {
		return dispatchResult{}, err
	}
	res := dispatchResult{bookingID: &b.ID}

	if b.Status != models.StatusPaymentPending {
		if b.Status == models.StatusPaymentFailed || b.Status.IsTerminal() || b.Earned() {
			res.outcome, res.detail = OutcomeIgnored, fmt.Sprintf("booking already %s", b.Status)
			return res, nil
		}
		return res, fmt.Errorf("payment failed for booking %d in %s: %w", b.ID, b.Status, ErrStaleState)
	}

	if err := p.bookings.applyTransition(ctx, tx, b, models.StatusPaymentPending, models.StatusPaymentFailed); err != nil {
		return res, err
	}
	res.outcome = OutcomeProcessed
	res.detail = e.FailureCode
	return res, nil
}

func (p *WebhookProcessor) onTransferCompleted(ctx context.Context, tx *database.Tx, e webhook.TransferCompleted) (dispatchResult, error) {
	n, err := tx.MarkTransferPaid(ctx, e.TransferReference, time.Now())
	if err != nil {
		return dispatchResult{}, err
	}
	if n == 0 {
		return dispatchResult{outcome: OutcomeIgnored, detail: "no payouts in transit for transfer"}, nil
	}
	return dispatchResult{outcome: OutcomeProcessed, detail: fmt.Sprintf("%d payouts paid", n)}, nil
}

// onRefundCompleted settles a booking refund. Booking refunds carry their
// platform id in processor metadata; a refund without one (participant
// refunds, automatic charge reversals) has no refund row to settle.
func (p *WebhookProcessor) onRefundCompleted(ctx context.Context, tx *database.Tx, e webhook.RefundCompleted) (dispatchResult, error) {
	var refund *models.Refund
	var err error
	if e.RefundID != "" {
		refund, err = tx.GetRefund(ctx, e.RefundID)
	} else {
		refund, err = tx.GetRefundByProcessorReference(ctx, e.RefundReference)
		if errors.Is(err, database.ErrNotFound) {
			return dispatchResult{outcome: OutcomeIgnored, detail: "refund not tracked by a booking refund"}, nil
		}
	}
	if err != nil {
		return dispatchResult{}, err
	}

	res := dispatchResult{bookingID: &refund.BookingID}
	if refund.ProcessorReference == "" && e.RefundReference != "" {
		if err := tx.SetRefundProcessorReference(ctx, refund.ID, e.RefundReference); err != nil {
			return res, err
		}
	}
	changed, err := tx.CompleteRefund(ctx, refund.ID, time.Now())
	if err != nil {
		return res, err
	}
	if !changed {
		res.outcome, res.detail = OutcomeIgnored, "refund already completed"
		return res, nil
	}
	res.outcome = OutcomeProcessed
	return res, nil
}

func derefID(id *int64) int64 {
	if id == nil {
		return 0
	}
	return *id
}
