package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"bookpay/internal/events"
	"bookpay/internal/fees"
	"bookpay/internal/models"
	"bookpay/internal/webhook"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestPaymentSucceededProcessedOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.pendingBooking(t, 1, 10000, true)
	evt := paymentEvent(b)

	ack, out := env.webhooks.ProcessEvent(ctx, evt)
	assert.True(t, ack.Recorded)
	assert.False(t, ack.Duplicate)
	assert.Equal(t, OutcomeProcessed, out.Outcome)
	assert.Equal(t, 1, out.Attempt)
	require.NotNil(t, out.BookingID)
	assert.Equal(t, b.ID, *out.BookingID)

	ack, out = env.webhooks.ProcessEvent(ctx, evt)
	assert.True(t, ack.Recorded)
	assert.True(t, ack.Duplicate)
	assert.Equal(t, OutcomeAlreadyProcessed, out.Outcome)

	stored, err := env.db.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaymentSucceeded, stored.Status)
	assert.Equal(t, evt.ChargeReference, stored.PaymentReference)
	assert.Equal(t, b.Version+1, stored.Version)

	var payouts int
	require.NoError(t, env.db.Get(&payouts, `SELECT COUNT(*) FROM payouts WHERE booking_id = ?`, b.ID))
	assert.Equal(t, 1, payouts)

	rec, err := env.db.GetIdempotencyRecord(ctx, evt.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IdempotencySucceeded, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
}

func TestConcurrentDuplicateDeliveries(t *testing.T) {
	env := newTestEnvAt(t, filepath.Join(t.TempDir(), "webhooks.db"), 5)
	b := env.pendingBooking(t, 1, 10000, false)
	evt := paymentEvent(b)

	const deliveries = 2
	outcomes := make(chan Outcome, deliveries)
	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ack, out := env.webhooks.ProcessEvent(context.Background(), evt)
			assert.True(t, ack.Recorded)
			outcomes <- out.Outcome
		}()
	}
	wg.Wait()
	close(outcomes)

	counts := map[Outcome]int{}
	for o := range outcomes {
		counts[o]++
	}
	assert.Equal(t, 1, counts[OutcomeProcessed])
	assert.Equal(t, 1, counts[OutcomeAlreadyProcessed])

	stored, err := env.db.GetBooking(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaymentSucceeded, stored.Status)
	assert.Equal(t, b.Version+1, stored.Version)
}

func TestPaymentFailedThenRetry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.pendingBooking(t, 1, 10000, false)

	_, out := env.webhooks.ProcessEvent(ctx, webhook.PaymentFailed{
		ID:             "evt_failed_1",
		BookingID:      b.ID,
		FailureCode:    "insufficient_fund",
		FailureMessage: "insufficient funds in the account",
	})
	assert.Equal(t, OutcomeProcessed, out.Outcome)

	stored, err := env.db.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaymentFailed, stored.Status)
	assert.Empty(t, stored.PaymentReference)

	retried, err := env.bookings.RetryPayment(ctx, b.ID, "tokn_second")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaymentPending, retried.Status)
	assert.Len(t, env.tasksOfType(t, models.TaskCreateCharge), 2)
}

func TestOutOfOrderEventIsRecordedAndReplayed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.acceptedBooking(t, 1, 10000, false)

	evt := webhook.PaymentSucceeded{ID: "evt_early", ChargeReference: "chrg_early", BookingID: b.ID, AmountCents: b.CustomerTotal}
	ack, out := env.webhooks.ProcessEvent(ctx, evt)
	assert.True(t, ack.Recorded)
	assert.Equal(t, OutcomeFailed, out.Outcome)
	assert.ErrorIs(t, out.Err, ErrStaleState)

	rec, err := env.db.GetIdempotencyRecord(ctx, evt.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IdempotencyFailed, rec.Status)
	assert.NotNil(t, rec.NextRetryAt)
	assert.NotEmpty(t, rec.LastError)

	replays := env.tasksOfType(t, models.TaskReplayEvent)
	require.Len(t, replays, 1)
	assert.Contains(t, replays[0].Payload, evt.ID)

	stored, err := env.db.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.PaymentReference, "failed dispatch must leave no partial writes")

	_, err = env.bookings.RequestPayment(ctx, b.ID, "tokn_test")
	require.NoError(t, err)

	out, err = env.webhooks.ReplayEvent(ctx, evt.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessed, out.Outcome)
	assert.Equal(t, 2, out.Attempt)

	out, err = env.webhooks.ReplayEvent(ctx, evt.ID)
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
	assert.Equal(t, OutcomeAlreadyProcessed, out.Outcome)
	assert.Equal(t, 2, out.Attempt)
}

func TestEventExhaustsAttempts(t *testing.T) {
	env := newTestEnvAt(t, ":memory:", 2)
	ctx := context.Background()
	b := env.acceptedBooking(t, 1, 10000, false)
	env.alerts.On("SendAlert", mock.Anything, mock.AnythingOfType("string")).Return(nil)

	evt := webhook.PaymentFailed{ID: "evt_never", BookingID: b.ID}

	_, out := env.webhooks.ProcessEvent(ctx, evt)
	assert.Equal(t, OutcomeFailed, out.Outcome)
	assert.Equal(t, 1, out.Attempt)

	_, out = env.webhooks.ProcessEvent(ctx, evt)
	assert.Equal(t, OutcomeFailed, out.Outcome)
	assert.Equal(t, 2, out.Attempt)

	ack, out := env.webhooks.ProcessEvent(ctx, evt)
	assert.True(t, ack.Recorded)
	assert.Equal(t, OutcomeExhausted, out.Outcome)

	env.alerts.AssertNumberOfCalls(t, "SendAlert", 1)
	assert.Len(t, env.tasksOfType(t, models.TaskReplayEvent), 1, "the last attempt schedules no replay")
}

func TestPricingMismatchHaltsPayment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.pendingBooking(t, 1, 10000, true)
	env.alerts.On("SendAlert", mock.Anything, mock.AnythingOfType("string")).Return(nil)

	evt := paymentEvent(b)
	evt.AmountCents = b.CustomerTotal - 100

	ack, out := env.webhooks.ProcessEvent(ctx, evt)
	assert.True(t, ack.Recorded)
	assert.Equal(t, OutcomeFailed, out.Outcome)

	var integrity *DataIntegrityError
	require.True(t, errors.As(out.Err, &integrity))
	assert.Equal(t, b.ID, integrity.BookingID)
	assert.Empty(t, env.tasksOfType(t, models.TaskReplayEvent))
	env.alerts.AssertCalled(t, "SendAlert", mock.Anything, mock.AnythingOfType("string"))

	stored, err := env.db.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaymentPending, stored.Status)
}

func TestPricingWithinToleranceAccepted(t *testing.T) {
	env := newTestEnv(t)
	b := env.pendingBooking(t, 1, 9999, true)

	evt := paymentEvent(b)
	evt.AmountCents = b.CustomerTotal + 1

	_, out := env.webhooks.ProcessEvent(context.Background(), evt)
	assert.Equal(t, OutcomeProcessed, out.Outcome)
}

func TestPaymentValidatedAgainstBookedRates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.pendingBooking(t, 1, 10000, true)
	require.Equal(t, int64(11000), b.CustomerTotal)
	require.Equal(t, int64(100_000), b.SurchargePPM)

	logger := zerolog.Nop()
	raised := fees.DefaultConfig()
	raised.GuestSurchargeRate = 0.12
	bookings := NewBookingService(env.db, raised, env.notifier, nil, &logger)
	restarted := NewWebhookProcessor(env.db, bookings, WebhookConfig{MaxAttempts: 5}, env.notifier, nil, env.alerts, &logger)

	_, out := restarted.ProcessEvent(ctx, paymentEvent(b))
	require.Equal(t, OutcomeProcessed, out.Outcome, out.Detail)

	stored, err := env.db.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaymentSucceeded, stored.Status)
	assert.Equal(t, int64(100_000), stored.SurchargePPM)

	from, to := window()
	report, err := newReconciliation(env).Build(ctx, from, to)
	require.NoError(t, err)
	assert.Zero(t, report.Discrepancies)
}

type recordingPublisher struct {
	mu       sync.Mutex
	payloads map[string][]interface{}
}

func (p *recordingPublisher) PublishJSON(_ context.Context, eventType string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.payloads == nil {
		p.payloads = make(map[string][]interface{})
	}
	p.payloads[eventType] = append(p.payloads[eventType], payload)
	return nil
}

func TestPaidEventCarriesPreviousStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.pendingBooking(t, 1, 10000, false)

	logger := zerolog.Nop()
	pub := &recordingPublisher{}
	bookings := NewBookingService(env.db, fees.DefaultConfig(), env.notifier, pub, &logger)
	processor := NewWebhookProcessor(env.db, bookings, WebhookConfig{MaxAttempts: 5}, env.notifier, pub, env.alerts, &logger)

	_, out := processor.ProcessEvent(ctx, paymentEvent(b))
	require.Equal(t, OutcomeProcessed, out.Outcome, out.Detail)

	paid := pub.payloads[events.EventBookingPaid]
	require.Len(t, paid, 1)
	payload, ok := paid[0].(events.BookingEventPayload)
	require.True(t, ok)
	assert.Equal(t, b.ID, payload.BookingID)
	assert.Equal(t, string(models.StatusPaymentPending), payload.PreviousStatus)
	assert.Equal(t, string(models.StatusPaymentSucceeded), payload.Status)
}

func TestPaymentOnCancelledBookingIsReversed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.pendingBooking(t, 1, 10000, false)

	_, err := env.bookings.Cancel(ctx, b.ID, models.StatusPaymentPending)
	require.NoError(t, err)

	_, out := env.webhooks.ProcessEvent(ctx, paymentEvent(b))
	assert.Equal(t, OutcomeIgnored, out.Outcome)

	refunds := env.tasksOfType(t, models.TaskCreateRefund)
	require.Len(t, refunds, 1)
	assert.Contains(t, refunds[0].Payload, "chrg_")

	stored, err := env.db.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, stored.Status)
	assert.Nil(t, stored.EarnedAt)
}

func TestPaymentResolvedByChargeReference(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.paidBooking(t, 1, 10000, false)

	_, out := env.webhooks.ProcessEvent(ctx, webhook.PaymentSucceeded{
		ID:              "evt_redelivered_other_id",
		ChargeReference: b.PaymentReference,
	})
	assert.Equal(t, OutcomeIgnored, out.Outcome)
	require.NotNil(t, out.BookingID)
	assert.Equal(t, b.ID, *out.BookingID)
}

func TestUnsupportedEventIgnored(t *testing.T) {
	env := newTestEnv(t)

	ack, out := env.webhooks.ProcessEvent(context.Background(), webhook.Unsupported{ID: "evt_x", Type: "customer.update"})
	assert.True(t, ack.Recorded)
	assert.Equal(t, OutcomeIgnored, out.Outcome)

	rec, err := env.db.GetIdempotencyRecord(context.Background(), "evt_x")
	require.NoError(t, err)
	assert.Equal(t, models.IdempotencySucceeded, rec.Status)
}
