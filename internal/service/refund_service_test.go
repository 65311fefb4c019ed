package service

import (
	"context"
	"errors"
	"math"
	"testing"

	"bookpay/internal/domain"
	"bookpay/internal/models"
	"bookpay/internal/webhook"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestFullRefundReversesEverything(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.paidBooking(t, 1, 10000, true)

	res, err := env.refunds.Refund(ctx, b.ID, 1, "provider no-show")
	require.NoError(t, err)

	assert.Equal(t, int64(11000), res.Refund.CustomerAmount)
	assert.Equal(t, int64(2000), res.Refund.PlatformAmount)
	assert.Equal(t, int64(9000), res.Refund.ProviderAmount)
	assert.Equal(t, int64(0), res.Refund.Residual)
	assert.False(t, res.Refund.NegativeBalance)
	assert.Nil(t, res.Adjustment)

	assert.Equal(t, models.StatusCancelled, res.Booking.Status)
	assert.True(t, res.Booking.FullyRefunded())

	payout, err := env.db.GetPayoutByBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), payout.Amount)

	tasks := env.tasksOfType(t, models.TaskCreateRefund)
	require.Len(t, tasks, 1)
	assert.Contains(t, tasks[0].Payload, res.Refund.ID)

	for _, ratio := range []float64{1, 0.5, 0.000001} {
		_, err = env.refunds.Refund(ctx, b.ID, ratio, "again")
		assert.ErrorIs(t, err, ErrAlreadyRefunded)
	}
}

func TestPartialRefundsReverseExactly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	// 10010 splits into fee 1001 and payout 9009, so halving rounds both up.
	b := env.paidBooking(t, 1, 10010, false)

	first, err := env.refunds.Refund(ctx, b.ID, 0.5, "half")
	require.NoError(t, err)
	assert.Equal(t, int64(5005), first.Refund.CustomerAmount)
	assert.Equal(t, int64(501), first.Refund.PlatformAmount)
	assert.Equal(t, int64(4505), first.Refund.ProviderAmount)
	assert.Equal(t, int64(-1), first.Refund.Residual)
	assert.Equal(t, models.StatusCancelled, first.Booking.Status)

	second, err := env.refunds.Refund(ctx, b.ID, 0.5, "rest")
	require.NoError(t, err)
	assert.Equal(t, int64(5005), second.Refund.CustomerAmount)
	assert.Equal(t, int64(500), second.Refund.PlatformAmount)
	assert.Equal(t, int64(4504), second.Refund.ProviderAmount)
	assert.Equal(t, int64(1), second.Refund.Residual)

	stored, err := env.db.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, stored.CustomerTotal, stored.RefundedCustomer)
	assert.Equal(t, stored.PlatformTotalRevenue, stored.RefundedPlatform)
	assert.Equal(t, stored.ProviderPayout, stored.RefundedProvider)
	assert.Equal(t, models.StatusCancelled, stored.Status)

	refunds, err := env.refunds.ListRefunds(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, refunds, 2)
}

func TestRefundValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.paidBooking(t, 1, 10000, false)

	for _, ratio := range []float64{0, -0.1, 1.01, math.NaN(), 0.0000001} {
		_, err := env.refunds.Refund(ctx, b.ID, ratio, "")
		var verr *ValidationError
		assert.True(t, errors.As(err, &verr), "ratio %v", ratio)
	}

	_, err := env.refunds.Refund(ctx, b.ID, 0.6, "")
	require.NoError(t, err)
	_, err = env.refunds.Refund(ctx, b.ID, 0.5, "")
	assert.ErrorIs(t, err, ErrRefundExceedsRemaining)

	unpaid := env.pendingBooking(t, 1, 10000, false)
	_, err = env.refunds.Refund(ctx, unpaid.ID, 0.5, "")
	assert.ErrorIs(t, err, ErrNotRefundable)

	_, err = env.refunds.Refund(ctx, 9999, 0.5, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRefundOfCompletedBookingKeepsState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.paidBooking(t, 1, 10000, false)
	_, err := env.bookings.Complete(ctx, b.ID)
	require.NoError(t, err)

	res, err := env.refunds.Refund(ctx, b.ID, 0.25, "goodwill")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, res.Booking.Status)
	assert.Equal(t, int64(2500), res.Refund.CustomerAmount)
}

func TestRefundAfterPayoutCarriesNegativeBalance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.paidBooking(t, 5, 10010, false)

	run, err := env.payouts.RunPayout(ctx, 5, "recp_5")
	require.NoError(t, err)
	require.NotEmpty(t, run.BatchID)
	assert.Equal(t, int64(9009), run.Net)

	res, err := env.refunds.Refund(ctx, b.ID, 0.5, "partial")
	require.NoError(t, err)
	assert.True(t, res.Refund.NegativeBalance)
	require.NotNil(t, res.Adjustment)
	assert.Equal(t, int64(-4505), res.Adjustment.Amount)

	plan, err := env.payouts.ComputeNextPayout(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(-4505), plan.Net)

	carried, err := env.payouts.RunPayout(ctx, 5, "recp_5")
	require.NoError(t, err)
	assert.Empty(t, carried.BatchID)

	env.paidBooking(t, 5, 10010, false)
	plan, err = env.payouts.ComputeNextPayout(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(9009), plan.Gross)
	assert.Equal(t, int64(4504), plan.Net)

	run, err = env.payouts.RunPayout(ctx, 5, "recp_5")
	require.NoError(t, err)
	assert.Equal(t, int64(4504), run.Net)

	adjustments, err := env.db.ListOpenAdjustments(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, adjustments)
}

func TestRefundCompletedEvent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.paidBooking(t, 1, 10000, false)

	res, err := env.refunds.Refund(ctx, b.ID, 1, "")
	require.NoError(t, err)

	processor := &mockProcessor{}
	processor.On("CreateRefund", mock.Anything, mock.MatchedBy(func(req domain.RefundRequest) bool {
		return req.ChargeReference == b.PaymentReference && req.AmountCents == res.Refund.CustomerAmount
	})).Return(&domain.RefundResult{Reference: "rfnd_1", Status: "closed"}, nil)

	logger := zerolog.Nop()
	handler := NewCommandHandler(env.db, processor, env.webhooks, &logger)
	tasks := env.tasksOfType(t, models.TaskCreateRefund)
	require.Len(t, tasks, 1)
	require.NoError(t, handler.HandleTask(ctx, tasks[0]))

	stored, err := env.db.GetRefund(ctx, res.Refund.ID)
	require.NoError(t, err)
	assert.Equal(t, "rfnd_1", stored.ProcessorReference)
	assert.Equal(t, models.RefundPending, stored.Status)

	_, out := env.webhooks.ProcessEvent(ctx, webhook.RefundCompleted{ID: "evt_rf_1", RefundReference: "rfnd_1"})
	assert.Equal(t, OutcomeProcessed, out.Outcome)

	_, out = env.webhooks.ProcessEvent(ctx, webhook.RefundCompleted{ID: "evt_rf_2", RefundID: res.Refund.ID})
	assert.Equal(t, OutcomeIgnored, out.Outcome)

	stored, err = env.db.GetRefund(ctx, res.Refund.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RefundCompleted, stored.Status)
	assert.NotNil(t, stored.CompletedAt)
	processor.AssertExpectations(t)
}

func TestRefundAmountsClampToRemaining(t *testing.T) {
	b := &models.Booking{
		CustomerTotal:        101,
		PlatformTotalRevenue: 11,
		ProviderPayout:       90,
		RefundedCustomer:     100,
		RefundedPlatform:     11,
		RefundedProvider:     89,
		RefundedPPM:          990000,
	}
	customer, platform, provider := RefundAmounts(b, 5000)
	assert.Equal(t, int64(1), customer)
	assert.Equal(t, int64(0), platform)
	assert.Equal(t, int64(0), provider)

	customer, platform, provider = RefundAmounts(b, 10000)
	assert.Equal(t, int64(1), customer)
	assert.Equal(t, int64(0), platform)
	assert.Equal(t, int64(1), provider)
}

func TestRefundTaskNotSubmittedTwice(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.paidBooking(t, 1, 10000, false)
	_, err := env.refunds.Refund(ctx, b.ID, 0.5, "")
	require.NoError(t, err)

	processor := &mockProcessor{}
	processor.On("CreateRefund", mock.Anything, mock.Anything).
		Return(&domain.RefundResult{Reference: "rfnd_once"}, nil).Once()
	handler := newHandler(env, processor)
	tasks := env.tasksOfType(t, models.TaskCreateRefund)
	require.Len(t, tasks, 1)

	require.NoError(t, handler.HandleTask(ctx, tasks[0]))
	require.NoError(t, handler.HandleTask(ctx, tasks[0]))
	processor.AssertNumberOfCalls(t, "CreateRefund", 1)
}

func TestRefundReferenceWriteFailureStopsRetries(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.paidBooking(t, 1, 10000, false)
	_, err := env.refunds.Refund(ctx, b.ID, 0.5, "")
	require.NoError(t, err)

	processor := &mockProcessor{}
	processor.On("CreateRefund", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			_, err := env.db.Exec(`ALTER TABLE refunds RENAME TO refunds_moved`)
			require.NoError(t, err)
		}).
		Return(&domain.RefundResult{Reference: "rfnd_unrecorded"}, nil).Once()
	tasks := env.tasksOfType(t, models.TaskCreateRefund)
	require.Len(t, tasks, 1)

	err = newHandler(env, processor).HandleTask(ctx, tasks[0])
	require.Error(t, err)
	var integrity *DataIntegrityError
	assert.ErrorAs(t, err, &integrity)
	assert.Contains(t, err.Error(), "rfnd_unrecorded")
	assert.False(t, IsRetryable(err))
	processor.AssertNumberOfCalls(t, "CreateRefund", 1)
}

func TestUntrackedRefundCompletedIgnored(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ack, out := env.webhooks.ProcessEvent(ctx, webhook.RefundCompleted{
		ID:              "evt_rf_participant",
		RefundReference: "rfnd_p1",
		ChargeReference: "chrg_alice",
	})
	assert.True(t, ack.Recorded)
	assert.Equal(t, OutcomeIgnored, out.Outcome, out.Detail)
	assert.Empty(t, env.tasksOfType(t, models.TaskReplayEvent))

	rec, err := env.db.GetIdempotencyRecord(ctx, "evt_rf_participant")
	require.NoError(t, err)
	assert.Equal(t, models.IdempotencySucceeded, rec.Status)

	_, out = env.webhooks.ProcessEvent(ctx, webhook.RefundCompleted{ID: "evt_rf_unknown", RefundID: "missing", RefundReference: "rfnd_p2"})
	assert.Equal(t, OutcomeFailed, out.Outcome)
	assert.Len(t, env.tasksOfType(t, models.TaskReplayEvent), 1)
}
