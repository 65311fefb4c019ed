package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"bookpay/internal/domain"
	"bookpay/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newHandler(env *testEnv, processor domain.PaymentProcessor) *CommandHandler {
	logger := zerolog.Nop()
	return NewCommandHandler(env.db, processor, env.webhooks, &logger)
}

func TestHandleChargeTask(t *testing.T) {
	env := newTestEnv(t)
	b := env.pendingBooking(t, 1, 10000, true)
	tasks := env.tasksOfType(t, models.TaskCreateCharge)
	require.Len(t, tasks, 1)

	processor := &mockProcessor{}
	processor.On("CreateCharge", mock.Anything, mock.MatchedBy(func(req domain.ChargeRequest) bool {
		return req.IdempotencyKey == fmt.Sprintf("bookpay-create_charge-%d", tasks[0].ID) &&
			req.AmountCents == 11000 &&
			req.PlatformFeeCents == 2000 &&
			req.BookingID == b.ID &&
			req.Metadata["booking_id"] == b.ID
	})).Return(&domain.ChargeResult{Reference: "chrg_1", Status: "pending"}, nil).Once()

	require.NoError(t, newHandler(env, processor).HandleTask(context.Background(), tasks[0]))
	processor.AssertExpectations(t)
}

func TestProcessorErrorsAreRetryable(t *testing.T) {
	env := newTestEnv(t)
	env.pendingBooking(t, 1, 10000, false)
	tasks := env.tasksOfType(t, models.TaskCreateCharge)
	require.Len(t, tasks, 1)

	processor := &mockProcessor{}
	processor.On("CreateCharge", mock.Anything, mock.Anything).Return(nil, errors.New("connection reset"))

	err := newHandler(env, processor).HandleTask(context.Background(), tasks[0])
	require.Error(t, err)
	var ext *ExternalServiceError
	require.True(t, errors.As(err, &ext))
	assert.Equal(t, "create_charge", ext.Operation)
	assert.True(t, IsRetryable(err))
}

func TestPermanentTaskErrors(t *testing.T) {
	env := newTestEnv(t)
	handler := newHandler(env, &mockProcessor{})
	ctx := context.Background()

	err := handler.HandleTask(ctx, &models.Task{ID: 1, TaskType: "launch_rocket", Payload: "{}"})
	assert.False(t, IsRetryable(err))

	err = handler.HandleTask(ctx, &models.Task{ID: 2, TaskType: models.TaskCreateCharge, Payload: "{not json"})
	assert.False(t, IsRetryable(err))

	err = handler.HandleTask(ctx, &models.Task{ID: 3, TaskType: models.TaskCreateRefund, Payload: `{"booking_id":1,"amount_cents":100}`})
	assert.False(t, IsRetryable(err))
}

func TestRefundWithoutChargeMarksRefundFailed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.paidBooking(t, 1, 10000, false)

	r := &models.Refund{ID: "rf-no-charge", BookingID: b.ID, RatioPPM: 500000, CustomerAmount: 5000, Status: models.RefundPending}
	require.NoError(t, env.db.CreateRefund(ctx, r))

	payload := fmt.Sprintf(`{"refund_id":%q,"booking_id":%d,"amount_cents":5000}`, r.ID, b.ID)
	err := newHandler(env, &mockProcessor{}).HandleTask(ctx, &models.Task{ID: 9, TaskType: models.TaskCreateRefund, Payload: payload})
	require.Error(t, err)
	assert.False(t, IsRetryable(err))

	stored, err := env.db.GetRefund(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RefundFailed, stored.Status)
}

func TestReplayTaskResumesEvent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.acceptedBooking(t, 1, 10000, false)

	evt := paymentEvent(b)
	_, out := env.webhooks.ProcessEvent(ctx, evt)
	require.Equal(t, OutcomeFailed, out.Outcome)

	_, err := env.bookings.RequestPayment(ctx, b.ID, "tokn_test")
	require.NoError(t, err)

	replays := env.tasksOfType(t, models.TaskReplayEvent)
	require.Len(t, replays, 1)
	require.NoError(t, newHandler(env, &mockProcessor{}).HandleTask(ctx, replays[0]))

	stored, err := env.db.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaymentSucceeded, stored.Status)

	// a second replay of the same task finds the event already processed
	require.NoError(t, newHandler(env, &mockProcessor{}).HandleTask(ctx, replays[0]))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(errors.New("timeout")))
	assert.True(t, IsRetryable(fmt.Errorf("wrapped: %w", ErrStaleState)))
	assert.False(t, IsRetryable(&DataIntegrityError{BookingID: 1, Err: errors.New("bad")}))
	assert.False(t, IsRetryable(invalid("x", "bad")))
	assert.False(t, IsRetryable(&ExternalServiceError{Service: "processor", Retryable: false, Err: errors.New("declined")}))
	assert.False(t, IsRetryable(fmt.Errorf("x: %w", ErrTerminalState)))
}
