package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"bookpay/internal/database"
	"bookpay/internal/domain"
	"bookpay/internal/fees"
	"bookpay/internal/models"
	"bookpay/internal/webhook"
	"bookpay/internal/worker"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu  sync.Mutex
	ids []int64
}

func (n *recordingNotifier) Notify(_ context.Context, ids ...int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ids = append(n.ids, ids...)
}

func (n *recordingNotifier) notified() []int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]int64(nil), n.ids...)
}

type mockProcessor struct{ mock.Mock }

func (m *mockProcessor) CreateCharge(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeResult, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*domain.ChargeResult)
	return res, args.Error(1)
}

func (m *mockProcessor) CreateRefund(ctx context.Context, req domain.RefundRequest) (*domain.RefundResult, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*domain.RefundResult)
	return res, args.Error(1)
}

func (m *mockProcessor) CreateTransfer(ctx context.Context, req domain.TransferRequest) (*domain.TransferResult, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*domain.TransferResult)
	return res, args.Error(1)
}

type mockAlerts struct{ mock.Mock }

func (m *mockAlerts) SendAlert(ctx context.Context, text string) error {
	return m.Called(ctx, text).Error(0)
}

type mockWriter struct{ mock.Mock }

func (m *mockWriter) WriteReport(ctx context.Context, r *models.ReconciliationReport) (string, error) {
	args := m.Called(ctx, r)
	return args.String(0), args.Error(1)
}

type testEnv struct {
	db       *database.DB
	notifier *recordingNotifier
	alerts   *mockAlerts
	bookings *BookingService
	webhooks *WebhookProcessor
	refunds  *RefundService
	payouts  *PayoutService
	groups   *GroupService
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvAt(t, ":memory:", 5)
}

func newTestEnvAt(t *testing.T, path string, maxAttempts int) *testEnv {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(path, &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	env := &testEnv{db: db, notifier: &recordingNotifier{}, alerts: &mockAlerts{}}
	env.bookings = NewBookingService(db, fees.DefaultConfig(), env.notifier, nil, &logger)
	env.webhooks = NewWebhookProcessor(db, env.bookings, WebhookConfig{
		MaxAttempts:       maxAttempts,
		ProcessingTimeout: 5 * time.Second,
		Retry:             worker.RetryPolicy{InitialDelay: time.Second, MaxDelay: time.Minute, BackoffFactor: 2},
	}, env.notifier, nil, env.alerts, &logger)
	env.refunds = NewRefundService(db, env.bookings, env.notifier, nil, &logger)
	env.payouts = NewPayoutService(db, "thb", env.notifier, nil, &logger)
	env.groups = NewGroupService(db, env.notifier, &logger)
	return env
}

func bookingInput(providerID, base int64, guest bool) CreateBookingInput {
	start := time.Now().Add(72 * time.Hour).Truncate(time.Second)
	in := CreateBookingInput{
		ProviderID:         providerID,
		ProviderAccount:    fmt.Sprintf("recp_%d", providerID),
		ServiceDescription: "Consultation",
		ScheduledStart:     start,
		ScheduledEnd:       start.Add(time.Hour),
		BaseAmountCents:    base,
	}
	if guest {
		in.GuestName = "Walk In"
		in.GuestEmail = "guest@example.com"
	} else {
		customer := int64(42)
		in.CustomerID = &customer
	}
	return in
}

// acceptedBooking creates a booking and walks it to ACCEPTED.
func (e *testEnv) acceptedBooking(t *testing.T, providerID, base int64, guest bool) *models.Booking {
	t.Helper()
	ctx := context.Background()
	b, err := e.bookings.CreateBooking(ctx, bookingInput(providerID, base, guest))
	require.NoError(t, err)
	_, err = e.bookings.SubmitToProvider(ctx, b.ID)
	require.NoError(t, err)
	b, err = e.bookings.Accept(ctx, b.ID)
	require.NoError(t, err)
	return b
}

func (e *testEnv) pendingBooking(t *testing.T, providerID, base int64, guest bool) *models.Booking {
	t.Helper()
	b := e.acceptedBooking(t, providerID, base, guest)
	b, err := e.bookings.RequestPayment(context.Background(), b.ID, "tokn_test")
	require.NoError(t, err)
	return b
}

func paymentEvent(b *models.Booking) webhook.PaymentSucceeded {
	return webhook.PaymentSucceeded{
		ID:              fmt.Sprintf("evt_paid_%d", b.ID),
		ChargeReference: fmt.Sprintf("chrg_%d", b.ID),
		BookingID:       b.ID,
		AmountCents:     b.CustomerTotal,
		Currency:        b.Currency,
	}
}

// paidBooking walks a booking to PAYMENT_SUCCEEDED through a webhook.
func (e *testEnv) paidBooking(t *testing.T, providerID, base int64, guest bool) *models.Booking {
	t.Helper()
	b := e.pendingBooking(t, providerID, base, guest)
	ack, out := e.webhooks.ProcessEvent(context.Background(), paymentEvent(b))
	require.True(t, ack.Recorded)
	require.Equal(t, OutcomeProcessed, out.Outcome, out.Detail)

	b, err := e.db.GetBooking(context.Background(), b.ID)
	require.NoError(t, err)
	return b
}

func (e *testEnv) tasksOfType(t *testing.T, taskType string) []*models.Task {
	t.Helper()
	var tasks []*models.Task
	require.NoError(t, e.db.Select(&tasks, `SELECT * FROM task_queue WHERE task_type = ? ORDER BY id`, taskType))
	return tasks
}
