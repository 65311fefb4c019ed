package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bookpay/internal/database"
	"bookpay/internal/domain"
	"bookpay/internal/events"
	"bookpay/internal/fees"
	"bookpay/internal/metrics"
	"bookpay/internal/models"

	"github.com/rs/zerolog"
)

type BookingService struct {
	db        *database.DB
	fees      fees.Config
	overrides map[int64]float64
	notifier  domain.TaskNotifier
	publisher domain.EventPublisher
	logger    *zerolog.Logger
	now       func() time.Time
}

func NewBookingService(db *database.DB, feeCfg fees.Config, notifier domain.TaskNotifier, publisher domain.EventPublisher, logger *zerolog.Logger) *BookingService {
	return &BookingService{
		db:        db,
		fees:      feeCfg,
		overrides: make(map[int64]float64),
		notifier:  notifier,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// SetCommissionOverrides installs per-provider commission rates.
func (s *BookingService) SetCommissionOverrides(overrides map[int64]float64) {
	s.overrides = make(map[int64]float64, len(overrides))
	for id, rate := range overrides {
		s.overrides[id] = rate
	}
}

type CreateBookingInput struct {
	ProviderID         int64     `json:"provider_id"`
	ProviderAccount    string    `json:"provider_account"`
	CustomerID         *int64    `json:"customer_id,omitempty"`
	GuestName          string    `json:"guest_name,omitempty"`
	GuestEmail         string    `json:"guest_email,omitempty"`
	GuestPhone         string    `json:"guest_phone,omitempty"`
	ServiceDescription string    `json:"service_description"`
	ScheduledStart     time.Time `json:"scheduled_start"`
	ScheduledEnd       time.Time `json:"scheduled_end"`
	BaseAmountCents    int64     `json:"base_amount_cents"`
	Currency           string    `json:"currency,omitempty"`
}

func (in CreateBookingInput) validate() error {
	if in.ProviderID <= 0 {
		return invalid("provider_id", "must be positive")
	}
	if in.ScheduledStart.IsZero() || !in.ScheduledEnd.After(in.ScheduledStart) {
		return invalid("scheduled_end", "must be after scheduled_start")
	}
	if in.CustomerID == nil {
		if strings.TrimSpace(in.GuestName) == "" {
			return invalid("guest_name", "required for guest bookings")
		}
		if !strings.Contains(in.GuestEmail, "@") {
			return invalid("guest_email", "valid email required for guest bookings")
		}
	}
	return nil
}

// Quote prices a booking without persisting anything.
func (s *BookingService) Quote(providerID, baseAmountCents int64, isGuest bool) (fees.Breakdown, error) {
	return fees.Calculate(s.fees, baseAmountCents, isGuest, s.commissionFor(providerID))
}

func (s *BookingService) commissionFor(providerID int64) *float64 {
	if rate, ok := s.overrides[providerID]; ok {
		return &rate
	}
	return nil
}

// CreateBooking prices and stores a booking in INITIATED.
func (s *BookingService) CreateBooking(ctx context.Context, in CreateBookingInput) (*models.Booking, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	isGuest := in.CustomerID == nil
	breakdown, err := s.Quote(in.ProviderID, in.BaseAmountCents, isGuest)
	if err != nil {
		return nil, err
	}

	currency := strings.ToLower(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = models.DefaultCurrency
	}

	b := &models.Booking{
		ProviderID:           in.ProviderID,
		ProviderAccount:      in.ProviderAccount,
		CustomerID:           in.CustomerID,
		GuestName:            in.GuestName,
		GuestEmail:           in.GuestEmail,
		GuestPhone:           in.GuestPhone,
		ServiceDescription:   in.ServiceDescription,
		ScheduledStart:       in.ScheduledStart,
		ScheduledEnd:         in.ScheduledEnd,
		Status:               models.StatusInitiated,
		Currency:             currency,
		IsGuestBooking:       isGuest,
		TotalAmount:          breakdown.BaseAmountCents,
		PlatformFee:          breakdown.PlatformFeeCents,
		ProviderPayout:       breakdown.ProviderPayoutCents,
		GuestSurcharge:       breakdown.GuestSurchargeCents,
		PlatformTotalRevenue: breakdown.PlatformTotalRevenueCents,
		CustomerTotal:        breakdown.CustomerTotalCents,
		CommissionPPM:        breakdown.CommissionPPM,
		SurchargePPM:         breakdown.SurchargePPM,
	}

	if err := s.db.CreateBooking(ctx, b); err != nil {
		return nil, err
	}

	s.logger.Info().
		Int64("booking_id", b.ID).
		Int64("provider_id", b.ProviderID).
		Int64("customer_total", b.CustomerTotal).
		Bool("guest", b.IsGuestBooking).
		Msg("Booking created")
	s.publish(ctx, events.EventBookingCreated, b, "")

	return b, nil
}

func (s *BookingService) GetBooking(ctx context.Context, id int64) (*models.Booking, error) {
	return s.db.GetBooking(ctx, id)
}

// Transition moves a booking from expected to next.
func (s *BookingService) Transition(ctx context.Context, id int64, expected, next models.BookingStatus) (*models.Booking, error) {
	var booking *models.Booking
	err := s.db.WithTx(ctx, func(tx *database.Tx) error {
		b, err := tx.GetBookingForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := s.applyTransition(ctx, tx, b, expected, next); err != nil {
			return err
		}
		booking = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.EventBookingStatusChanged, booking, expected)
	return booking, nil
}

func (s *BookingService) SubmitToProvider(ctx context.Context, id int64) (*models.Booking, error) {
	return s.Transition(ctx, id, models.StatusInitiated, models.StatusPendingProvider)
}

func (s *BookingService) Accept(ctx context.Context, id int64) (*models.Booking, error) {
	return s.Transition(ctx, id, models.StatusPendingProvider, models.StatusAccepted)
}

func (s *BookingService) Reject(ctx context.Context, id int64) (*models.Booking, error) {
	return s.Transition(ctx, id, models.StatusPendingProvider, models.StatusRejected)
}

func (s *BookingService) Complete(ctx context.Context, id int64) (*models.Booking, error) {
	return s.Transition(ctx, id, models.StatusPaymentSucceeded, models.StatusCompleted)
}

// RequestPayment moves an accepted booking to PAYMENT_PENDING and queues the
// charge of the customer total in the same transaction.
func (s *BookingService) RequestPayment(ctx context.Context, id int64, source string) (*models.Booking, error) {
	return s.startPayment(ctx, id, models.StatusAccepted, source)
}

// RetryPayment re-enters PAYMENT_PENDING after a failed charge.
func (s *BookingService) RetryPayment(ctx context.Context, id int64, source string) (*models.Booking, error) {
	return s.startPayment(ctx, id, models.StatusPaymentFailed, source)
}

func (s *BookingService) startPayment(ctx context.Context, id int64, expected models.BookingStatus, source string) (*models.Booking, error) {
	if strings.TrimSpace(source) == "" {
		return nil, invalid("source", "payment source is required")
	}

	var booking *models.Booking
	var taskID int64
	err := s.db.WithTx(ctx, func(tx *database.Tx) error {
		b, err := tx.GetBookingForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := s.applyTransition(ctx, tx, b, expected, models.StatusPaymentPending); err != nil {
			return err
		}

		taskID, err = enqueueTask(ctx, tx, models.TaskCreateCharge, b.ID, chargePayload{
			BookingID:        b.ID,
			AmountCents:      b.CustomerTotal,
			Currency:         b.Currency,
			Source:           source,
			Destination:      b.ProviderAccount,
			PlatformFeeCents: b.PlatformTotalRevenue,
			Description:      b.ServiceDescription,
		}, nil)
		if err != nil {
			return err
		}
		booking = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notify(ctx, taskID)
	s.publish(ctx, events.EventBookingStatusChanged, booking, expected)
	return booking, nil
}

// Cancel cancels a booking that has not been paid. Paid bookings are
// cancelled by the refund engine so money moves with the state.
func (s *BookingService) Cancel(ctx context.Context, id int64, expected models.BookingStatus) (*models.Booking, error) {
	var booking *models.Booking
	err := s.db.WithTx(ctx, func(tx *database.Tx) error {
		b, err := tx.GetBookingForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if b.Earned() && !b.FullyRefunded() && !b.Status.IsTerminal() {
			return ErrRefundRequired
		}
		if err := s.applyTransition(ctx, tx, b, expected, models.StatusCancelled); err != nil {
			return err
		}
		booking = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.EventBookingStatusChanged, booking, expected)
	return booking, nil
}

// applyTransition is the single place a booking changes state. It checks
// the expected state, the transition graph and the money invariant, then
// performs the compare-and-set. Entering PAYMENT_SUCCEEDED records earned
// revenue by creating the provider payout.
func (s *BookingService) applyTransition(ctx context.Context, tx *database.Tx, b *models.Booking, expected, next models.BookingStatus) error {
	if b.Status != expected {
		return fmt.Errorf("booking %d is %s, expected %s: %w", b.ID, b.Status, expected, ErrStaleState)
	}
	if b.Status.IsTerminal() {
		return fmt.Errorf("booking %d is %s: %w", b.ID, b.Status, ErrTerminalState)
	}
	if !models.CanTransition(b.Status, next) {
		return fmt.Errorf("%s -> %s: %w", b.Status, next, ErrIllegalTransition)
	}
	if err := b.CheckInvariant(); err != nil {
		integrity := &DataIntegrityError{BookingID: b.ID, Err: err}
		s.logger.Error().Err(integrity).Int64("booking_id", b.ID).Msg("Transition halted")
		return integrity
	}

	at := s.now().UTC()
	if err := tx.TransitionBookingStatus(ctx, b.ID, expected, next, at); err != nil {
		if errors.Is(err, database.ErrStaleState) {
			return fmt.Errorf("booking %d left %s: %w", b.ID, expected, ErrStaleState)
		}
		return err
	}

	switch next {
	case models.StatusAccepted:
		b.ConfirmedAt = &at
	case models.StatusPaymentSucceeded:
		b.EarnedAt = &at
		payout := &models.Payout{ProviderID: b.ProviderID, BookingID: b.ID, Amount: b.ProviderPayout}
		if err := tx.CreatePayout(ctx, payout); err != nil {
			return err
		}
		if err := tx.SetPayoutStatus(ctx, b.ID, models.PayoutPending); err != nil {
			return err
		}
		b.PayoutStatus = models.PayoutPending
	case models.StatusCompleted:
		b.CompletedAt = &at
	case models.StatusCancelled:
		b.CancelledAt = &at
	}
	b.Status = next
	b.Version++
	b.UpdatedAt = at

	id := b.ID
	tx.AfterCommit(func() {
		metrics.IncTransition(string(expected), string(next))
		s.logger.Info().
			Int64("booking_id", id).
			Str("from", string(expected)).
			Str("to", string(next)).
			Msg("Booking transitioned")
	})
	return nil
}

func (s *BookingService) notify(ctx context.Context, taskIDs ...int64) {
	if s.notifier != nil && len(taskIDs) > 0 {
		s.notifier.Notify(ctx, taskIDs...)
	}
}

func (s *BookingService) publish(ctx context.Context, eventType string, b *models.Booking, previous models.BookingStatus) {
	if s.publisher == nil || b == nil {
		return
	}
	payload := events.NewBookingPayload(b, string(previous))
	if err := s.publisher.PublishJSON(ctx, eventType, payload); err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Int64("booking_id", b.ID).Msg("Failed to publish event")
	}
}
