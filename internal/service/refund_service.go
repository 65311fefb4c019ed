package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"bookpay/internal/database"
	"bookpay/internal/domain"
	"bookpay/internal/events"
	"bookpay/internal/fees"
	"bookpay/internal/metrics"
	"bookpay/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RefundResult is what one refund changed.
type RefundResult struct {
	Refund     *models.Refund             `json:"refund"`
	Booking    *models.Booking            `json:"booking"`
	Adjustment *models.ProviderAdjustment `json:"adjustment,omitempty"`
}

type RefundService struct {
	db        *database.DB
	bookings  *BookingService
	notifier  domain.TaskNotifier
	publisher domain.EventPublisher
	logger    *zerolog.Logger
}

func NewRefundService(db *database.DB, bookings *BookingService, notifier domain.TaskNotifier, publisher domain.EventPublisher, logger *zerolog.Logger) *RefundService {
	return &RefundService{
		db:        db,
		bookings:  bookings,
		notifier:  notifier,
		publisher: publisher,
		logger:    logger,
	}
}

// RefundAmounts splits a refund of ratioPPM across the three money lines of
// b, given what b has already refunded. The refund that brings the
// cumulative ratio to one returns exactly what remains.
func RefundAmounts(b *models.Booking, ratioPPM int64) (customer, platform, provider int64) {
	if b.RefundedPPM+ratioPPM >= models.PPMScale {
		return b.NetCustomer(), b.NetPlatform(), b.NetProvider()
	}
	customer = clamp(fees.RoundPPM(b.CustomerTotal, ratioPPM), b.NetCustomer())
	platform = clamp(fees.RoundPPM(b.PlatformTotalRevenue, ratioPPM), b.NetPlatform())
	provider = clamp(fees.RoundPPM(b.ProviderPayout, ratioPPM), b.NetProvider())
	return customer, platform, provider
}

func clamp(v, max int64) int64 {
	if v > max {
		return max
	}
	if v < 0 {
		return 0
	}
	return v
}

// Refund reverses ratio of a booking's earned revenue. A non-terminal booking
// is cancelled in the same transaction; a terminal one only has its money
// reversed.
func (s *RefundService) Refund(ctx context.Context, bookingID int64, ratio float64, reason string) (*RefundResult, error) {
	if math.IsNaN(ratio) || ratio <= 0 || ratio > 1 {
		return nil, invalid("ratio", "must be in (0, 1], got %v", ratio)
	}
	ratioPPM := fees.ToPPM(ratio)
	if ratioPPM == 0 {
		return nil, invalid("ratio", "%v is below the smallest refundable ratio", ratio)
	}

	var result *RefundResult
	var taskID int64
	var previous models.BookingStatus
	err := s.db.WithTx(ctx, func(tx *database.Tx) error {
		b, err := tx.GetBookingForUpdate(ctx, bookingID)
		if err != nil {
			return err
		}
		previous = b.Status

		if !b.Earned() {
			return fmt.Errorf("booking %d is %s: %w", b.ID, b.Status, ErrNotRefundable)
		}
		if b.FullyRefunded() {
			return fmt.Errorf("booking %d: %w", b.ID, ErrAlreadyRefunded)
		}
		if b.RefundedPPM+ratioPPM > models.PPMScale {
			return fmt.Errorf("booking %d has %d ppm left, asked %d: %w",
				b.ID, models.PPMScale-b.RefundedPPM, ratioPPM, ErrRefundExceedsRemaining)
		}
		if err := b.CheckInvariant(); err != nil {
			return &DataIntegrityError{BookingID: b.ID, Err: err}
		}

		customer, platform, provider := RefundAmounts(b, ratioPPM)
		refund := &models.Refund{
			ID:             uuid.NewString(),
			BookingID:      b.ID,
			RatioPPM:       ratioPPM,
			CustomerAmount: customer,
			PlatformAmount: platform,
			ProviderAmount: provider,
			Residual:       customer - platform - provider,
			Reason:         strings.TrimSpace(reason),
			Status:         models.RefundPending,
		}

		payout, err := tx.GetPayoutByBooking(ctx, b.ID)
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			return err
		}
		reduceBy, owed := splitProviderReversal(payout, provider)
		refund.NegativeBalance = owed > 0

		if err := tx.CreateRefund(ctx, refund); err != nil {
			return err
		}

		if reduceBy > 0 {
			if err := tx.ReducePendingPayout(ctx, payout.ID, reduceBy); err != nil {
				return err
			}
		}
		var adjustment *models.ProviderAdjustment
		if owed > 0 {
			adjustment = &models.ProviderAdjustment{
				ProviderID: b.ProviderID,
				BookingID:  b.ID,
				RefundID:   refund.ID,
				Amount:     -owed,
			}
			if err := tx.CreateAdjustment(ctx, adjustment); err != nil {
				return err
			}
		}

		if err := tx.ApplyBookingRefund(ctx, b.ID, b.RefundedPPM, refund); err != nil {
			return err
		}
		b.RefundedCustomer += customer
		b.RefundedPlatform += platform
		b.RefundedProvider += provider
		b.RefundedPPM += ratioPPM
		b.Version++

		if !b.Status.IsTerminal() {
			if err := s.bookings.applyTransition(ctx, tx, b, b.Status, models.StatusCancelled); err != nil {
				return err
			}
		}

		taskID, err = enqueueTask(ctx, tx, models.TaskCreateRefund, b.ID, refundPayload{
			RefundID:        refund.ID,
			BookingID:       b.ID,
			ChargeReference: b.PaymentReference,
			AmountCents:     customer,
		}, nil)
		if err != nil {
			return err
		}

		result = &RefundResult{Refund: refund, Booking: b, Adjustment: adjustment}
		return nil
	})
	if err != nil {
		var integrity *DataIntegrityError
		if errors.As(err, &integrity) {
			s.logger.Error().Err(err).Int64("booking_id", bookingID).Msg("Refund halted")
		}
		return nil, err
	}

	metrics.AddRefunded(result.Refund.CustomerAmount)
	if s.notifier != nil {
		s.notifier.Notify(ctx, taskID)
	}
	s.bookings.publish(ctx, events.EventBookingRefunded, result.Booking, previous)

	s.logger.Info().
		Int64("booking_id", bookingID).
		Str("refund_id", result.Refund.ID).
		Int64("ratio_ppm", ratioPPM).
		Int64("customer", result.Refund.CustomerAmount).
		Int64("platform", result.Refund.PlatformAmount).
		Int64("provider", result.Refund.ProviderAmount).
		Int64("residual", result.Refund.Residual).
		Bool("negative_balance", result.Refund.NegativeBalance).
		Msg("Refund recorded")
	return result, nil
}

// splitProviderReversal decides how much of the provider's share comes out
// of a still pending payout and how much is carried as a debt.
func splitProviderReversal(payout *models.Payout, provider int64) (reduceBy, owed int64) {
	if provider <= 0 {
		return 0, 0
	}
	if payout == nil || payout.Status != models.PayoutPending {
		return 0, provider
	}
	reduceBy = provider
	if reduceBy > payout.Amount {
		reduceBy = payout.Amount
	}
	return reduceBy, provider - reduceBy
}

func (s *RefundService) ListRefunds(ctx context.Context, bookingID int64) ([]*models.Refund, error) {
	return s.db.ListRefunds(ctx, bookingID)
}
