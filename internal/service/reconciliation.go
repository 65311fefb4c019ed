package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bookpay/internal/database"
	"bookpay/internal/domain"
	"bookpay/internal/fees"
	"bookpay/internal/metrics"
	"bookpay/internal/models"

	"github.com/rs/zerolog"
)

// stuckAfter is how long a record may sit in processing before the report
// lists it with the failures.
const stuckAfter = time.Hour

type ReconciliationService struct {
	db      *database.DB
	writers []domain.ReportWriter
	alerts  domain.AlertSender
	logger  *zerolog.Logger
	now     func() time.Time
}

func NewReconciliationService(db *database.DB, writers []domain.ReportWriter, alerts domain.AlertSender, logger *zerolog.Logger) *ReconciliationService {
	return &ReconciliationService{
		db:      db,
		writers: writers,
		alerts:  alerts,
		logger:  logger,
		now:     time.Now,
	}
}

// Run builds the report for revenue earned in [from, to), writes it to
// every configured writer and alerts when something needs an operator.
func (s *ReconciliationService) Run(ctx context.Context, from, to time.Time) (*models.ReconciliationReport, error) {
	report, err := s.Build(ctx, from, to)
	if err != nil {
		return nil, err
	}

	var writeErrs []error
	for _, w := range s.writers {
		location, err := w.WriteReport(ctx, report)
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to write reconciliation report")
			writeErrs = append(writeErrs, err)
			continue
		}
		report.Outputs = append(report.Outputs, location)
	}

	s.logger.Info().
		Time("from", from).
		Time("to", to).
		Int("bookings", len(report.Lines)).
		Int("discrepancies", report.Discrepancies).
		Int("failed_events", len(report.FailedEvents)).
		Int("failed_tasks", len(report.FailedTasks)).
		Strs("outputs", report.Outputs).
		Msg("Reconciliation finished")

	if report.HasIssues() && s.alerts != nil {
		if err := s.alerts.SendAlert(ctx, Summary(report)); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to send reconciliation alert")
		}
	}
	return report, errors.Join(writeErrs...)
}

// Build computes the report without writing it anywhere.
func (s *ReconciliationService) Build(ctx context.Context, from, to time.Time) (*models.ReconciliationReport, error) {
	if !to.After(from) {
		return nil, invalid("to", "must be after from")
	}

	bookings, err := s.db.ListEarnedBookings(ctx, from, to)
	if err != nil {
		return nil, err
	}

	report := &models.ReconciliationReport{From: from, To: to, GeneratedAt: s.now().UTC()}
	for _, b := range bookings {
		line, err := s.line(ctx, b)
		if err != nil {
			return nil, err
		}
		if len(line.Problems) > 0 {
			report.Discrepancies++
		}
		report.GrossCustomer += line.CustomerTotal
		report.GrossPlatform += line.PlatformRevenue
		report.GrossProvider += line.ProviderPayout
		report.NetCustomer += line.NetCustomer
		report.NetPlatform += line.NetPlatform
		report.NetProvider += line.NetProvider
		report.ResidualTotal += line.Residual
		report.Lines = append(report.Lines, line)
	}

	failed, err := s.db.ListIdempotencyRecordsByStatus(ctx, models.IdempotencyFailed)
	if err != nil {
		return nil, err
	}
	stuck, err := s.db.ListStuckIdempotencyRecords(ctx, s.now().Add(-stuckAfter))
	if err != nil {
		return nil, err
	}
	report.FailedEvents = append(failed, stuck...)

	if report.FailedTasks, err = s.db.GetFailedTasks(ctx); err != nil {
		return nil, err
	}

	providers, err := s.db.ListProvidersWithPendingBalance(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range providers {
		adjustments, err := s.db.ListOpenAdjustments(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, a := range adjustments {
			report.OpenAdjustments += a.Amount
		}
	}

	metrics.SetReconciliationMismatches(report.Discrepancies)
	return report, nil
}

func (s *ReconciliationService) line(ctx context.Context, b *models.Booking) (models.ReconciliationLine, error) {
	line := models.ReconciliationLine{
		BookingID:        b.ID,
		ProviderID:       b.ProviderID,
		Status:           b.Status,
		CustomerTotal:    b.CustomerTotal,
		PlatformRevenue:  b.PlatformTotalRevenue,
		ProviderPayout:   b.ProviderPayout,
		RefundedCustomer: b.RefundedCustomer,
		RefundedPlatform: b.RefundedPlatform,
		RefundedProvider: b.RefundedProvider,
		NetCustomer:      b.NetCustomer(),
		NetPlatform:      b.NetPlatform(),
		NetProvider:      b.NetProvider(),
		PayoutStatus:     b.PayoutStatus,
	}
	if b.EarnedAt != nil {
		line.EarnedAt = *b.EarnedAt
	}

	if err := b.CheckInvariant(); err != nil {
		line.Problems = append(line.Problems, err.Error())
	}
	priced := fees.Reprice(b.TotalAmount, b.IsGuestBooking, b.CommissionPPM, b.SurchargePPM)
	if check := fees.ValidatePaid(priced.CustomerTotalCents, b.CustomerTotal); !check.Valid {
		line.Problems = append(line.Problems,
			fmt.Sprintf("customer total %d, booked rates give %d", b.CustomerTotal, check.ExpectedCents))
	}
	if priced.PlatformFeeCents != b.PlatformFee {
		line.Problems = append(line.Problems,
			fmt.Sprintf("platform fee %d, booked rates give %d", b.PlatformFee, priced.PlatformFeeCents))
	}

	refunds, err := s.db.ListRefunds(ctx, b.ID)
	if err != nil {
		return line, err
	}
	var customer, platform, provider, ppm int64
	for _, r := range refunds {
		customer += r.CustomerAmount
		platform += r.PlatformAmount
		provider += r.ProviderAmount
		ppm += r.RatioPPM
		line.Residual += r.Residual
	}
	if customer != b.RefundedCustomer || platform != b.RefundedPlatform || provider != b.RefundedProvider || ppm != b.RefundedPPM {
		line.Problems = append(line.Problems, "refund rows do not match booking totals")
	}
	if line.NetCustomer < 0 || line.NetPlatform < 0 || line.NetProvider < 0 {
		line.Problems = append(line.Problems, "refunded more than was charged")
	}
	if b.FullyRefunded() && (line.NetCustomer != 0 || line.NetPlatform != 0 || line.NetProvider != 0) {
		line.Problems = append(line.Problems, "fully refunded booking has money left")
	}

	if _, err := s.db.GetPayoutByBooking(ctx, b.ID); err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			return line, err
		}
		line.Problems = append(line.Problems, "earned booking has no payout")
	}
	return line, nil
}

// Summary renders a short plain-text digest of a report for alerts.
func Summary(r *models.ReconciliationReport) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Reconciliation %s to %s\n", r.From.Format(time.DateOnly), r.To.Format(time.DateOnly))
	fmt.Fprintf(&sb, "Bookings: %d, discrepancies: %d\n", len(r.Lines), r.Discrepancies)
	fmt.Fprintf(&sb, "Net customer %d, platform %d, provider %d, residual %d\n",
		r.NetCustomer, r.NetPlatform, r.NetProvider, r.ResidualTotal)
	if n := len(r.FailedEvents); n > 0 {
		fmt.Fprintf(&sb, "Failed events: %d\n", n)
	}
	if n := len(r.FailedTasks); n > 0 {
		fmt.Fprintf(&sb, "Failed tasks: %d\n", n)
	}
	for _, line := range r.Lines {
		if len(line.Problems) > 0 {
			fmt.Fprintf(&sb, "#%d: %s\n", line.BookingID, strings.Join(line.Problems, "; "))
		}
	}
	return sb.String()
}
