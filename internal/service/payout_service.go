package service

import (
	"context"
	"fmt"
	"strings"

	"bookpay/internal/database"
	"bookpay/internal/domain"
	"bookpay/internal/events"
	"bookpay/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// PayoutPlan is a provider's balance as of now.
type PayoutPlan struct {
	ProviderID  int64                        `json:"provider_id"`
	Payouts     []*models.Payout             `json:"payouts"`
	Adjustments []*models.ProviderAdjustment `json:"adjustments"`
	Gross       int64                        `json:"gross"`
	Deductions  int64                        `json:"deductions"`
	Net         int64                        `json:"net"`
}

// PayoutRun is the outcome of RunPayout. BatchID is empty when nothing was
// sent and the balance carries forward.
type PayoutRun struct {
	PayoutPlan
	BatchID string `json:"batch_id,omitempty"`
	TaskID  int64  `json:"task_id,omitempty"`
}

type PayoutService struct {
	db        *database.DB
	currency  string
	notifier  domain.TaskNotifier
	publisher domain.EventPublisher
	logger    *zerolog.Logger
}

func NewPayoutService(db *database.DB, currency string, notifier domain.TaskNotifier, publisher domain.EventPublisher, logger *zerolog.Logger) *PayoutService {
	if currency == "" {
		currency = models.DefaultCurrency
	}
	return &PayoutService{
		db:        db,
		currency:  currency,
		notifier:  notifier,
		publisher: publisher,
		logger:    logger,
	}
}

func (s *PayoutService) ComputeNextPayout(ctx context.Context, providerID int64) (*PayoutPlan, error) {
	return computePlan(ctx, &s.db.Queries, providerID)
}

func computePlan(ctx context.Context, q *database.Queries, providerID int64) (*PayoutPlan, error) {
	payouts, err := q.ListPendingPayouts(ctx, providerID)
	if err != nil {
		return nil, err
	}
	adjustments, err := q.ListOpenAdjustments(ctx, providerID)
	if err != nil {
		return nil, err
	}

	plan := &PayoutPlan{ProviderID: providerID, Payouts: payouts, Adjustments: adjustments}
	for _, p := range payouts {
		plan.Gross += p.Amount
	}
	for _, a := range adjustments {
		plan.Deductions += a.Amount
	}
	plan.Net = plan.Gross + plan.Deductions
	return plan, nil
}

// RunPayout batches a provider's pending payouts and open adjustments into
// one transfer. A non-positive net leaves everything in place.
func (s *PayoutService) RunPayout(ctx context.Context, providerID int64, destination string) (*PayoutRun, error) {
	if strings.TrimSpace(destination) == "" {
		return nil, invalid("destination", "transfer destination is required")
	}

	run := &PayoutRun{}
	err := s.db.WithTx(ctx, func(tx *database.Tx) error {
		plan, err := computePlan(ctx, &tx.Queries, providerID)
		if err != nil {
			return err
		}
		run.PayoutPlan = *plan
		if plan.Net <= 0 {
			return nil
		}

		batchID := uuid.NewString()
		ids := make([]int64, 0, len(plan.Payouts))
		for _, p := range plan.Payouts {
			ids = append(ids, p.ID)
		}
		if err := tx.MarkPayoutsInTransit(ctx, ids, batchID); err != nil {
			return fmt.Errorf("provider %d: %w", providerID, err)
		}
		adjIDs := make([]int64, 0, len(plan.Adjustments))
		for _, a := range plan.Adjustments {
			adjIDs = append(adjIDs, a.ID)
		}
		if err := tx.ApplyAdjustments(ctx, adjIDs, batchID); err != nil {
			return fmt.Errorf("provider %d: %w", providerID, err)
		}

		taskID, err := enqueueTask(ctx, tx, models.TaskCreateTransfer, 0, transferPayload{
			BatchID:     batchID,
			ProviderID:  providerID,
			Destination: destination,
			AmountCents: plan.Net,
			Currency:    s.currency,
		}, nil)
		if err != nil {
			return err
		}
		run.BatchID = batchID
		run.TaskID = taskID
		return nil
	})
	if err != nil {
		return nil, err
	}

	log := s.logger.Info().Int64("provider_id", providerID).Int64("net", run.Net)
	if run.BatchID == "" {
		log.Msg("Payout carried forward")
		return run, nil
	}
	log.Str("batch_id", run.BatchID).Int("payouts", len(run.Payouts)).Msg("Payout scheduled")

	if s.notifier != nil {
		s.notifier.Notify(ctx, run.TaskID)
	}
	if s.publisher != nil {
		if err := s.publisher.PublishJSON(ctx, events.EventPayoutScheduled, run); err != nil {
			s.logger.Warn().Err(err).Str("batch_id", run.BatchID).Msg("Failed to publish event")
		}
	}
	return run, nil
}

// ProvidersDue lists providers with anything pending.
func (s *PayoutService) ProvidersDue(ctx context.Context) ([]int64, error) {
	return s.db.ListProvidersWithPendingBalance(ctx)
}
