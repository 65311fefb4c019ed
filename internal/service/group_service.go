package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"bookpay/internal/database"
	"bookpay/internal/domain"
	"bookpay/internal/fees"
	"bookpay/internal/group"
	"bookpay/internal/models"

	"github.com/rs/zerolog"
)

type GroupService struct {
	db       *database.DB
	notifier domain.TaskNotifier
	logger   *zerolog.Logger
}

func NewGroupService(db *database.DB, notifier domain.TaskNotifier, logger *zerolog.Logger) *GroupService {
	return &GroupService{db: db, notifier: notifier, logger: logger}
}

type CreateGroupInput struct {
	BookingID        int64                `json:"-"`
	PaymentMethod    models.PaymentMethod `json:"payment_method"`
	MaxParticipants  int                  `json:"max_participants"`
	DepositRatio     float64              `json:"deposit_ratio,omitempty"`
	CustomAmounts    []int64              `json:"custom_amounts,omitempty"`
	CorporateAccount string               `json:"corporate_account,omitempty"`
	OrganizerName    string               `json:"organizer_name"`
	OrganizerEmail   string               `json:"organizer_email"`
}

func (in CreateGroupInput) validate() error {
	if !in.PaymentMethod.Valid() {
		return invalid("payment_method", "unknown method %q", in.PaymentMethod)
	}
	if in.MaxParticipants <= 0 {
		return invalid("max_participants", "must be positive")
	}
	if strings.TrimSpace(in.OrganizerName) == "" {
		return invalid("organizer_name", "required")
	}
	if in.PaymentMethod == models.MethodDepositSplit && (math.IsNaN(in.DepositRatio) || in.DepositRatio <= 0 || in.DepositRatio > 1) {
		return invalid("deposit_ratio", "must be in (0, 1]")
	}
	if in.PaymentMethod == models.MethodCorporate && strings.TrimSpace(in.CorporateAccount) == "" {
		return invalid("corporate_account", "required for corporate groups")
	}
	return nil
}

// splitInput rebuilds the split parameters of a stored group.
func splitInput(g *models.GroupBooking, customerTotal int64) group.SplitInput {
	return group.SplitInput{
		Method:             g.PaymentMethod,
		CustomerTotalCents: customerTotal,
		MaxParticipants:    g.MaxParticipants,
		PerPersonCents:     g.PerPersonAmount,
		DepositPPM:         g.DepositPPM,
		CustomAmounts:      g.CustomAmounts,
	}
}

// CreateGroupBooking attaches a group to a booking. The organizer joins
// accepted and owes the whole committed amount until guests accept.
func (s *GroupService) CreateGroupBooking(ctx context.Context, in CreateGroupInput) (*models.GroupBooking, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	var g *models.GroupBooking
	err := s.db.WithTx(ctx, func(tx *database.Tx) error {
		b, err := tx.GetBookingForUpdate(ctx, in.BookingID)
		if err != nil {
			return err
		}
		if b.Status.IsTerminal() {
			return fmt.Errorf("booking %d is %s: %w", b.ID, b.Status, ErrTerminalState)
		}
		if _, err := tx.GetGroupByBookingID(ctx, b.ID); err == nil {
			return fmt.Errorf("booking %d: %w", b.ID, ErrGroupExists)
		} else if !errors.Is(err, database.ErrNotFound) {
			return err
		}

		g = &models.GroupBooking{
			BookingID:        b.ID,
			PaymentMethod:    in.PaymentMethod,
			MaxParticipants:  in.MaxParticipants,
			CorporateAccount: in.CorporateAccount,
			CustomAmounts:    in.CustomAmounts,
		}
		switch in.PaymentMethod {
		case models.MethodPayOwn:
			g.PerPersonAmount = b.CustomerTotal
		case models.MethodDepositSplit:
			g.DepositPPM = fees.ToPPM(in.DepositRatio)
			g.DepositAmount = group.DepositAmount(b.CustomerTotal, g.DepositPPM)
		}

		shares, err := group.Split(splitInput(g, b.CustomerTotal))
		if err != nil {
			return &ValidationError{Field: "payment_method", Message: err.Error()}
		}
		g.CommittedAmount = group.Sum(shares)
		if in.PaymentMethod == models.MethodPayOwn {
			g.CommittedAmount = g.PerPersonAmount
		}

		if err := tx.CreateGroupBooking(ctx, g); err != nil {
			return err
		}
		organizer := &models.Participant{
			GroupID:     g.ID,
			Name:        in.OrganizerName,
			Email:       in.OrganizerEmail,
			IsOrganizer: true,
			AmountCents: g.CommittedAmount,
			Status:      models.ParticipantAccepted,
		}
		if err := tx.CreateParticipant(ctx, organizer); err != nil {
			return err
		}
		g.Participants = []*models.Participant{organizer}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Int64("group_id", g.ID).
		Int64("booking_id", g.BookingID).
		Str("method", string(g.PaymentMethod)).
		Int64("committed", g.CommittedAmount).
		Msg("Group booking created")
	return g, nil
}

func (s *GroupService) GetGroup(ctx context.Context, groupID int64) (*models.GroupBooking, error) {
	return s.db.GetGroupBooking(ctx, groupID)
}

// InviteParticipant adds a guest with no obligation yet.
func (s *GroupService) InviteParticipant(ctx context.Context, groupID int64, name, email string) (*models.Participant, error) {
	if strings.TrimSpace(name) == "" {
		return nil, invalid("name", "required")
	}

	var p *models.Participant
	err := s.db.WithTx(ctx, func(tx *database.Tx) error {
		g, err := tx.GetGroupBooking(ctx, groupID)
		if err != nil {
			return err
		}
		if len(activeParticipants(g)) >= g.MaxParticipants {
			return fmt.Errorf("group %d has %d places: %w", g.ID, g.MaxParticipants, ErrGroupFull)
		}
		p = &models.Participant{
			GroupID: g.ID,
			Name:    name,
			Email:   email,
			Status:  models.ParticipantInvited,
		}
		return tx.CreateParticipant(ctx, p)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Int64("group_id", groupID).Int64("participant_id", p.ID).Msg("Participant invited")
	return p, nil
}

// AcceptInvitation assigns the participant's share by its place in the
// group and rebalances the organizer.
func (s *GroupService) AcceptInvitation(ctx context.Context, groupID, participantID int64) (*models.GroupBooking, error) {
	return s.mutate(ctx, groupID, participantID, func(tx *database.Tx, g *models.GroupBooking, p *models.Participant) error {
		if p.Status != models.ParticipantInvited {
			return fmt.Errorf("participant %d is %s: %w", p.ID, p.Status, ErrParticipantState)
		}
		b, err := tx.GetBooking(ctx, g.BookingID)
		if err != nil {
			return err
		}

		slot := -1
		for i, active := range activeParticipants(g) {
			if active.ID == p.ID {
				slot = i
			}
		}
		share, err := group.ShareFor(splitInput(g, b.CustomerTotal), slot)
		if err != nil {
			return fmt.Errorf("participant %d: %w", p.ID, ErrGroupFull)
		}
		p.Status = models.ParticipantAccepted
		p.AmountCents = share
		if g.PaymentMethod == models.MethodPayOwn {
			g.CommittedAmount += share
		}
		return nil
	})
}

// DeclineInvitation releases the participant's share back to the organizer.
func (s *GroupService) DeclineInvitation(ctx context.Context, groupID, participantID int64) (*models.GroupBooking, error) {
	return s.mutate(ctx, groupID, participantID, func(tx *database.Tx, g *models.GroupBooking, p *models.Participant) error {
		if p.IsOrganizer || (p.Status != models.ParticipantInvited && p.Status != models.ParticipantAccepted) {
			return fmt.Errorf("participant %d is %s: %w", p.ID, p.Status, ErrParticipantState)
		}
		if g.PaymentMethod == models.MethodPayOwn && p.Status == models.ParticipantAccepted {
			g.CommittedAmount -= p.AmountCents
		}
		p.Status = models.ParticipantDeclined
		p.AmountCents = 0
		return nil
	})
}

// MarkParticipantPaid records a participant's settled charge.
func (s *GroupService) MarkParticipantPaid(ctx context.Context, groupID, participantID int64, paymentReference string) (*models.GroupBooking, error) {
	return s.mutate(ctx, groupID, participantID, func(tx *database.Tx, g *models.GroupBooking, p *models.Participant) error {
		if p.Status != models.ParticipantAccepted {
			return fmt.Errorf("participant %d is %s: %w", p.ID, p.Status, ErrParticipantState)
		}
		p.Status = models.ParticipantPaid
		p.PaymentReference = paymentReference
		return nil
	})
}

// RefundParticipant returns a paid participant's share and queues the
// processor refund against their own charge.
func (s *GroupService) RefundParticipant(ctx context.Context, groupID, participantID int64) (*models.GroupBooking, error) {
	var taskID int64
	g, err := s.mutate(ctx, groupID, participantID, func(tx *database.Tx, g *models.GroupBooking, p *models.Participant) error {
		if p.Status != models.ParticipantPaid {
			return fmt.Errorf("participant %d is %s: %w", p.ID, p.Status, ErrParticipantState)
		}
		var err error
		taskID, err = enqueueTask(ctx, tx, models.TaskCreateRefund, g.BookingID, refundPayload{
			BookingID:       g.BookingID,
			ChargeReference: p.PaymentReference,
			AmountCents:     p.AmountCents,
			ParticipantID:   p.ID,
		}, nil)
		if err != nil {
			return err
		}
		p.Status = models.ParticipantRefunded
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.notifier != nil {
		s.notifier.Notify(ctx, taskID)
	}
	return g, nil
}

// mutate applies fn to one participant, rebalances the organizer and
// persists every changed row in one transaction.
func (s *GroupService) mutate(ctx context.Context, groupID, participantID int64, fn func(*database.Tx, *models.GroupBooking, *models.Participant) error) (*models.GroupBooking, error) {
	var g *models.GroupBooking
	err := s.db.WithTx(ctx, func(tx *database.Tx) error {
		var err error
		g, err = tx.GetGroupBooking(ctx, groupID)
		if err != nil {
			return err
		}
		var p *models.Participant
		for _, candidate := range g.Participants {
			if candidate.ID == participantID {
				p = candidate
			}
		}
		if p == nil {
			return fmt.Errorf("participant %d in group %d: %w", participantID, groupID, ErrNotFound)
		}

		committed := g.CommittedAmount
		if err := fn(tx, g, p); err != nil {
			return err
		}
		if err := tx.UpdateParticipant(ctx, p); err != nil {
			return err
		}

		organizer := g.Organizer()
		if organizer != nil && organizer.ID != p.ID {
			owed, err := organizerShare(g)
			if err != nil {
				return err
			}
			if owed != organizer.AmountCents {
				if organizer.Status == models.ParticipantPaid || organizer.Status == models.ParticipantRefunded {
					return fmt.Errorf("organizer already settled %d, now owes %d: %w",
						organizer.AmountCents, owed, ErrParticipantState)
				}
				organizer.AmountCents = owed
				if err := tx.UpdateParticipant(ctx, organizer); err != nil {
					return err
				}
			}
		}
		if g.CommittedAmount != committed {
			if err := tx.UpdateGroupCommitted(ctx, g.ID, g.CommittedAmount); err != nil {
				return err
			}
		}
		if got := g.Committed(); got != g.CommittedAmount && !hasRefunds(g) {
			return &DataIntegrityError{
				BookingID: g.BookingID,
				Err:       fmt.Errorf("group %d shares sum to %d, committed %d", g.ID, got, g.CommittedAmount),
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Int64("group_id", g.ID).
		Int64("participant_id", participantID).
		Int64("committed", g.CommittedAmount).
		Msg("Group updated")
	return g, nil
}

// organizerShare is what the organizer owes so all shares add up to the
// committed amount. Under pay-own everyone owes the same fixed amount.
func organizerShare(g *models.GroupBooking) (int64, error) {
	if g.PaymentMethod == models.MethodPayOwn {
		return g.PerPersonAmount, nil
	}
	owed := g.CommittedAmount
	for _, p := range g.Participants {
		if p.IsOrganizer || p.Status == models.ParticipantDeclined {
			continue
		}
		owed -= p.AmountCents
	}
	if owed < 0 {
		return 0, &DataIntegrityError{
			BookingID: g.BookingID,
			Err:       fmt.Errorf("group %d guests owe more than committed %d", g.ID, g.CommittedAmount),
		}
	}
	return owed, nil
}

// activeParticipants returns everyone holding a place, organizer first.
func activeParticipants(g *models.GroupBooking) []*models.Participant {
	active := make([]*models.Participant, 0, len(g.Participants))
	for _, p := range g.Participants {
		if p.Status != models.ParticipantDeclined {
			active = append(active, p)
		}
	}
	return active
}

func hasRefunds(g *models.GroupBooking) bool {
	for _, p := range g.Participants {
		if p.Status == models.ParticipantRefunded {
			return true
		}
	}
	return false
}
