package models

import "time"

type PaymentMethod string

const (
	MethodOrganizerPays PaymentMethod = "organizer-pays"
	MethodSplitEqual    PaymentMethod = "split-equal"
	MethodCustomSplit   PaymentMethod = "custom-split"
	MethodPayOwn        PaymentMethod = "pay-own"
	MethodDepositSplit  PaymentMethod = "deposit-split"
	MethodCorporate     PaymentMethod = "corporate"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodOrganizerPays, MethodSplitEqual, MethodCustomSplit,
		MethodPayOwn, MethodDepositSplit, MethodCorporate:
		return true
	default:
		return false
	}
}

type ParticipantStatus string

const (
	ParticipantInvited  ParticipantStatus = "invited"
	ParticipantAccepted ParticipantStatus = "accepted"
	ParticipantDeclined ParticipantStatus = "declined"
	ParticipantPaid     ParticipantStatus = "paid"
	ParticipantRefunded ParticipantStatus = "refunded"
)

// GroupBooking splits one booking's charge across participants.
type GroupBooking struct {
	ID               int64          `db:"id" json:"id"`
	BookingID        int64          `db:"booking_id" json:"booking_id"`
	PaymentMethod    PaymentMethod  `db:"payment_method" json:"payment_method"`
	MaxParticipants  int            `db:"max_participants" json:"max_participants"`
	PerPersonAmount  int64          `db:"per_person_amount" json:"per_person_amount"`
	DepositAmount    int64          `db:"deposit_amount" json:"deposit_amount"`
	DepositPPM       int64          `db:"deposit_ppm" json:"deposit_ppm"`
	CommittedAmount  int64          `db:"committed_amount" json:"committed_amount"`
	CorporateAccount string         `db:"corporate_account" json:"corporate_account,omitempty"`
	CustomSplit      string         `db:"custom_split" json:"-"`
	CustomAmounts    []int64        `db:"-" json:"custom_amounts,omitempty"`
	CreatedAt        time.Time      `db:"created_at" json:"created_at"`
	Participants     []*Participant `db:"-" json:"participants"`
}

type Participant struct {
	ID               int64             `db:"id" json:"id"`
	GroupID          int64             `db:"group_id" json:"group_id"`
	Name             string            `db:"name" json:"name"`
	Email            string            `db:"email" json:"email"`
	IsOrganizer      bool              `db:"is_organizer" json:"is_organizer"`
	AmountCents      int64             `db:"amount_cents" json:"amount_cents"`
	Status           ParticipantStatus `db:"status" json:"status"`
	PaymentReference string            `db:"payment_reference" json:"payment_reference,omitempty"`
	CreatedAt        time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time         `db:"updated_at" json:"updated_at"`
}

// Committed sums the obligations of every participant who has not declined.
func (g *GroupBooking) Committed() int64 {
	var sum int64
	for _, p := range g.Participants {
		if p.Status == ParticipantDeclined {
			continue
		}
		sum += p.AmountCents
	}
	return sum
}

// Organizer returns the organizing participant, or nil.
func (g *GroupBooking) Organizer() *Participant {
	for _, p := range g.Participants {
		if p.IsOrganizer {
			return p
		}
	}
	return nil
}
