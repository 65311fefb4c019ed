package service

import (
	"context"
	"errors"
	"testing"

	"bookpay/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func organizerOf(t *testing.T, g *models.GroupBooking) *models.Participant {
	t.Helper()
	org := g.Organizer()
	require.NotNil(t, org)
	return org
}

func participant(g *models.GroupBooking, id int64) *models.Participant {
	for _, p := range g.Participants {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func TestSplitEqualGroupLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.acceptedBooking(t, 1, 10000, false)

	g, err := env.groups.CreateGroupBooking(ctx, CreateGroupInput{
		BookingID:       b.ID,
		PaymentMethod:   models.MethodSplitEqual,
		MaxParticipants: 3,
		OrganizerName:   "Olga",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(10000), g.CommittedAmount)
	assert.Equal(t, int64(10000), organizerOf(t, g).AmountCents)

	alice, err := env.groups.InviteParticipant(ctx, g.ID, "Alice", "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, models.ParticipantInvited, alice.Status)
	assert.Zero(t, alice.AmountCents)
	bob, err := env.groups.InviteParticipant(ctx, g.ID, "Bob", "bob@example.com")
	require.NoError(t, err)

	_, err = env.groups.InviteParticipant(ctx, g.ID, "Carol", "")
	assert.ErrorIs(t, err, ErrGroupFull)

	g, err = env.groups.AcceptInvitation(ctx, g.ID, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3334), participant(g, alice.ID).AmountCents)
	assert.Equal(t, int64(6666), organizerOf(t, g).AmountCents)

	g, err = env.groups.AcceptInvitation(ctx, g.ID, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3334), participant(g, bob.ID).AmountCents)
	assert.Equal(t, int64(3332), organizerOf(t, g).AmountCents)
	assert.Equal(t, g.CommittedAmount, g.Committed())

	_, err = env.groups.AcceptInvitation(ctx, g.ID, bob.ID)
	assert.ErrorIs(t, err, ErrParticipantState)

	g, err = env.groups.DeclineInvitation(ctx, g.ID, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ParticipantDeclined, participant(g, bob.ID).Status)
	assert.Equal(t, int64(6666), organizerOf(t, g).AmountCents)
	assert.Equal(t, int64(10000), g.Committed())

	stored, err := env.groups.GetGroup(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(6666), organizerOf(t, stored).AmountCents)
}

func TestPayOwnGroupGrowsCommitment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.acceptedBooking(t, 1, 10000, true)

	g, err := env.groups.CreateGroupBooking(ctx, CreateGroupInput{
		BookingID:       b.ID,
		PaymentMethod:   models.MethodPayOwn,
		MaxParticipants: 4,
		OrganizerName:   "Olga",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(11000), g.PerPersonAmount)
	assert.Equal(t, int64(11000), g.CommittedAmount)

	guest, err := env.groups.InviteParticipant(ctx, g.ID, "Alice", "")
	require.NoError(t, err)
	g, err = env.groups.AcceptInvitation(ctx, g.ID, guest.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(22000), g.CommittedAmount)
	assert.Equal(t, int64(11000), participant(g, guest.ID).AmountCents)
	assert.Equal(t, int64(11000), organizerOf(t, g).AmountCents)

	g, err = env.groups.DeclineInvitation(ctx, g.ID, guest.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(11000), g.CommittedAmount)
}

func TestDepositSplitGroup(t *testing.T) {
	env := newTestEnv(t)
	b := env.acceptedBooking(t, 1, 10000, false)

	g, err := env.groups.CreateGroupBooking(context.Background(), CreateGroupInput{
		BookingID:       b.ID,
		PaymentMethod:   models.MethodDepositSplit,
		MaxParticipants: 2,
		DepositRatio:    0.2,
		OrganizerName:   "Olga",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2000), g.DepositAmount)
	assert.Equal(t, int64(2000), g.CommittedAmount)
}

func TestCustomSplitGroup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.acceptedBooking(t, 1, 10000, false)

	_, err := env.groups.CreateGroupBooking(ctx, CreateGroupInput{
		BookingID:       b.ID,
		PaymentMethod:   models.MethodCustomSplit,
		MaxParticipants: 2,
		CustomAmounts:   []int64{5000, 4000},
		OrganizerName:   "Olga",
	})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))

	g, err := env.groups.CreateGroupBooking(ctx, CreateGroupInput{
		BookingID:       b.ID,
		PaymentMethod:   models.MethodCustomSplit,
		MaxParticipants: 2,
		CustomAmounts:   []int64{7000, 3000},
		OrganizerName:   "Olga",
	})
	require.NoError(t, err)

	_, err = env.groups.CreateGroupBooking(ctx, CreateGroupInput{
		BookingID:       b.ID,
		PaymentMethod:   models.MethodOrganizerPays,
		MaxParticipants: 2,
		OrganizerName:   "Olga",
	})
	assert.ErrorIs(t, err, ErrGroupExists)

	guest, err := env.groups.InviteParticipant(ctx, g.ID, "Alice", "")
	require.NoError(t, err)
	g, err = env.groups.AcceptInvitation(ctx, g.ID, guest.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), participant(g, guest.ID).AmountCents)
	assert.Equal(t, int64(7000), organizerOf(t, g).AmountCents)
}

func TestCorporateGroupRequiresAccount(t *testing.T) {
	env := newTestEnv(t)
	b := env.acceptedBooking(t, 1, 10000, false)

	_, err := env.groups.CreateGroupBooking(context.Background(), CreateGroupInput{
		BookingID:       b.ID,
		PaymentMethod:   models.MethodCorporate,
		MaxParticipants: 5,
		OrganizerName:   "Olga",
	})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "corporate_account", verr.Field)
}

func TestParticipantPaymentAndRefund(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.acceptedBooking(t, 1, 10000, false)

	g, err := env.groups.CreateGroupBooking(ctx, CreateGroupInput{
		BookingID:       b.ID,
		PaymentMethod:   models.MethodSplitEqual,
		MaxParticipants: 2,
		OrganizerName:   "Olga",
	})
	require.NoError(t, err)
	guest, err := env.groups.InviteParticipant(ctx, g.ID, "Alice", "")
	require.NoError(t, err)

	_, err = env.groups.MarkParticipantPaid(ctx, g.ID, guest.ID, "chrg_alice")
	assert.ErrorIs(t, err, ErrParticipantState)

	_, err = env.groups.AcceptInvitation(ctx, g.ID, guest.ID)
	require.NoError(t, err)
	g, err = env.groups.MarkParticipantPaid(ctx, g.ID, guest.ID, "chrg_alice")
	require.NoError(t, err)
	assert.Equal(t, models.ParticipantPaid, participant(g, guest.ID).Status)

	_, err = env.groups.DeclineInvitation(ctx, g.ID, guest.ID)
	assert.ErrorIs(t, err, ErrParticipantState)

	g, err = env.groups.RefundParticipant(ctx, g.ID, guest.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ParticipantRefunded, participant(g, guest.ID).Status)

	refunds := env.tasksOfType(t, models.TaskCreateRefund)
	require.Len(t, refunds, 1)
	assert.Contains(t, refunds[0].Payload, "chrg_alice")

	_, err = env.groups.RefundParticipant(ctx, g.ID, guest.ID)
	assert.ErrorIs(t, err, ErrParticipantState)

	_, err = env.groups.AcceptInvitation(ctx, g.ID, 4242)
	assert.ErrorIs(t, err, ErrNotFound)
}
