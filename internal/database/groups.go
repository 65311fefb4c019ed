package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"bookpay/internal/models"
)

func (q *Queries) CreateGroupBooking(ctx context.Context, g *models.GroupBooking) error {
	g.CreatedAt = now()
	g.CustomSplit = ""
	if len(g.CustomAmounts) > 0 {
		raw, err := json.Marshal(g.CustomAmounts)
		if err != nil {
			return fmt.Errorf("failed to encode custom split: %w", err)
		}
		g.CustomSplit = string(raw)
	}
	id, err := q.insertID(ctx, `INSERT INTO group_bookings (
				booking_id, payment_method, max_participants, per_person_amount, deposit_amount,
				deposit_ppm, committed_amount, corporate_account, custom_split, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.BookingID, g.PaymentMethod, g.MaxParticipants, g.PerPersonAmount, g.DepositAmount,
		g.DepositPPM, g.CommittedAmount, g.CorporateAccount, g.CustomSplit, g.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create group booking: %w", err)
	}
	g.ID = id
	return nil
}

// GetGroupBooking loads a group with its participants, organizer first.
func (q *Queries) GetGroupBooking(ctx context.Context, id int64) (*models.GroupBooking, error) {
	return q.getGroup(ctx, q.forUpdate(`SELECT * FROM group_bookings WHERE id = ?`), id)
}

func (q *Queries) GetGroupByBookingID(ctx context.Context, bookingID int64) (*models.GroupBooking, error) {
	return q.getGroup(ctx, q.forUpdate(`SELECT * FROM group_bookings WHERE booking_id = ?`), bookingID)
}

func (q *Queries) getGroup(ctx context.Context, query string, arg int64) (*models.GroupBooking, error) {
	var g models.GroupBooking
	if err := q.get(ctx, &g, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("group %d: %w", arg, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get group booking: %w", err)
	}
	if g.CustomSplit != "" {
		if err := json.Unmarshal([]byte(g.CustomSplit), &g.CustomAmounts); err != nil {
			return nil, fmt.Errorf("group %d: corrupt custom split: %w", g.ID, err)
		}
	}

	participants, err := q.ListParticipants(ctx, g.ID)
	if err != nil {
		return nil, err
	}
	g.Participants = participants
	return &g, nil
}

func (q *Queries) UpdateGroupCommitted(ctx context.Context, id, committed int64) error {
	_, err := q.exec(ctx, `UPDATE group_bookings SET committed_amount = ? WHERE id = ?`, committed, id)
	if err != nil {
		return fmt.Errorf("failed to update committed amount: %w", err)
	}
	return nil
}

func (q *Queries) CreateParticipant(ctx context.Context, p *models.Participant) error {
	ts := now()
	id, err := q.insertID(ctx, `INSERT INTO group_participants (
				group_id, name, email, is_organizer, amount_cents, status, payment_reference, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.GroupID, p.Name, p.Email, p.IsOrganizer, p.AmountCents, p.Status, p.PaymentReference, ts, ts,
	)
	if err != nil {
		return fmt.Errorf("failed to create participant: %w", err)
	}
	p.ID = id
	p.CreatedAt = ts
	p.UpdatedAt = ts
	return nil
}

func (q *Queries) UpdateParticipant(ctx context.Context, p *models.Participant) error {
	p.UpdatedAt = now()
	rows, err := q.exec(ctx,
		`UPDATE group_participants SET amount_cents = ?, status = ?, payment_reference = ?, updated_at = ? WHERE id = ?`,
		p.AmountCents, p.Status, p.PaymentReference, p.UpdatedAt, p.ID)
	if err != nil {
		return fmt.Errorf("failed to update participant: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *Queries) ListParticipants(ctx context.Context, groupID int64) ([]*models.Participant, error) {
	var participants []*models.Participant
	err := q.selectAll(ctx, &participants,
		`SELECT * FROM group_participants WHERE group_id = ? ORDER BY is_organizer DESC, id ASC`, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	return participants, nil
}
