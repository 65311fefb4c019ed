// Package group decomposes a group charge into per-participant obligations.
package group

import (
	"errors"
	"fmt"

	"bookpay/internal/fees"
	"bookpay/internal/models"
)

var (
	ErrUnknownMethod       = errors.New("unknown payment method")
	ErrInvalidParticipants = errors.New("max participants must be positive")
	ErrCustomSplitMismatch = errors.New("custom split does not add up to total")
	ErrInvalidDeposit      = errors.New("deposit percentage must be in (0,1]")
	ErrInvalidPerPerson    = errors.New("per-person amount must be positive")
)

// SplitInput describes one group charge. Index 0 of every result is the
// organizer.
type SplitInput struct {
	Method             models.PaymentMethod
	CustomerTotalCents int64
	MaxParticipants    int
	PerPersonCents     int64
	DepositPPM         int64
	CustomAmounts      []int64
}

// Share is one participant's obligation.
type Share struct {
	Index       int   `json:"index"`
	AmountCents int64 `json:"amount_cents"`
	Invoiced    bool  `json:"invoiced,omitempty"`
}

// Split computes every participant's share for the chosen method.
func Split(in SplitInput) ([]Share, error) {
	if in.MaxParticipants <= 0 {
		return nil, ErrInvalidParticipants
	}

	switch in.Method {
	case models.MethodOrganizerPays:
		return organizerOnly(in.CustomerTotalCents, in.MaxParticipants, false), nil
	case models.MethodCorporate:
		return organizerOnly(in.CustomerTotalCents, in.MaxParticipants, true), nil
	case models.MethodSplitEqual:
		return splitEqual(in.CustomerTotalCents, in.MaxParticipants), nil
	case models.MethodCustomSplit:
		return customSplit(in)
	case models.MethodPayOwn:
		if in.PerPersonCents <= 0 {
			return nil, ErrInvalidPerPerson
		}
		shares := make([]Share, in.MaxParticipants)
		for i := range shares {
			shares[i] = Share{Index: i, AmountCents: in.PerPersonCents}
		}
		return shares, nil
	case models.MethodDepositSplit:
		if in.DepositPPM <= 0 || in.DepositPPM > models.PPMScale {
			return nil, ErrInvalidDeposit
		}
		return splitEqual(DepositAmount(in.CustomerTotalCents, in.DepositPPM), in.MaxParticipants), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, in.Method)
	}
}

// DepositAmount is the deposit owed for a deposit-split group.
func DepositAmount(total, depositPPM int64) int64 {
	return fees.RoundPPM(total, depositPPM)
}

// ShareFor returns the obligation of a participant joining at index, using
// the same rounding as Split.
func ShareFor(in SplitInput, index int) (int64, error) {
	shares, err := Split(in)
	if err != nil {
		return 0, err
	}
	if index < 0 || index >= len(shares) {
		return 0, fmt.Errorf("participant index %d out of range", index)
	}
	return shares[index].AmountCents, nil
}

// Sum adds up a split.
func Sum(shares []Share) int64 {
	var total int64
	for _, s := range shares {
		total += s.AmountCents
	}
	return total
}

func organizerOnly(total int64, n int, invoiced bool) []Share {
	shares := make([]Share, n)
	for i := range shares {
		shares[i] = Share{Index: i}
	}
	shares[0].AmountCents = total
	shares[0].Invoiced = invoiced
	return shares
}

// splitEqual gives every guest the ceiling share; the organizer takes what
// is left, so the sum is exactly total and no guest pays for rounding.
func splitEqual(total int64, n int) []Share {
	ceil := (total + int64(n) - 1) / int64(n)
	shares := make([]Share, n)
	remaining := total
	for i := 1; i < n; i++ {
		amount := ceil
		if amount > remaining {
			amount = remaining
		}
		shares[i] = Share{Index: i, AmountCents: amount}
		remaining -= amount
	}
	shares[0] = Share{Index: 0, AmountCents: remaining}
	return shares
}

func customSplit(in SplitInput) ([]Share, error) {
	if len(in.CustomAmounts) == 0 || len(in.CustomAmounts) > in.MaxParticipants {
		return nil, fmt.Errorf("%w: %d amounts for %d participants",
			ErrCustomSplitMismatch, len(in.CustomAmounts), in.MaxParticipants)
	}

	shares := make([]Share, in.MaxParticipants)
	var sum int64
	for i := range shares {
		shares[i] = Share{Index: i}
		if i < len(in.CustomAmounts) {
			if in.CustomAmounts[i] < 0 {
				return nil, fmt.Errorf("%w: negative amount at %d", ErrCustomSplitMismatch, i)
			}
			shares[i].AmountCents = in.CustomAmounts[i]
			sum += in.CustomAmounts[i]
		}
	}
	if sum != in.CustomerTotalCents {
		return nil, fmt.Errorf("%w: got %d want %d", ErrCustomSplitMismatch, sum, in.CustomerTotalCents)
	}
	return shares, nil
}
