// Package fees computes the fee split of a booking charge.
//
// Every function here is pure: rates arrive in a Config value and results
// depend only on the arguments, so callers may share a Config across
// goroutines without synchronization.
package fees

import (
	"errors"
	"fmt"
	"math"
	"math/bits"

	"bookpay/internal/models"
)

const (
	DefaultMinimumAmountCents int64   = 50
	DefaultCommissionRate     float64 = 0.10
	DefaultGuestSurchargeRate float64 = 0.10

	// PricingToleranceCents is the rounding slack accepted when comparing
	// an expected charge with what the processor reports.
	PricingToleranceCents int64 = 1

	// MaxAmountCents bounds a single base amount.
	MaxAmountCents int64 = 1_000_000_000_000
)

var (
	ErrBelowMinimum   = errors.New("amount below minimum")
	ErrAmountTooLarge = errors.New("amount above maximum")
)

// BelowMinimumError carries the rejected amount and the configured floor.
type BelowMinimumError struct {
	AmountCents  int64
	MinimumCents int64
}

func (e *BelowMinimumError) Error() string {
	return fmt.Sprintf("amount %d below minimum %d", e.AmountCents, e.MinimumCents)
}

func (e *BelowMinimumError) Is(target error) bool { return target == ErrBelowMinimum }

// Config holds the platform-wide rates.
type Config struct {
	MinimumAmountCents int64   `yaml:"minimum_amount_cents"`
	CommissionRate     float64 `yaml:"commission_rate"`
	GuestSurchargeRate float64 `yaml:"guest_surcharge_rate"`
}

func DefaultConfig() Config {
	return Config{
		MinimumAmountCents: DefaultMinimumAmountCents,
		CommissionRate:     DefaultCommissionRate,
		GuestSurchargeRate: DefaultGuestSurchargeRate,
	}
}

// Breakdown is the fee split of one charge.
type Breakdown struct {
	BaseAmountCents           int64 `json:"base_amount_cents"`
	GuestSurchargeCents       int64 `json:"guest_surcharge_cents"`
	PlatformFeeCents          int64 `json:"platform_fee_cents"`
	PlatformTotalRevenueCents int64 `json:"platform_total_revenue_cents"`
	ProviderPayoutCents       int64 `json:"provider_payout_cents"`
	CustomerTotalCents        int64 `json:"customer_total_cents"`
	CommissionPPM             int64 `json:"commission_ppm"`
	SurchargePPM              int64 `json:"surcharge_ppm"`
}

// PricingCheck compares an observed charge with the expected one.
type PricingCheck struct {
	Valid         bool  `json:"valid"`
	ExpectedCents int64 `json:"expected_cents"`
	Difference    int64 `json:"difference"`
}

// Calculate returns the fee split of baseAmountCents. A nil commissionRate
// selects cfg.CommissionRate; any rate outside [0,1] is clamped.
func Calculate(cfg Config, baseAmountCents int64, isGuest bool, commissionRate *float64) (Breakdown, error) {
	if baseAmountCents < cfg.MinimumAmountCents || baseAmountCents <= 0 {
		return Breakdown{}, &BelowMinimumError{AmountCents: baseAmountCents, MinimumCents: cfg.MinimumAmountCents}
	}
	if baseAmountCents > MaxAmountCents {
		return Breakdown{}, fmt.Errorf("%w: %d > %d", ErrAmountTooLarge, baseAmountCents, MaxAmountCents)
	}

	rate := cfg.CommissionRate
	if commissionRate != nil {
		rate = *commissionRate
	}
	return Reprice(baseAmountCents, isGuest, ToPPM(rate), ToPPM(cfg.GuestSurchargeRate)), nil
}

// ValidateGuestPricing recomputes the customer total under cfg and checks
// that actualPaidCents is within PricingToleranceCents of it.
func ValidateGuestPricing(cfg Config, baseAmountCents, actualPaidCents int64, isGuest bool) PricingCheck {
	expected := Reprice(baseAmountCents, isGuest, ToPPM(cfg.CommissionRate), ToPPM(cfg.GuestSurchargeRate))
	return ValidatePaid(expected.CustomerTotalCents, actualPaidCents)
}

// ValidatePaid checks actualPaidCents against a total fixed at pricing
// time, such as a booking's stored customer total.
func ValidatePaid(expected, actualPaidCents int64) PricingCheck {
	diff := actualPaidCents - expected
	abs := diff
	if abs < 0 {
		abs = -abs
	}
	return PricingCheck{
		Valid:         abs <= PricingToleranceCents,
		ExpectedCents: expected,
		Difference:    diff,
	}
}

// Reprice computes the split of base from rates already in ppm, as stored
// on a booking.
func Reprice(base int64, isGuest bool, commissionPPM, surchargePPM int64) Breakdown {
	var surcharge int64
	if !isGuest {
		surchargePPM = 0
	}
	if surchargePPM > 0 {
		surcharge = RoundPPM(base, surchargePPM)
	}
	fee := RoundPPM(base, commissionPPM)

	return Breakdown{
		BaseAmountCents:           base,
		GuestSurchargeCents:       surcharge,
		PlatformFeeCents:          fee,
		PlatformTotalRevenueCents: fee + surcharge,
		ProviderPayoutCents:       base - fee,
		CustomerTotalCents:        base + surcharge,
		CommissionPPM:             commissionPPM,
		SurchargePPM:              surchargePPM,
	}
}

// ToPPM converts a fraction to parts-per-million, clamped to [0,1].
// NaN maps to zero.
func ToPPM(rate float64) int64 {
	if math.IsNaN(rate) || rate <= 0 {
		return 0
	}
	if rate >= 1 {
		return models.PPMScale
	}
	return int64(math.Round(rate * float64(models.PPMScale)))
}

// RoundPPM returns amount*ppm/1e6 rounded half-up at the cent. The product
// is taken in 128 bits; ppm is clamped to [0, PPMScale].
func RoundPPM(amount, ppm int64) int64 {
	if amount < 0 {
		return -RoundPPM(-amount, ppm)
	}
	switch {
	case ppm <= 0:
		return 0
	case ppm > models.PPMScale:
		ppm = models.PPMScale
	}
	hi, lo := bits.Mul64(uint64(amount), uint64(ppm))
	lo, carry := bits.Add64(lo, uint64(models.PPMScale/2), 0)
	quo, _ := bits.Div64(hi+carry, lo, uint64(models.PPMScale))
	return int64(quo)
}
