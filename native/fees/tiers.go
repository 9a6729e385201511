// Package fees computes the reputation-tier-weighted creator fee taken from a
// claim payout. The fee is a two-stage fixed-point product: a basis-point cut
// of the payout, scaled by the claimant's tier multiplier.
package fees

import (
	"errors"
	"math/bits"
)

const (
	// BpsDenominator is the fixed denominator for basis-point math (1 bp = 0.01%).
	BpsDenominator = 10_000
	// MultiplierDenominator is the fixed-point scale of tier multipliers
	// (10_000 = 1.0x).
	MultiplierDenominator = 10_000
	// MaxCreatorFeeBps caps the configurable fee at 10%.
	MaxCreatorFeeBps = 1_000
	// DefaultCreatorFeeBps is the protocol default of 0.1%.
	DefaultCreatorFeeBps = 10
	// TierCount is the number of reputation tiers, including tier 0 (unverified).
	TierCount = 7
)

// DefaultTierMultipliers maps reputation tier to fee scale. Tier 0 disables
// the fee path entirely; tiers 5 and above are capped at 1.0x.
var DefaultTierMultipliers = [TierCount]uint32{0, 2_000, 4_000, 6_000, 8_000, 10_000, 10_000}

var (
	// ErrFeeBpsTooHigh rejects configurations above MaxCreatorFeeBps.
	ErrFeeBpsTooHigh = errors.New("fees: basis points above maximum")
	// ErrMultiplierTooHigh rejects tier multipliers above 1.0x.
	ErrMultiplierTooHigh = errors.New("fees: tier multiplier above 1.0x")
	// ErrFeeOverflow rejects fee computations whose intermediate products
	// cannot be represented. Overflow is an error, never a silent clamp.
	ErrFeeOverflow = errors.New("fees: fee computation overflow")
)

// ValidateMultipliers checks a tier multiplier table before it is installed.
func ValidateMultipliers(multipliers [TierCount]uint32) error {
	for _, m := range multipliers {
		if m > MultiplierDenominator {
			return ErrMultiplierTooHigh
		}
	}
	return nil
}

// Compute derives the creator fee for a payout:
//
//	fee = amount * basisPoints / 10_000 * multiplier[tier] / 10_000
//
// Tier 0 (or an all-zero multiplier) yields a zero fee. Tiers beyond the table
// use the last entry. Intermediate products run through 128-bit arithmetic and
// overflow is rejected rather than clamped.
func Compute(amount uint64, basisPoints uint16, tier uint8, multipliers [TierCount]uint32) (uint64, error) {
	if basisPoints > MaxCreatorFeeBps {
		return 0, ErrFeeBpsTooHigh
	}
	if err := ValidateMultipliers(multipliers); err != nil {
		return 0, err
	}
	if amount == 0 || basisPoints == 0 {
		return 0, nil
	}
	idx := int(tier)
	if idx >= TierCount {
		idx = TierCount - 1
	}
	multiplier := multipliers[idx]
	if multiplier == 0 {
		return 0, nil
	}
	base, err := mulDiv(amount, uint64(basisPoints), BpsDenominator)
	if err != nil {
		return 0, err
	}
	return mulDiv(base, uint64(multiplier), MultiplierDenominator)
}

// mulDiv computes a*b/denom with a 128-bit intermediate product.
func mulDiv(a, b, denom uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if hi >= denom {
		// Quotient would not fit in 64 bits.
		return 0, ErrFeeOverflow
	}
	quotient, _ := bits.Div64(hi, lo, denom)
	return quotient, nil
}
