package cdp

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

// Collateral ratios travel as basis points and bcoin prices as 10^8-scaled
// integers, so a liquidation ratio of 150% is 15000 and a price of 1.00
// scoin per bcoin is 100000000.
const (
	// RatioScale is the number of basis points in a collateral ratio of 1.0.
	RatioScale uint64 = 10000

	// PriceScale is the number of price units in 1.0 scoin per bcoin.
	PriceScale uint64 = 100000000

	// RatioInfinite is the global-ratio sentinel when nothing is owed.
	RatioInfinite uint64 = math.MaxUint64
)

// ErrZeroPrice is returned when a ratio computation receives a zero
// median price.
var ErrZeroPrice = errors.New("cdp: median price must be positive")

// LiquidationThreshold converts an external collateral ratio (basis
// points) and the current bcoin median price into the ratio-base unit the
// ranked index is keyed by:
//
//	threshold = (ratioBps / RatioScale) / (price / PriceScale)
//
// A position is a liquidation candidate when its ratio base is strictly
// below the threshold.
func LiquidationThreshold(ratioBps, price uint64) (float64, error) {
	if price == 0 {
		return 0, ErrZeroPrice
	}
	return (float64(ratioBps) / float64(RatioScale)) /
		(float64(price) / float64(PriceScale)), nil
}

// GlobalCollateralRatio computes the network-wide ratio in basis points:
//
//	ratioBps = (totalStaked × price ÷ PriceScale) × RatioScale ÷ totalOwed
//
// The arithmetic runs in decimal over the integer inputs with the final
// division truncated, so repeated evaluation can never drift — this value
// feeds consensus decisions, unlike the float64 per-position ratio base.
// Zero owed returns RatioInfinite.
func GlobalCollateralRatio(totalStaked, totalOwed, price uint64) uint64 {
	if totalOwed == 0 {
		return RatioInfinite
	}

	num := decimal.NewFromUint64(totalStaked).
		Mul(decimal.NewFromUint64(price)).
		Mul(decimal.NewFromUint64(RatioScale))
	den := decimal.NewFromUint64(totalOwed).
		Mul(decimal.NewFromUint64(PriceScale))

	q, _ := num.QuoRem(den, 0)
	if q.GreaterThanOrEqual(decimal.NewFromUint64(RatioInfinite)) {
		return RatioInfinite
	}
	return q.BigInt().Uint64()
}

// ratioFloorReached reports whether the global ratio is at or below
// floorBps. The comparison is done multiplication-only:
//
//	staked × price × RatioScale  ≤  floorBps × owed × PriceScale
//
// which is exact, avoiding the truncation in GlobalCollateralRatio.
// Nothing owed means an infinite ratio, never at the floor.
func ratioFloorReached(totalStaked, totalOwed, price, floorBps uint64) bool {
	if totalOwed == 0 {
		return false
	}
	lhs := decimal.NewFromUint64(totalStaked).
		Mul(decimal.NewFromUint64(price)).
		Mul(decimal.NewFromUint64(RatioScale))
	rhs := decimal.NewFromUint64(floorBps).
		Mul(decimal.NewFromUint64(totalOwed)).
		Mul(decimal.NewFromUint64(PriceScale))
	return lhs.LessThanOrEqual(rhs)
}

// ceilingCrossed reports whether staking addedBcoins on top of
// totalStaked would push total collateral above ceiling. Overflow-safe.
func ceilingCrossed(totalStaked, addedBcoins, ceiling uint64) bool {
	if totalStaked > ceiling {
		return true
	}
	return addedBcoins > ceiling-totalStaked
}
