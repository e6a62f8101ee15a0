/**
 * @description
 * Fixed-point money helpers shared by every engine. Amounts are
 * decimal.Decimal values; monetary results that land on a balance are rounded
 * exactly once with the round-half-down rule defined here, so conversion math
 * cannot leak or mint value through repeated rounding.
 *
 * @dependencies
 * - github.com/shopspring/decimal: arbitrary-precision fixed-point decimals.
 */

package domain

import "github.com/shopspring/decimal"

// BalancePlaces is the scale balances are kept at. Intermediate math runs at
// full decimal precision; only final balance deltas are rounded.
const BalancePlaces int32 = 2

var half = decimal.New(5, -1)

// RoundHalfDown rounds d to the given number of fractional places, rounding a
// fractional part of exactly one half downward. This is the single rounding
// rule for the whole ledger; callers must not round the result again.
func RoundHalfDown(d decimal.Decimal, places int32) decimal.Decimal {
	shifted := d.Shift(places)
	floor := shifted.Floor()
	frac := shifted.Sub(floor)
	if frac.GreaterThan(half) {
		floor = floor.Add(decimal.New(1, 0))
	}
	return floor.Shift(-places)
}

// RoundBalance applies the ledger rounding rule at balance scale.
func RoundBalance(d decimal.Decimal) decimal.Decimal {
	return RoundHalfDown(d, BalancePlaces)
}

// FloorBalance truncates to balance scale. Payouts of accrued values use this
// instead of RoundBalance: only cents that fully accrued may leave, so the
// remainder carried back is never negative.
func FloorBalance(d decimal.Decimal) decimal.Decimal {
	return d.Shift(BalancePlaces).Floor().Shift(-BalancePlaces)
}

// FromBasisPoints converts a basis-point figure (e.g. 50 for 0.5%) into its
// decimal fraction.
func FromBasisPoints(bps int64) decimal.Decimal {
	return decimal.New(bps, -4)
}
