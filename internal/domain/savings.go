/**
 * @description
 * Savings position model and the accrual function. Interest accrues linearly
 * (simple interest over the elapsed fraction of a year) and is computed lazily
 * from the accrual baseline on every read or write, so there is no background
 * timer and the value is always consistent with the requested instant.
 */

package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// secondsPerYear is the accrual year: 365 days.
const secondsPerYear = 365 * 24 * 60 * 60

var yearSeconds = decimal.NewFromInt(secondsPerYear)

// SavingsPosition is the segregated interest-bearing position one account
// holds per currency. AccruedUnclaimed carries interest finalized by earlier
// deposits/withdrawals; interest earned since AccrualStart is derived on read.
type SavingsPosition struct {
	Address          string          `json:"address"`
	Currency         Currency        `json:"currency"`
	Principal        decimal.Decimal `json:"principal"`
	APYBasisPoints   int64           `json:"apy_basis_points"`
	AccrualStart     time.Time       `json:"accrual_start"`
	AccruedUnclaimed decimal.Decimal `json:"accrued_unclaimed"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// AccrueInterest computes the simple interest earned on principal between
// start and asOf at the given APY. It is a pure function: equal inputs always
// yield equal interest, and it never mutates the position. The result is
// unrounded; the ledger rounding rule is applied once when interest is
// finalized onto a balance.
func AccrueInterest(principal decimal.Decimal, apyBasisPoints int64, start, asOf time.Time) decimal.Decimal {
	if !asOf.After(start) || principal.Sign() <= 0 || apyBasisPoints <= 0 {
		return decimal.Zero
	}
	elapsed := decimal.NewFromInt(asOf.Unix() - start.Unix())
	return principal.Mul(FromBasisPoints(apyBasisPoints)).Mul(elapsed).Div(yearSeconds)
}

// InterestAt returns all interest attributable to the position at asOf: the
// carried accrued-unclaimed portion plus interest derived since the baseline.
func (p *SavingsPosition) InterestAt(asOf time.Time) decimal.Decimal {
	return p.AccruedUnclaimed.Add(AccrueInterest(p.Principal, p.APYBasisPoints, p.AccrualStart, asOf))
}

// ValueAt returns principal plus all interest at asOf.
func (p *SavingsPosition) ValueAt(asOf time.Time) decimal.Decimal {
	return p.Principal.Add(p.InterestAt(asOf))
}

// Exhausted reports whether principal and interest are both zero, meaning the
// position row can be destroyed.
func (p *SavingsPosition) Exhausted() bool {
	return p.Principal.Sign() == 0 && p.AccruedUnclaimed.Sign() == 0
}

// SavingsRequest is the DTO for savings deposits and withdrawals.
type SavingsRequest struct {
	Currency string `json:"currency"`
	Amount   string `json:"amount"`
}
