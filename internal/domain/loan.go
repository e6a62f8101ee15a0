/**
 * @description
 * Microloan model, lifecycle states, and the credit-score pricing curve. A
 * loan's APR is derived from the borrower's credit score at application time
 * and frozen for the life of the loan. States form a strict machine:
 *
 *   none -> pending -> {active, rejected};  active -> {repaid, defaulted}
 *
 * Terminal states are absorbing: only an account with no non-terminal loan may
 * apply again. Deadline expiry is observed lazily on each interaction.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Loan lifecycle states.
const (
	LoanStatePending   = "pending"
	LoanStateActive    = "active"
	LoanStateRejected  = "rejected"
	LoanStateRepaid    = "repaid"
	LoanStateDefaulted = "defaulted"
)

// APR bounds for the pricing curve, in basis points.
const (
	LoanAPRMinBps = 500  // 5%
	LoanAPRMaxBps = 1500 // 15%
)

// Loan principal bounds in numeraire (USD) terms.
var (
	LoanMinUSD = decimal.NewFromInt(50)
	LoanMaxUSD = decimal.NewFromInt(5000)
)

var loanDaysPerYear = decimal.NewFromInt(365)

// Loan is a collateral-free microloan. RepaymentRefs records the ledger
// transaction each repayment settled through, so no repayment claim is ever
// accepted without a verifiable transfer behind it.
type Loan struct {
	ID               uuid.UUID       `json:"id"`
	Address          string          `json:"address"`
	Principal        decimal.Decimal `json:"principal"`
	Currency         Currency        `json:"currency"`
	APRBasisPoints   int64           `json:"apr_basis_points"`
	TermDays         int             `json:"term_days"`
	Purpose          string          `json:"purpose"`
	State            string          `json:"state"`
	DisbursedAt      *time.Time      `json:"disbursed_at,omitempty"`
	Deadline         *time.Time      `json:"deadline,omitempty"`
	RemainingBalance decimal.Decimal `json:"remaining_balance"`
	RejectionReason  *string         `json:"rejection_reason,omitempty"`
	RepaymentRefs    []uuid.UUID     `json:"repayment_refs,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Terminal reports whether the loan reached an absorbing state.
func (l *Loan) Terminal() bool {
	switch l.State {
	case LoanStateRejected, LoanStateRepaid, LoanStateDefaulted:
		return true
	}
	return false
}

// PastDeadline reports whether the loan should be observed as defaulted at now.
func (l *Loan) PastDeadline(now time.Time) bool {
	return l.State == LoanStateActive && l.Deadline != nil && now.After(*l.Deadline) && l.RemainingBalance.Sign() > 0
}

// APRForScore maps a credit score onto an APR in basis points. The curve is
// monotonically decreasing: a better score always prices at or below a worse
// one, clamped to [LoanAPRMinBps, LoanAPRMaxBps].
func APRForScore(score int) int64 {
	if score < CreditScoreMin {
		score = CreditScoreMin
	}
	if score > CreditScoreMax {
		score = CreditScoreMax
	}
	span := int64(CreditScoreMax - CreditScoreMin)
	apr := LoanAPRMaxBps - int64(score-CreditScoreMin)*(LoanAPRMaxBps-LoanAPRMinBps)/span
	if apr < LoanAPRMinBps {
		apr = LoanAPRMinBps
	}
	return apr
}

// TotalOwed computes principal plus simple interest over the term, rounded
// once with the ledger rule. This becomes the remaining balance at approval.
func TotalOwed(principal decimal.Decimal, aprBasisPoints int64, termDays int) decimal.Decimal {
	interest := principal.
		Mul(FromBasisPoints(aprBasisPoints)).
		Mul(decimal.NewFromInt(int64(termDays))).
		Div(loanDaysPerYear)
	return RoundBalance(principal.Add(interest))
}

// LoanApplication is the DTO for a new loan application.
type LoanApplication struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
	TermDays int    `json:"term_days"`
	Purpose  string `json:"purpose"`
}

// LoanDecision is the DTO for the operator approve/reject endpoint.
type LoanDecision struct {
	Reason string `json:"reason,omitempty"`
}

// LoanRepaymentRequest is the DTO for a loan repayment.
type LoanRepaymentRequest struct {
	Amount string `json:"amount"`
}
