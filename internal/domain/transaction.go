/**
 * @description
 * This file defines the transaction record and the request DTOs for the money
 * movement endpoints. A transaction is an immutable append-only fact: it is
 * created in `pending` status before any balance changes, and transitions to
 * exactly one terminal status (`success` or `failed`). The failed record is
 * the audit trail of a rejected operation, never a business side effect.
 *
 * @notes
 * - Amounts are decimal.Decimal fixed-point values, not floats.
 * - `Reference` is the caller-supplied idempotency identity: re-submitting an
 *   identical logical transfer returns the original record instead of
 *   double-debiting the sender.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Transaction statuses. pending is the only non-terminal status and a record
// transitions out of it exactly once.
const (
	TxStatusPending = "pending"
	TxStatusSuccess = "success"
	TxStatusFailed  = "failed"
)

// Transaction kinds recorded on the ledger.
const (
	TxKindDeposit          = "deposit"
	TxKindWithdrawal       = "withdrawal"
	TxKindTransfer         = "transfer"
	TxKindExchange         = "exchange"
	TxKindSavingsDeposit   = "savings_deposit"
	TxKindSavingsWithdraw  = "savings_withdrawal"
	TxKindYieldClaim       = "yield_claim"
	TxKindLoanDisbursement = "loan_disbursement"
	TxKindLoanRepayment    = "loan_repayment"
)

// Transaction is the central ledger record for any money movement.
type Transaction struct {
	ID            uuid.UUID       `json:"id"`
	Reference     string          `json:"reference"`
	Kind          string          `json:"kind"`
	Source        string          `json:"source"`
	Destination   string          `json:"destination"`
	FromCurrency  Currency        `json:"from_currency"`
	ToCurrency    Currency        `json:"to_currency"`
	Amount        decimal.Decimal `json:"amount"`
	Fee           decimal.Decimal `json:"fee"`
	CrossRate     decimal.Decimal `json:"cross_rate"`
	Status        string          `json:"status"`
	FailureReason *string         `json:"failure_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Terminal reports whether the record has reached its final status.
func (t *Transaction) Terminal() bool {
	return t.Status == TxStatusSuccess || t.Status == TxStatusFailed
}

// DepositRequest is the DTO for funding an account. The gateway settles fiat
// out of band; the ledger treats every funding source identically.
type DepositRequest struct {
	Currency  string `json:"currency"`
	Amount    string `json:"amount"`
	Reference string `json:"reference"`
}

// WithdrawRequest is the DTO for withdrawing a balance off the ledger.
type WithdrawRequest struct {
	Currency  string `json:"currency"`
	Amount    string `json:"amount"`
	Reference string `json:"reference"`
}

// TransferRequest is the DTO for the core money-movement endpoint. Setting the
// recipient to the sender's own address with a different destination currency
// performs a currency exchange.
type TransferRequest struct {
	Recipient    string `json:"recipient"`
	Amount       string `json:"amount"`
	FromCurrency string `json:"from_currency"`
	ToCurrency   string `json:"to_currency"`
	Reference    string `json:"reference"`
}
