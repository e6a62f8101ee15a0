/**
 * @description
 * This file defines the `Repository` interface, the contract for all data
 * access the ledger-service needs. The repository is the single writer of
 * account balances: every multi-step mutation (the debit+credit pair of a
 * transfer, a savings move, a loan disbursement or repayment) is exposed as
 * one atomic repository operation, so no caller can observe a half-applied
 * money movement.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: Transaction and loan identifiers.
 * - github.com/shopspring/decimal: Fixed-point amounts.
 * - internal/domain: The service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/corridorpay/ledger-service/internal/domain"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrAccountExists       = errors.New("account already exists")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrDuplicateReference  = errors.New("duplicate transaction reference")
	ErrPositionNotFound    = errors.New("savings position not found")
	ErrLoanNotFound        = errors.New("loan not found")
	ErrLoanStateConflict   = errors.New("loan state conflict")
	ErrLimitExceeded       = errors.New("kyc limit exceeded")
)

// BalanceMove describes one leg of an atomic balance mutation.
type BalanceMove struct {
	Address  string
	Currency domain.Currency
	Amount   decimal.Decimal
}

// Repository is the persistence contract for the ledger.
type Repository interface {
	// Accounts
	CreateAccount(ctx context.Context, account *domain.Account) error
	FindAccountByAddress(ctx context.Context, address string) (*domain.Account, error)
	SetKYCTier(ctx context.Context, address string, tier domain.KYCTier) error
	// AdjustCreditScore applies delta clamped to the domain score bounds and
	// returns the resulting score.
	AdjustCreditScore(ctx context.Context, address string, delta int) (int, error)

	// Balances. Debits lock the row, verify sufficiency, and fail with
	// ErrInsufficientFunds without mutating. MoveBalances applies every debit
	// and credit leg in a single transaction.
	CreditBalance(ctx context.Context, address string, currency domain.Currency, amount decimal.Decimal) error
	DebitBalance(ctx context.Context, address string, currency domain.Currency, amount decimal.Decimal) error
	MoveBalances(ctx context.Context, debits []BalanceMove, credits []BalanceMove) error

	// Transactions. CreateTransaction fails with ErrDuplicateReference when the
	// caller-supplied reference was already used. Status updates only apply to
	// pending records; a terminal record is never mutated again.
	CreateTransaction(ctx context.Context, tx *domain.Transaction) error
	FindTransactionByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	FindTransactionByReference(ctx context.Context, reference string) (*domain.Transaction, error)
	MarkTransactionSucceeded(ctx context.Context, id uuid.UUID) error
	MarkTransactionFailed(ctx context.Context, id uuid.UUID, reason string) error
	ListTransactionsByAddress(ctx context.Context, address string, limit, offset int) ([]domain.Transaction, error)

	// KYC usage counters, keyed by (address, window start). ConsumeAllowance
	// locks both counters, verifies the ceilings, and records the spend in one
	// transaction; on violation it fails with a wrapped ErrLimitExceeded naming
	// the window and no counter changes.
	ConsumeAllowance(ctx context.Context, address string, dayStart, monthStart time.Time, usd, dailyCeiling, monthlyCeiling decimal.Decimal) error
	GetAllowanceUsage(ctx context.Context, address string, dayStart, monthStart time.Time) (day, month decimal.Decimal, err error)

	// Savings. ApplySavingsChange atomically adjusts the account's ledger
	// balance by balanceDelta (negative debits with a sufficiency check) and
	// upserts the position, deleting it when exhausted.
	FindSavingsPosition(ctx context.Context, address string, currency domain.Currency) (*domain.SavingsPosition, error)
	ListSavingsPositions(ctx context.Context, address string) ([]domain.SavingsPosition, error)
	ApplySavingsChange(ctx context.Context, position *domain.SavingsPosition, balanceDelta decimal.Decimal) error

	// Loans. CreateLoan enforces the single-non-terminal-loan rule inside the
	// transaction. DisburseLoan moves principal reserve -> borrower and
	// activates the loan in one unit. ApplyLoanRepayment moves the payment
	// borrower -> settlement.Destination, inserts the settlement transaction
	// record, links it to the loan, and finalizes state atomically; a loan
	// reaching repaid also increments the borrower's credit score, and
	// MarkLoanDefaulted decrements it, inside the same transaction.
	CreateLoan(ctx context.Context, loan *domain.Loan) error
	FindLoanByID(ctx context.Context, id uuid.UUID) (*domain.Loan, error)
	FindOpenLoanByAddress(ctx context.Context, address string) (*domain.Loan, error)
	ListLoansByAddress(ctx context.Context, address string) ([]domain.Loan, error)
	DisburseLoan(ctx context.Context, loan *domain.Loan, reserveAddress string) error
	RejectLoan(ctx context.Context, id uuid.UUID, reason string, decidedAt time.Time) error
	ApplyLoanRepayment(ctx context.Context, loan *domain.Loan, payment decimal.Decimal, settlement *domain.Transaction) error
	MarkLoanDefaulted(ctx context.Context, id uuid.UUID, observedAt time.Time) error
}
