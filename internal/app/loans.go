/**
 * @description
 * This file implements the `Loans` service, the microloan state machine:
 * pending -> {active, rejected}; active -> {repaid, defaulted}. Interest is
 * priced from the borrower's credit score at application time and frozen for
 * the loan's life. Deadline expiry is observed lazily: every interaction with
 * a loan first checks whether an active loan is past its deadline and, if so,
 * finalizes it as defaulted before proceeding.
 *
 * @notes
 * - Only a designated operator may approve or reject; any other caller gets
 *   ErrUnauthorized with no state change.
 * - Disbursement is funded from the platform reserve; an underfunded reserve
 *   fails the approval without activating the loan.
 * - Every repayment is tied to a ledger transaction record; the engine never
 *   accepts an unverifiable repayment claim.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/corridorpay/ledger-service/internal/domain"
	"github.com/corridorpay/ledger-service/internal/store"
	"github.com/corridorpay/ledger-service/pkg/rabbitmq"
)

// Loans is the microloan engine.
type Loans struct {
	repo           store.Repository
	rates          RateSource
	gate           *Gate
	operators      *OperatorRegistry
	publisher      rabbitmq.Publisher
	reserveAddress string
	now            func() time.Time
}

// NewLoans creates the engine.
func NewLoans(repo store.Repository, rates RateSource, gate *Gate, operators *OperatorRegistry, publisher rabbitmq.Publisher, reserveAddress string) *Loans {
	return &Loans{
		repo:           repo,
		rates:          rates,
		gate:           gate,
		operators:      operators,
		publisher:      publisher,
		reserveAddress: reserveAddress,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source. Test hook.
func (s *Loans) SetClock(now func() time.Time) {
	s.now = now
}

// Apply opens a loan application. The account may hold at most one loan that
// is not in a terminal state; the amount must fall inside the product bounds
// in numeraire terms; the APR is fixed here from the current credit score.
func (s *Loans) Apply(ctx context.Context, address string, req domain.LoanApplication) (*domain.Loan, error) {
	currency, err := domain.ParseCurrency(req.Currency)
	if err != nil {
		return nil, err
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not a number", ErrInvalidAmount, req.Amount)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidAmount, amount)
	}
	if req.TermDays <= 0 {
		return nil, fmt.Errorf("%w: term must be positive, got %d days", ErrInvalidAmount, req.TermDays)
	}

	rate, err := s.rates.Rate(currency)
	if err != nil {
		return nil, err
	}
	usdValue := amount.Div(rate)
	if usdValue.LessThan(domain.LoanMinUSD) || usdValue.GreaterThan(domain.LoanMaxUSD) {
		return nil, fmt.Errorf("%w: principal %s %s (%s USD) outside [%s, %s] USD", ErrInvalidAmount, amount, currency, usdValue.Round(2), domain.LoanMinUSD, domain.LoanMaxUSD)
	}

	account, err := s.repo.FindAccountByAddress(ctx, address)
	if err != nil {
		return nil, err
	}

	// Settle a stale active loan before the open-loan check so an expired
	// default does not block a fresh application forever.
	if open, err := s.repo.FindOpenLoanByAddress(ctx, address); err == nil {
		if _, err := s.lazyDefault(ctx, open); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, store.ErrLoanNotFound) {
		return nil, err
	}

	if err := s.gate.Consume(ctx, address, usdValue); err != nil {
		return nil, err
	}

	now := s.now()
	loan := &domain.Loan{
		ID:               uuid.New(),
		Address:          address,
		Principal:        amount,
		Currency:         currency,
		APRBasisPoints:   domain.APRForScore(account.CreditScore),
		TermDays:         req.TermDays,
		Purpose:          req.Purpose,
		State:            domain.LoanStatePending,
		RemainingBalance: decimal.Zero,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.repo.CreateLoan(ctx, loan); err != nil {
		s.gate.Release(ctx, address, usdValue)
		return nil, err
	}

	s.publishLoan(ctx, loan, "")
	log.Printf("level=info component=loans msg=\"application received\" loan_id=%s address=%s principal=%s %s term_days=%d apr_bps=%d", loan.ID, address, amount, currency, req.TermDays, loan.APRBasisPoints)
	return loan, nil
}

// Approve activates a pending loan: fixes the repayment schedule and credits
// the borrower with the principal out of the platform reserve, as one atomic
// unit. Operator-only.
func (s *Loans) Approve(ctx context.Context, operator string, loanID uuid.UUID) (*domain.Loan, error) {
	if !s.operators.IsOperator(operator) {
		return nil, fmt.Errorf("%w: %s is not an operator", ErrUnauthorized, operator)
	}

	loan, err := s.repo.FindLoanByID(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if loan.State != domain.LoanStatePending {
		return nil, fmt.Errorf("%w: loan %s is %s, not pending", ErrInvalidState, loanID, loan.State)
	}

	now := s.now()
	deadline := now.Add(time.Duration(loan.TermDays) * 24 * time.Hour)
	loan.State = domain.LoanStateActive
	loan.DisbursedAt = &now
	loan.Deadline = &deadline
	loan.RemainingBalance = domain.TotalOwed(loan.Principal, loan.APRBasisPoints, loan.TermDays)
	loan.UpdatedAt = now

	if err := s.repo.DisburseLoan(ctx, loan, s.reserveAddress); err != nil {
		if errors.Is(err, store.ErrInsufficientFunds) {
			return nil, fmt.Errorf("reserve %s cannot fund %s %s: %w", s.reserveAddress, loan.Principal, loan.Currency, err)
		}
		return nil, err
	}

	s.recordMovement(ctx, domain.TxKindLoanDisbursement, s.reserveAddress, loan.Address, loan.Currency, loan.Principal)
	s.publishLoan(ctx, loan, "")
	log.Printf("level=info component=loans msg=\"loan disbursed\" loan_id=%s address=%s principal=%s %s owed=%s deadline=%s", loan.ID, loan.Address, loan.Principal, loan.Currency, loan.RemainingBalance, deadline.Format(time.RFC3339))
	return loan, nil
}

// Reject finalizes a pending loan with an audit reason. Operator-only; no
// balance mutation.
func (s *Loans) Reject(ctx context.Context, operator string, loanID uuid.UUID, reason string) (*domain.Loan, error) {
	if !s.operators.IsOperator(operator) {
		return nil, fmt.Errorf("%w: %s is not an operator", ErrUnauthorized, operator)
	}
	if reason == "" {
		reason = "rejected by operator"
	}

	if err := s.repo.RejectLoan(ctx, loanID, reason, s.now()); err != nil {
		if errors.Is(err, store.ErrLoanStateConflict) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
		}
		return nil, err
	}

	loan, err := s.repo.FindLoanByID(ctx, loanID)
	if err != nil {
		return nil, err
	}
	s.publishLoan(ctx, loan, reason)
	log.Printf("level=info component=loans msg=\"loan rejected\" loan_id=%s address=%s reason=%q", loan.ID, loan.Address, reason)
	return loan, nil
}

// Repay applies a payment to the borrower's active loan. The payment moves
// from the borrower's ledger balance into the platform reserve and is
// recorded as a transaction in the same atomic unit; that record's id is the
// settlement reference tied to the loan. A payment larger than the remaining
// balance is clamped; reaching zero closes the loan as repaid and raises the
// borrower's credit score.
func (s *Loans) Repay(ctx context.Context, address string, loanID uuid.UUID, req domain.LoanRepaymentRequest) (*domain.Loan, error) {
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %q is not a number", ErrInvalidAmount, req.Amount)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidAmount, amount)
	}

	loan, err := s.repo.FindLoanByID(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if loan.Address != address {
		return nil, fmt.Errorf("%w: loan %s does not belong to %s", ErrUnauthorized, loanID, address)
	}
	loan, err = s.lazyDefault(ctx, loan)
	if err != nil {
		return nil, err
	}
	if loan.State != domain.LoanStateActive {
		return nil, fmt.Errorf("%w: loan %s is %s, not active", ErrInvalidState, loanID, loan.State)
	}

	now := s.now()
	payment := decimal.Min(amount, loan.RemainingBalance)
	loan.RemainingBalance = loan.RemainingBalance.Sub(payment)
	if loan.RemainingBalance.IsZero() {
		loan.State = domain.LoanStateRepaid
	}
	loan.UpdatedAt = now

	settlement := s.settlementRecord(loan, payment, now)
	loan.RepaymentRefs = append(loan.RepaymentRefs, settlement.ID)

	if err := s.repo.ApplyLoanRepayment(ctx, loan, payment, settlement); err != nil {
		return nil, err
	}

	if loan.State == domain.LoanStateRepaid {
		s.publishLoan(ctx, loan, "")
	}
	log.Printf("level=info component=loans msg=\"repayment applied\" loan_id=%s address=%s payment=%s remaining=%s state=%s", loan.ID, address, payment, loan.RemainingBalance, loan.State)
	return loan, nil
}

// Get returns a loan, settling lazy default first.
func (s *Loans) Get(ctx context.Context, loanID uuid.UUID) (*domain.Loan, error) {
	loan, err := s.repo.FindLoanByID(ctx, loanID)
	if err != nil {
		return nil, err
	}
	return s.lazyDefault(ctx, loan)
}

// List returns the account's loans, newest first, settling lazy default on
// any active loan first.
func (s *Loans) List(ctx context.Context, address string) ([]domain.Loan, error) {
	if open, err := s.repo.FindOpenLoanByAddress(ctx, address); err == nil {
		if _, err := s.lazyDefault(ctx, open); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, store.ErrLoanNotFound) {
		return nil, err
	}
	return s.repo.ListLoansByAddress(ctx, address)
}

// lazyDefault finalizes an active loan past its deadline as defaulted and
// returns the refreshed loan.
func (s *Loans) lazyDefault(ctx context.Context, loan *domain.Loan) (*domain.Loan, error) {
	now := s.now()
	if loan.State != domain.LoanStateActive || !loan.PastDeadline(now) {
		return loan, nil
	}

	if err := s.repo.MarkLoanDefaulted(ctx, loan.ID, now); err != nil {
		// A concurrent interaction may have settled it already.
		if !errors.Is(err, store.ErrLoanStateConflict) {
			return nil, err
		}
	}
	refreshed, err := s.repo.FindLoanByID(ctx, loan.ID)
	if err != nil {
		return nil, err
	}
	if refreshed.State == domain.LoanStateDefaulted {
		s.publishLoan(ctx, refreshed, "deadline expired")
		log.Printf("level=warn component=loans msg=\"loan defaulted\" loan_id=%s address=%s remaining=%s", refreshed.ID, refreshed.Address, refreshed.RemainingBalance)
	}
	return refreshed, nil
}

// settlementRecord builds the transaction whose id becomes the loan's
// settlement reference. The repository persists it atomically with the
// payment's balance move into the reserve.
func (s *Loans) settlementRecord(loan *domain.Loan, payment decimal.Decimal, now time.Time) *domain.Transaction {
	id := uuid.New()
	return &domain.Transaction{
		ID:           id,
		Reference:    id.String(),
		Kind:         domain.TxKindLoanRepayment,
		Source:       loan.Address,
		Destination:  s.reserveAddress,
		FromCurrency: loan.Currency,
		ToCurrency:   loan.Currency,
		Amount:       payment,
		Fee:          decimal.Zero,
		Status:       domain.TxStatusSuccess,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// recordMovement writes an audit transaction for a loan balance movement.
func (s *Loans) recordMovement(ctx context.Context, kind, source, destination string, currency domain.Currency, amount decimal.Decimal) {
	now := s.now()
	tx := &domain.Transaction{
		ID:           uuid.New(),
		Reference:    uuid.NewString(),
		Kind:         kind,
		Source:       source,
		Destination:  destination,
		FromCurrency: currency,
		ToCurrency:   currency,
		Amount:       amount,
		Fee:          decimal.Zero,
		Status:       domain.TxStatusSuccess,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.CreateTransaction(ctx, tx); err != nil {
		log.Printf("level=error component=loans msg=\"failed to record movement\" kind=%s error=%q", kind, err)
	}
}

// publishLoan emits the lifecycle event for the loan's current state.
func (s *Loans) publishLoan(ctx context.Context, loan *domain.Loan, reason string) {
	event := domain.LoanEvent{
		LoanID:    loan.ID,
		Address:   loan.Address,
		Principal: loan.Principal,
		Currency:  loan.Currency,
		State:     loan.State,
		Reason:    reason,
		Timestamp: s.now(),
	}
	routingKey := "ledger.loan." + loan.State
	if err := s.publisher.Publish(ctx, rabbitmq.LedgerExchange, routingKey, event); err != nil {
		log.Printf("level=error component=loans msg=\"failed to publish event\" routing_key=%s error=%q", routingKey, err)
	}
}
