/**
 * @description
 * In-memory implementation of the Repository interface. It backs the engine
 * test suites and the local development mode, and serializes every operation
 * behind a single mutex so the atomicity contract of the interface holds
 * without a database: a reader can never observe one leg of a transfer
 * without the other.
 */

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/corridorpay/ledger-service/internal/domain"
)

type allowanceKey struct {
	address string
	start   time.Time
}

// MemoryRepository keeps all ledger state in process memory.
type MemoryRepository struct {
	mu sync.Mutex

	accounts     map[string]*domain.Account
	transactions map[uuid.UUID]*domain.Transaction
	references   map[string]uuid.UUID
	dailyUsage   map[allowanceKey]decimal.Decimal
	monthlyUsage map[allowanceKey]decimal.Decimal
	positions    map[string]*domain.SavingsPosition
	loans        map[uuid.UUID]*domain.Loan
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		accounts:     make(map[string]*domain.Account),
		transactions: make(map[uuid.UUID]*domain.Transaction),
		references:   make(map[string]uuid.UUID),
		dailyUsage:   make(map[allowanceKey]decimal.Decimal),
		monthlyUsage: make(map[allowanceKey]decimal.Decimal),
		positions:    make(map[string]*domain.SavingsPosition),
		loans:        make(map[uuid.UUID]*domain.Loan),
	}
}

func positionKey(address string, currency domain.Currency) string {
	return address + "/" + string(currency)
}

func copyAccount(a *domain.Account) *domain.Account {
	out := *a
	out.Balances = make(map[domain.Currency]decimal.Decimal, len(a.Balances))
	for c, v := range a.Balances {
		out.Balances[c] = v
	}
	return &out
}

func copyTransaction(t *domain.Transaction) *domain.Transaction {
	out := *t
	return &out
}

func copyPosition(p *domain.SavingsPosition) *domain.SavingsPosition {
	out := *p
	return &out
}

func copyLoan(l *domain.Loan) *domain.Loan {
	out := *l
	out.RepaymentRefs = append([]uuid.UUID(nil), l.RepaymentRefs...)
	return &out
}

// CreateAccount registers a new account with zeroed balances.
func (r *MemoryRepository) CreateAccount(ctx context.Context, account *domain.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.accounts[account.Address]; ok {
		return ErrAccountExists
	}
	stored := copyAccount(account)
	if stored.Balances == nil {
		stored.Balances = make(map[domain.Currency]decimal.Decimal)
	}
	r.accounts[account.Address] = stored
	return nil
}

// FindAccountByAddress returns a copy of the stored account.
func (r *MemoryRepository) FindAccountByAddress(ctx context.Context, address string) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	account, ok := r.accounts[address]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return copyAccount(account), nil
}

// SetKYCTier stores the account's verification tier.
func (r *MemoryRepository) SetKYCTier(ctx context.Context, address string, tier domain.KYCTier) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	account, ok := r.accounts[address]
	if !ok {
		return ErrAccountNotFound
	}
	account.KYCTier = tier
	return nil
}

// AdjustCreditScore applies delta clamped to the domain score bounds.
func (r *MemoryRepository) AdjustCreditScore(ctx context.Context, address string, delta int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.adjustCreditScoreLocked(address, delta)
}

func (r *MemoryRepository) adjustCreditScoreLocked(address string, delta int) (int, error) {
	account, ok := r.accounts[address]
	if !ok {
		return 0, ErrAccountNotFound
	}
	score := account.CreditScore + delta
	if score < domain.CreditScoreMin {
		score = domain.CreditScoreMin
	}
	if score > domain.CreditScoreMax {
		score = domain.CreditScoreMax
	}
	account.CreditScore = score
	return score, nil
}

func (r *MemoryRepository) creditLocked(address string, currency domain.Currency, amount decimal.Decimal) error {
	account, ok := r.accounts[address]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, address)
	}
	account.Balances[currency] = account.Balance(currency).Add(amount)
	return nil
}

func (r *MemoryRepository) debitLocked(address string, currency domain.Currency, amount decimal.Decimal) error {
	account, ok := r.accounts[address]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, address)
	}
	balance := account.Balance(currency)
	if balance.LessThan(amount) {
		return fmt.Errorf("%w: %s balance %s is below %s", ErrInsufficientFunds, currency, balance.StringFixed(2), amount.StringFixed(2))
	}
	account.Balances[currency] = balance.Sub(amount)
	return nil
}

// CreditBalance atomically credits one balance.
func (r *MemoryRepository) CreditBalance(ctx context.Context, address string, currency domain.Currency, amount decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.creditLocked(address, currency, amount)
}

// DebitBalance atomically debits one balance, failing without mutation when
// funds are insufficient.
func (r *MemoryRepository) DebitBalance(ctx context.Context, address string, currency domain.Currency, amount decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.debitLocked(address, currency, amount)
}

// MoveBalances applies every debit and credit leg atomically: all debits are
// verified before anything mutates.
func (r *MemoryRepository) MoveBalances(ctx context.Context, debits []BalanceMove, credits []BalanceMove) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, d := range debits {
		account, ok := r.accounts[d.Address]
		if !ok {
			return fmt.Errorf("%w: %s", ErrAccountNotFound, d.Address)
		}
		if account.Balance(d.Currency).LessThan(d.Amount) {
			return fmt.Errorf("%w: %s balance %s is below %s", ErrInsufficientFunds, d.Currency, account.Balance(d.Currency).StringFixed(2), d.Amount.StringFixed(2))
		}
	}
	for _, c := range credits {
		if _, ok := r.accounts[c.Address]; !ok {
			return fmt.Errorf("%w: %s", ErrAccountNotFound, c.Address)
		}
	}
	for _, d := range debits {
		if err := r.debitLocked(d.Address, d.Currency, d.Amount); err != nil {
			return err
		}
	}
	for _, c := range credits {
		if err := r.creditLocked(c.Address, c.Currency, c.Amount); err != nil {
			return err
		}
	}
	return nil
}

// CreateTransaction appends a transaction record, enforcing reference
// uniqueness.
func (r *MemoryRepository) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tx.Reference != "" {
		if _, ok := r.references[tx.Reference]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateReference, tx.Reference)
		}
	}
	stored := copyTransaction(tx)
	r.transactions[tx.ID] = stored
	if tx.Reference != "" {
		r.references[tx.Reference] = tx.ID
	}
	return nil
}

// FindTransactionByID returns a copy of the record.
func (r *MemoryRepository) FindTransactionByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, ok := r.transactions[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return copyTransaction(tx), nil
}

// FindTransactionByReference resolves a caller-supplied reference.
func (r *MemoryRepository) FindTransactionByReference(ctx context.Context, reference string) (*domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.references[reference]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return copyTransaction(r.transactions[id]), nil
}

func (r *MemoryRepository) finalizeTransactionLocked(id uuid.UUID, status string, reason *string) error {
	tx, ok := r.transactions[id]
	if !ok {
		return ErrTransactionNotFound
	}
	if tx.Status != domain.TxStatusPending {
		return fmt.Errorf("transaction %s already %s", id, tx.Status)
	}
	tx.Status = status
	tx.FailureReason = reason
	tx.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkTransactionSucceeded flips a pending record to success.
func (r *MemoryRepository) MarkTransactionSucceeded(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finalizeTransactionLocked(id, domain.TxStatusSuccess, nil)
}

// MarkTransactionFailed flips a pending record to failed with the audit reason.
func (r *MemoryRepository) MarkTransactionFailed(ctx context.Context, id uuid.UUID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finalizeTransactionLocked(id, domain.TxStatusFailed, &reason)
}

// ListTransactionsByAddress lists records touching the address, newest first.
func (r *MemoryRepository) ListTransactionsByAddress(ctx context.Context, address string, limit, offset int) ([]domain.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.Transaction
	for _, tx := range r.transactions {
		if tx.Source == address || tx.Destination == address {
			out = append(out, *copyTransaction(tx))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return []domain.Transaction{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// ConsumeAllowance verifies and records KYC usage for both windows atomically.
func (r *MemoryRepository) ConsumeAllowance(ctx context.Context, address string, dayStart, monthStart time.Time, usd, dailyCeiling, monthlyCeiling decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	dayKey := allowanceKey{address: address, start: dayStart}
	monthKey := allowanceKey{address: address, start: monthStart}

	day := r.dailyUsage[dayKey]
	month := r.monthlyUsage[monthKey]

	if day.Add(usd).GreaterThan(dailyCeiling) {
		return fmt.Errorf("%w: daily ceiling %s USD, already used %s USD", ErrLimitExceeded, dailyCeiling.StringFixed(2), day.StringFixed(2))
	}
	if month.Add(usd).GreaterThan(monthlyCeiling) {
		return fmt.Errorf("%w: monthly ceiling %s USD, already used %s USD", ErrLimitExceeded, monthlyCeiling.StringFixed(2), month.StringFixed(2))
	}

	r.dailyUsage[dayKey] = day.Add(usd)
	r.monthlyUsage[monthKey] = month.Add(usd)
	return nil
}

// GetAllowanceUsage reads the current counters for both windows.
func (r *MemoryRepository) GetAllowanceUsage(ctx context.Context, address string, dayStart, monthStart time.Time) (decimal.Decimal, decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	day := r.dailyUsage[allowanceKey{address: address, start: dayStart}]
	month := r.monthlyUsage[allowanceKey{address: address, start: monthStart}]
	return day, month, nil
}

// FindSavingsPosition returns a copy of the position for (address, currency).
func (r *MemoryRepository) FindSavingsPosition(ctx context.Context, address string, currency domain.Currency) (*domain.SavingsPosition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	position, ok := r.positions[positionKey(address, currency)]
	if !ok {
		return nil, ErrPositionNotFound
	}
	return copyPosition(position), nil
}

// ListSavingsPositions lists the account's positions in currency order.
func (r *MemoryRepository) ListSavingsPositions(ctx context.Context, address string) ([]domain.SavingsPosition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.SavingsPosition
	for _, currency := range domain.Currencies() {
		if position, ok := r.positions[positionKey(address, currency)]; ok {
			out = append(out, *copyPosition(position))
		}
	}
	return out, nil
}

// ApplySavingsChange adjusts the ledger balance and upserts the position in
// one critical section. A negative balanceDelta debits with a funds check; a
// position with zero principal and zero carried interest is destroyed.
func (r *MemoryRepository) ApplySavingsChange(ctx context.Context, position *domain.SavingsPosition, balanceDelta decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch balanceDelta.Sign() {
	case -1:
		if err := r.debitLocked(position.Address, position.Currency, balanceDelta.Neg()); err != nil {
			return err
		}
	case 1:
		if err := r.creditLocked(position.Address, position.Currency, balanceDelta); err != nil {
			return err
		}
	}

	key := positionKey(position.Address, position.Currency)
	if position.Exhausted() {
		delete(r.positions, key)
		return nil
	}
	r.positions[key] = copyPosition(position)
	return nil
}

// CreateLoan appends a pending loan, enforcing one open loan per account.
func (r *MemoryRepository) CreateLoan(ctx context.Context, loan *domain.Loan) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.loans {
		if existing.Address == loan.Address && !existing.Terminal() {
			return fmt.Errorf("%w: account %s already has a %s loan", ErrLoanStateConflict, loan.Address, existing.State)
		}
	}
	r.loans[loan.ID] = copyLoan(loan)
	return nil
}

// FindLoanByID returns a copy of the loan.
func (r *MemoryRepository) FindLoanByID(ctx context.Context, id uuid.UUID) (*domain.Loan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	loan, ok := r.loans[id]
	if !ok {
		return nil, ErrLoanNotFound
	}
	return copyLoan(loan), nil
}

// FindOpenLoanByAddress returns the account's non-terminal loan, if any.
func (r *MemoryRepository) FindOpenLoanByAddress(ctx context.Context, address string) (*domain.Loan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, loan := range r.loans {
		if loan.Address == address && !loan.Terminal() {
			return copyLoan(loan), nil
		}
	}
	return nil, ErrLoanNotFound
}

// ListLoansByAddress lists all loans for an account, newest first.
func (r *MemoryRepository) ListLoansByAddress(ctx context.Context, address string) ([]domain.Loan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.Loan
	for _, loan := range r.loans {
		if loan.Address == address {
			out = append(out, *copyLoan(loan))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// DisburseLoan moves principal from the reserve to the borrower and activates
// the loan as one unit. The loan argument carries the activation fields
// (state, disbursement timestamp, deadline, remaining balance) computed by the
// engine.
func (r *MemoryRepository) DisburseLoan(ctx context.Context, loan *domain.Loan, reserveAddress string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.loans[loan.ID]
	if !ok {
		return ErrLoanNotFound
	}
	if stored.State != domain.LoanStatePending {
		return fmt.Errorf("%w: loan %s is %s, not pending", ErrLoanStateConflict, loan.ID, stored.State)
	}
	if err := r.debitLocked(reserveAddress, loan.Currency, loan.Principal); err != nil {
		return err
	}
	if err := r.creditLocked(loan.Address, loan.Currency, loan.Principal); err != nil {
		// Roll the reserve debit back; the disbursement must be all-or-nothing.
		_ = r.creditLocked(reserveAddress, loan.Currency, loan.Principal)
		return err
	}
	r.loans[loan.ID] = copyLoan(loan)
	return nil
}

// RejectLoan finalizes a pending loan as rejected with the audit reason.
func (r *MemoryRepository) RejectLoan(ctx context.Context, id uuid.UUID, reason string, decidedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.loans[id]
	if !ok {
		return ErrLoanNotFound
	}
	if stored.State != domain.LoanStatePending {
		return fmt.Errorf("%w: loan %s is %s, not pending", ErrLoanStateConflict, id, stored.State)
	}
	stored.State = domain.LoanStateRejected
	stored.RejectionReason = &reason
	stored.UpdatedAt = decidedAt
	return nil
}

// ApplyLoanRepayment moves the payment from the borrower to the settlement
// destination, stores the settlement transaction record, persists the updated
// loan (remaining balance, repayment reference, possibly repaid state) and
// bumps the credit score when the loan closes, all in one critical section.
func (r *MemoryRepository) ApplyLoanRepayment(ctx context.Context, loan *domain.Loan, payment decimal.Decimal, settlement *domain.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.loans[loan.ID]
	if !ok {
		return ErrLoanNotFound
	}
	if stored.State != domain.LoanStateActive {
		return fmt.Errorf("%w: loan %s is %s, not active", ErrLoanStateConflict, loan.ID, stored.State)
	}
	if err := r.debitLocked(loan.Address, loan.Currency, payment); err != nil {
		return err
	}
	if err := r.creditLocked(settlement.Destination, loan.Currency, payment); err != nil {
		return err
	}
	r.transactions[settlement.ID] = copyTransaction(settlement)
	if settlement.Reference != "" {
		r.references[settlement.Reference] = settlement.ID
	}
	r.loans[loan.ID] = copyLoan(loan)
	if loan.State == domain.LoanStateRepaid {
		if _, err := r.adjustCreditScoreLocked(loan.Address, 1); err != nil {
			return err
		}
	}
	return nil
}

// MarkLoanDefaulted finalizes an active loan as defaulted and decrements the
// borrower's credit score.
func (r *MemoryRepository) MarkLoanDefaulted(ctx context.Context, id uuid.UUID, observedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.loans[id]
	if !ok {
		return ErrLoanNotFound
	}
	if stored.State != domain.LoanStateActive {
		return fmt.Errorf("%w: loan %s is %s, not active", ErrLoanStateConflict, id, stored.State)
	}
	stored.State = domain.LoanStateDefaulted
	stored.UpdatedAt = observedAt
	if _, err := r.adjustCreditScoreLocked(stored.Address, -1); err != nil {
		return err
	}
	return nil
}
