/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. Balance rows are locked with `FOR UPDATE` inside a transaction
 * for every debit, so sufficiency checks and mutations are race-free, and all
 * multi-leg money movements commit or roll back as one unit.
 *
 * @dependencies
 * - context, errors, fmt, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver.
 * - github.com/shopspring/decimal: Fixed-point amounts (scanned from numeric).
 * - internal/domain: Domain models.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/corridorpay/ledger-service/internal/domain"
)

// PostgresRepository is the production Repository backed by PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgresRepository on the given pool.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// CreateAccount inserts the account and one zero balance row per currency.
func (r *PostgresRepository) CreateAccount(ctx context.Context, account *domain.Account) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO accounts (address, kyc_tier, credit_score, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
	`
	if _, err := tx.Exec(ctx, query, account.Address, int(account.KYCTier), account.CreditScore, account.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return ErrAccountExists
		}
		return err
	}

	for _, currency := range domain.Currencies() {
		amount := account.Balance(currency)
		if _, err := tx.Exec(ctx,
			`INSERT INTO balances (address, currency, amount) VALUES ($1, $2, $3)`,
			account.Address, string(currency), amount,
		); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// FindAccountByAddress loads the account and its balance map.
func (r *PostgresRepository) FindAccountByAddress(ctx context.Context, address string) (*domain.Account, error) {
	var account domain.Account
	var tier int
	query := `SELECT address, kyc_tier, credit_score, created_at, updated_at FROM accounts WHERE address = $1`
	err := r.db.QueryRow(ctx, query, address).Scan(&account.Address, &tier, &account.CreditScore, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	account.KYCTier = domain.KYCTier(tier)

	rows, err := r.db.Query(ctx, `SELECT currency, amount FROM balances WHERE address = $1`, address)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	account.Balances = make(map[domain.Currency]decimal.Decimal)
	for rows.Next() {
		var currency string
		var amount decimal.Decimal
		if err := rows.Scan(&currency, &amount); err != nil {
			return nil, err
		}
		account.Balances[domain.Currency(currency)] = amount
	}
	return &account, rows.Err()
}

// SetKYCTier stores the verification tier for the account.
func (r *PostgresRepository) SetKYCTier(ctx context.Context, address string, tier domain.KYCTier) error {
	tag, err := r.db.Exec(ctx, `UPDATE accounts SET kyc_tier = $1, updated_at = now() WHERE address = $2`, int(tier), address)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// AdjustCreditScore applies delta clamped to the score bounds and returns the
// resulting score.
func (r *PostgresRepository) AdjustCreditScore(ctx context.Context, address string, delta int) (int, error) {
	var score int
	query := `
		UPDATE accounts
		SET credit_score = GREATEST($2, LEAST($3, credit_score + $4)), updated_at = now()
		WHERE address = $1
		RETURNING credit_score
	`
	err := r.db.QueryRow(ctx, query, address, domain.CreditScoreMin, domain.CreditScoreMax, delta).Scan(&score)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, ErrAccountNotFound
		}
		return 0, err
	}
	return score, nil
}

func creditBalanceTx(ctx context.Context, tx pgx.Tx, address string, currency domain.Currency, amount decimal.Decimal) error {
	tag, err := tx.Exec(ctx,
		`UPDATE balances SET amount = amount + $1 WHERE address = $2 AND currency = $3`,
		amount, address, string(currency),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, address)
	}
	return nil
}

func debitBalanceTx(ctx context.Context, tx pgx.Tx, address string, currency domain.Currency, amount decimal.Decimal) error {
	var balance decimal.Decimal
	// FOR UPDATE locks the row so the sufficiency check cannot race a
	// concurrent debit.
	err := tx.QueryRow(ctx,
		`SELECT amount FROM balances WHERE address = $1 AND currency = $2 FOR UPDATE`,
		address, string(currency),
	).Scan(&balance)
	if err != nil {
		if err == pgx.ErrNoRows {
			return fmt.Errorf("%w: %s", ErrAccountNotFound, address)
		}
		return err
	}
	if balance.LessThan(amount) {
		return fmt.Errorf("%w: %s balance %s is below %s", ErrInsufficientFunds, currency, balance.StringFixed(2), amount.StringFixed(2))
	}
	_, err = tx.Exec(ctx,
		`UPDATE balances SET amount = amount - $1 WHERE address = $2 AND currency = $3`,
		amount, address, string(currency),
	)
	return err
}

// CreditBalance atomically credits one balance.
func (r *PostgresRepository) CreditBalance(ctx context.Context, address string, currency domain.Currency, amount decimal.Decimal) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := creditBalanceTx(ctx, tx, address, currency, amount); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// DebitBalance atomically debits one balance with a funds check.
func (r *PostgresRepository) DebitBalance(ctx context.Context, address string, currency domain.Currency, amount decimal.Decimal) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := debitBalanceTx(ctx, tx, address, currency, amount); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// MoveBalances applies every debit and credit leg in a single transaction.
func (r *PostgresRepository) MoveBalances(ctx context.Context, debits []BalanceMove, credits []BalanceMove) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, d := range debits {
		if err := debitBalanceTx(ctx, tx, d.Address, d.Currency, d.Amount); err != nil {
			return err
		}
	}
	for _, c := range credits {
		if err := creditBalanceTx(ctx, tx, c.Address, c.Currency, c.Amount); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// execer is satisfied by both the pool and a pgx.Tx, so transaction records
// can be inserted standalone or inside a larger unit of work.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertTransaction(ctx context.Context, db execer, txRecord *domain.Transaction) error {
	query := `
		INSERT INTO transactions (
			id, reference, kind, source, destination, from_currency, to_currency,
			amount, fee, cross_rate, status, failure_reason, created_at, updated_at
		)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
	`
	_, err := db.Exec(ctx, query,
		txRecord.ID,
		txRecord.Reference,
		txRecord.Kind,
		txRecord.Source,
		txRecord.Destination,
		string(txRecord.FromCurrency),
		string(txRecord.ToCurrency),
		txRecord.Amount,
		txRecord.Fee,
		txRecord.CrossRate,
		txRecord.Status,
		txRecord.FailureReason,
		txRecord.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrDuplicateReference, txRecord.Reference)
	}
	return err
}

// CreateTransaction appends an immutable transaction record.
func (r *PostgresRepository) CreateTransaction(ctx context.Context, txRecord *domain.Transaction) error {
	return insertTransaction(ctx, r.db, txRecord)
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var tx domain.Transaction
	var reference *string
	var fromCurrency, toCurrency string
	err := row.Scan(
		&tx.ID,
		&reference,
		&tx.Kind,
		&tx.Source,
		&tx.Destination,
		&fromCurrency,
		&toCurrency,
		&tx.Amount,
		&tx.Fee,
		&tx.CrossRate,
		&tx.Status,
		&tx.FailureReason,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	if reference != nil {
		tx.Reference = *reference
	}
	tx.FromCurrency = domain.Currency(fromCurrency)
	tx.ToCurrency = domain.Currency(toCurrency)
	return &tx, nil
}

const transactionColumns = `
	id, reference, kind, source, destination, from_currency, to_currency,
	amount, fee, cross_rate, status, failure_reason, created_at, updated_at
`

// FindTransactionByID retrieves one transaction record.
func (r *PostgresRepository) FindTransactionByID(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`
	return scanTransaction(r.db.QueryRow(ctx, query, id))
}

// FindTransactionByReference resolves a caller-supplied idempotency reference.
func (r *PostgresRepository) FindTransactionByReference(ctx context.Context, reference string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE reference = $1`
	return scanTransaction(r.db.QueryRow(ctx, query, reference))
}

// MarkTransactionSucceeded flips a pending record to success; terminal records
// are never touched.
func (r *PostgresRepository) MarkTransactionSucceeded(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE transactions SET status = $1, updated_at = now() WHERE id = $2 AND status = $3`,
		domain.TxStatusSuccess, id, domain.TxStatusPending,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transaction %s is not pending", id)
	}
	return nil
}

// MarkTransactionFailed flips a pending record to failed with the audit reason.
func (r *PostgresRepository) MarkTransactionFailed(ctx context.Context, id uuid.UUID, reason string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE transactions SET status = $1, failure_reason = $2, updated_at = now() WHERE id = $3 AND status = $4`,
		domain.TxStatusFailed, reason, id, domain.TxStatusPending,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transaction %s is not pending", id)
	}
	return nil
}

// ListTransactionsByAddress lists records touching the address, newest first.
func (r *PostgresRepository) ListTransactionsByAddress(ctx context.Context, address string, limit, offset int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE source = $1 OR destination = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, address, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.Transaction{}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *tx)
	}
	return out, rows.Err()
}

func consumeWindowTx(ctx context.Context, tx pgx.Tx, address, window string, windowStart time.Time, usd, ceiling decimal.Decimal) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO kyc_usage (address, time_window, window_start, used)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (address, time_window, window_start) DO NOTHING
	`, address, window, windowStart); err != nil {
		return err
	}

	var used decimal.Decimal
	err := tx.QueryRow(ctx, `
		SELECT used FROM kyc_usage
		WHERE address = $1 AND time_window = $2 AND window_start = $3
		FOR UPDATE
	`, address, window, windowStart).Scan(&used)
	if err != nil {
		return err
	}

	if used.Add(usd).GreaterThan(ceiling) {
		return fmt.Errorf("%w: %s ceiling %s USD, already used %s USD", ErrLimitExceeded, window, ceiling.StringFixed(2), used.StringFixed(2))
	}

	_, err = tx.Exec(ctx, `
		UPDATE kyc_usage SET used = used + $1
		WHERE address = $2 AND time_window = $3 AND window_start = $4
	`, usd, address, window, windowStart)
	return err
}

// ConsumeAllowance verifies and records KYC usage for both windows atomically.
func (r *PostgresRepository) ConsumeAllowance(ctx context.Context, address string, dayStart, monthStart time.Time, usd, dailyCeiling, monthlyCeiling decimal.Decimal) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := consumeWindowTx(ctx, tx, address, "daily", dayStart, usd, dailyCeiling); err != nil {
		return err
	}
	if err := consumeWindowTx(ctx, tx, address, "monthly", monthStart, usd, monthlyCeiling); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GetAllowanceUsage reads the counters for both windows; missing rows read as
// zero.
func (r *PostgresRepository) GetAllowanceUsage(ctx context.Context, address string, dayStart, monthStart time.Time) (decimal.Decimal, decimal.Decimal, error) {
	read := func(window string, start time.Time) (decimal.Decimal, error) {
		var used decimal.Decimal
		err := r.db.QueryRow(ctx, `
			SELECT used FROM kyc_usage WHERE address = $1 AND time_window = $2 AND window_start = $3
		`, address, window, start).Scan(&used)
		if err == pgx.ErrNoRows {
			return decimal.Zero, nil
		}
		return used, err
	}

	day, err := read("daily", dayStart)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	month, err := read("monthly", monthStart)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return day, month, nil
}

func scanPosition(row pgx.Row) (*domain.SavingsPosition, error) {
	var p domain.SavingsPosition
	var currency string
	err := row.Scan(
		&p.Address, &currency, &p.Principal, &p.APYBasisPoints,
		&p.AccrualStart, &p.AccruedUnclaimed, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPositionNotFound
		}
		return nil, err
	}
	p.Currency = domain.Currency(currency)
	return &p, nil
}

const positionColumns = `
	address, currency, principal, apy_bps, accrual_start, accrued_unclaimed, created_at, updated_at
`

// FindSavingsPosition retrieves the position for (address, currency).
func (r *PostgresRepository) FindSavingsPosition(ctx context.Context, address string, currency domain.Currency) (*domain.SavingsPosition, error) {
	query := `SELECT ` + positionColumns + ` FROM savings_positions WHERE address = $1 AND currency = $2`
	return scanPosition(r.db.QueryRow(ctx, query, address, string(currency)))
}

// ListSavingsPositions lists the account's positions.
func (r *PostgresRepository) ListSavingsPositions(ctx context.Context, address string) ([]domain.SavingsPosition, error) {
	query := `SELECT ` + positionColumns + ` FROM savings_positions WHERE address = $1 ORDER BY currency`
	rows, err := r.db.Query(ctx, query, address)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.SavingsPosition{}
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ApplySavingsChange adjusts the ledger balance and upserts the position in a
// single transaction, deleting the row when the position is exhausted.
func (r *PostgresRepository) ApplySavingsChange(ctx context.Context, position *domain.SavingsPosition, balanceDelta decimal.Decimal) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	switch balanceDelta.Sign() {
	case -1:
		if err := debitBalanceTx(ctx, tx, position.Address, position.Currency, balanceDelta.Neg()); err != nil {
			return err
		}
	case 1:
		if err := creditBalanceTx(ctx, tx, position.Address, position.Currency, balanceDelta); err != nil {
			return err
		}
	}

	if position.Exhausted() {
		if _, err := tx.Exec(ctx,
			`DELETE FROM savings_positions WHERE address = $1 AND currency = $2`,
			position.Address, string(position.Currency),
		); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO savings_positions (address, currency, principal, apy_bps, accrual_start, accrued_unclaimed, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (address, currency) DO UPDATE SET
			principal = EXCLUDED.principal,
			apy_bps = EXCLUDED.apy_bps,
			accrual_start = EXCLUDED.accrual_start,
			accrued_unclaimed = EXCLUDED.accrued_unclaimed,
			updated_at = EXCLUDED.updated_at
	`,
		position.Address, string(position.Currency), position.Principal, position.APYBasisPoints,
		position.AccrualStart, position.AccruedUnclaimed, position.UpdatedAt,
	); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

const loanColumns = `
	id, address, principal, currency, apr_bps, term_days, purpose, state,
	disbursed_at, deadline, remaining_balance, rejection_reason, created_at, updated_at
`

func scanLoan(row pgx.Row) (*domain.Loan, error) {
	var l domain.Loan
	var currency string
	err := row.Scan(
		&l.ID, &l.Address, &l.Principal, &currency, &l.APRBasisPoints, &l.TermDays,
		&l.Purpose, &l.State, &l.DisbursedAt, &l.Deadline, &l.RemainingBalance,
		&l.RejectionReason, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrLoanNotFound
		}
		return nil, err
	}
	l.Currency = domain.Currency(currency)
	return &l, nil
}

func (r *PostgresRepository) loadRepaymentRefs(ctx context.Context, loan *domain.Loan) error {
	rows, err := r.db.Query(ctx,
		`SELECT transaction_id FROM loan_repayments WHERE loan_id = $1 ORDER BY created_at`,
		loan.ID,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var ref uuid.UUID
		if err := rows.Scan(&ref); err != nil {
			return err
		}
		loan.RepaymentRefs = append(loan.RepaymentRefs, ref)
	}
	return rows.Err()
}

// CreateLoan inserts a pending loan, enforcing one open loan per account
// inside the transaction.
func (r *PostgresRepository) CreateLoan(ctx context.Context, loan *domain.Loan) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var openState string
	err = tx.QueryRow(ctx, `
		SELECT state FROM loans
		WHERE address = $1 AND state IN ($2, $3)
		FOR UPDATE
	`, loan.Address, domain.LoanStatePending, domain.LoanStateActive).Scan(&openState)
	if err == nil {
		return fmt.Errorf("%w: account %s already has a %s loan", ErrLoanStateConflict, loan.Address, openState)
	}
	if err != pgx.ErrNoRows {
		return err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO loans (id, address, principal, currency, apr_bps, term_days, purpose, state, remaining_balance, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	`,
		loan.ID, loan.Address, loan.Principal, string(loan.Currency), loan.APRBasisPoints,
		loan.TermDays, loan.Purpose, loan.State, loan.RemainingBalance, loan.CreatedAt,
	); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// FindLoanByID retrieves a loan and its repayment references.
func (r *PostgresRepository) FindLoanByID(ctx context.Context, id uuid.UUID) (*domain.Loan, error) {
	query := `SELECT ` + loanColumns + ` FROM loans WHERE id = $1`
	loan, err := scanLoan(r.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, err
	}
	if err := r.loadRepaymentRefs(ctx, loan); err != nil {
		return nil, err
	}
	return loan, nil
}

// FindOpenLoanByAddress returns the account's non-terminal loan, if any.
func (r *PostgresRepository) FindOpenLoanByAddress(ctx context.Context, address string) (*domain.Loan, error) {
	query := `
		SELECT ` + loanColumns + ` FROM loans
		WHERE address = $1 AND state IN ($2, $3)
		ORDER BY created_at DESC LIMIT 1
	`
	loan, err := scanLoan(r.db.QueryRow(ctx, query, address, domain.LoanStatePending, domain.LoanStateActive))
	if err != nil {
		return nil, err
	}
	if err := r.loadRepaymentRefs(ctx, loan); err != nil {
		return nil, err
	}
	return loan, nil
}

// ListLoansByAddress lists all loans for an account, newest first.
func (r *PostgresRepository) ListLoansByAddress(ctx context.Context, address string) ([]domain.Loan, error) {
	query := `SELECT ` + loanColumns + ` FROM loans WHERE address = $1 ORDER BY created_at DESC`
	rows, err := r.db.Query(ctx, query, address)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.Loan{}
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *loan)
	}
	return out, rows.Err()
}

// DisburseLoan moves principal from the reserve to the borrower and activates
// the loan as one transaction.
func (r *PostgresRepository) DisburseLoan(ctx context.Context, loan *domain.Loan, reserveAddress string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var state string
	err = tx.QueryRow(ctx, `SELECT state FROM loans WHERE id = $1 FOR UPDATE`, loan.ID).Scan(&state)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrLoanNotFound
		}
		return err
	}
	if state != domain.LoanStatePending {
		return fmt.Errorf("%w: loan %s is %s, not pending", ErrLoanStateConflict, loan.ID, state)
	}

	if err := debitBalanceTx(ctx, tx, reserveAddress, loan.Currency, loan.Principal); err != nil {
		return err
	}
	if err := creditBalanceTx(ctx, tx, loan.Address, loan.Currency, loan.Principal); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE loans
		SET state = $1, disbursed_at = $2, deadline = $3, remaining_balance = $4, updated_at = $2
		WHERE id = $5
	`, loan.State, loan.DisbursedAt, loan.Deadline, loan.RemainingBalance, loan.ID); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// RejectLoan finalizes a pending loan as rejected with the audit reason.
func (r *PostgresRepository) RejectLoan(ctx context.Context, id uuid.UUID, reason string, decidedAt time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE loans SET state = $1, rejection_reason = $2, updated_at = $3
		WHERE id = $4 AND state = $5
	`, domain.LoanStateRejected, reason, decidedAt, id, domain.LoanStatePending)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: loan %s is not pending", ErrLoanStateConflict, id)
	}
	return nil
}

// ApplyLoanRepayment moves the payment from the borrower to the settlement
// destination, inserts the settlement transaction record, links it to the
// loan, persists the updated loan, and bumps the credit score on closure, all
// in one transaction. The record must commit with the balance move or the
// loan_repayments link has nothing to reference.
func (r *PostgresRepository) ApplyLoanRepayment(ctx context.Context, loan *domain.Loan, payment decimal.Decimal, settlement *domain.Transaction) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var state string
	err = tx.QueryRow(ctx, `SELECT state FROM loans WHERE id = $1 FOR UPDATE`, loan.ID).Scan(&state)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrLoanNotFound
		}
		return err
	}
	if state != domain.LoanStateActive {
		return fmt.Errorf("%w: loan %s is %s, not active", ErrLoanStateConflict, loan.ID, state)
	}

	if err := debitBalanceTx(ctx, tx, loan.Address, loan.Currency, payment); err != nil {
		return err
	}
	if err := creditBalanceTx(ctx, tx, settlement.Destination, loan.Currency, payment); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE loans SET state = $1, remaining_balance = $2, updated_at = $3 WHERE id = $4
	`, loan.State, loan.RemainingBalance, loan.UpdatedAt, loan.ID); err != nil {
		return err
	}

	if err := insertTransaction(ctx, tx, settlement); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO loan_repayments (loan_id, transaction_id, amount, created_at)
		VALUES ($1, $2, $3, $4)
	`, loan.ID, settlement.ID, payment, loan.UpdatedAt); err != nil {
		return err
	}

	if loan.State == domain.LoanStateRepaid {
		if _, err := tx.Exec(ctx, `
			UPDATE accounts
			SET credit_score = LEAST($1, credit_score + 1), updated_at = now()
			WHERE address = $2
		`, domain.CreditScoreMax, loan.Address); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// MarkLoanDefaulted finalizes an active loan as defaulted and decrements the
// borrower's credit score in the same transaction.
func (r *PostgresRepository) MarkLoanDefaulted(ctx context.Context, id uuid.UUID, observedAt time.Time) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var address string
	err = tx.QueryRow(ctx, `SELECT address FROM loans WHERE id = $1 AND state = $2 FOR UPDATE`, id, domain.LoanStateActive).Scan(&address)
	if err != nil {
		if err == pgx.ErrNoRows {
			return fmt.Errorf("%w: loan %s is not active", ErrLoanStateConflict, id)
		}
		return err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE loans SET state = $1, updated_at = $2 WHERE id = $3`,
		domain.LoanStateDefaulted, observedAt, id,
	); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE accounts
		SET credit_score = GREATEST($1, credit_score - 1), updated_at = now()
		WHERE address = $2
	`, domain.CreditScoreMin, address); err != nil {
		return err
	}

	return tx.Commit(ctx)
}
