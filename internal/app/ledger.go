/**
 * @description
 * This file implements the `Ledger` service, the remittance and exchange
 * engine. It is the only component that initiates user-facing balance
 * mutations: deposits, withdrawals, and the core transfer primitive (which
 * also performs same-account currency exchange). Every operation follows the
 * same shape: validate inputs, price the movement against the rate cache,
 * write a pending transaction record, consume KYC allowance, apply the
 * balance mutation atomically, and settle the record to success or failed.
 *
 * @notes
 * - The transaction record is created before any balance changes; a failed
 *   precondition after that point finalizes the record as `failed` with the
 *   violated invariant as the reason, and leaves balances untouched.
 * - The caller-supplied reference is the idempotency identity: re-submitting
 *   a reference returns the original record without re-executing.
 * - The 0.5%-of-gross transfer fee is debited on top of the gross amount and
 *   credited to the platform reserve account, so no value leaves the ledger
 *   unaccounted.
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

// externalParty is the counterparty recorded on deposits and withdrawals,
// where the other side of the movement settles off-ledger at the gateway.
const externalParty = "external"

// Ledger is the remittance & exchange engine.
type Ledger struct {
	repo           store.Repository
	rates          RateSource
	gate           *Gate
	publisher      rabbitmq.Publisher
	reserveAddress string
	feeBasisPoints int64
	now            func() time.Time
}

// NewLedger creates the engine. feeBasisPoints is the transfer fee in basis
// points of the gross amount (50 = 0.5%).
func NewLedger(repo store.Repository, rates RateSource, gate *Gate, publisher rabbitmq.Publisher, reserveAddress string, feeBasisPoints int64) *Ledger {
	return &Ledger{
		repo:           repo,
		rates:          rates,
		gate:           gate,
		publisher:      publisher,
		reserveAddress: reserveAddress,
		feeBasisPoints: feeBasisPoints,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source. Test hook.
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

// CreateAccount provisions a new account with zeroed balances, the default
// credit score, and no verification tier. The KYC vendor workflow raises the
// tier later; until then every money-moving operation is denied by the gate.
func (l *Ledger) CreateAccount(ctx context.Context, address string) (*domain.Account, error) {
	if address == "" {
		return nil, fmt.Errorf("create account: address required")
	}

	now := l.now()
	account := &domain.Account{
		Address:     address,
		Balances:    map[domain.Currency]decimal.Decimal{},
		KYCTier:     domain.TierNone,
		CreditScore: domain.CreditScoreDefault,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := l.repo.CreateAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("create account %s: %w", address, err)
	}

	log.Printf("level=info component=ledger msg=\"account created\" address=%s", address)
	return account, nil
}

// GetAccount returns the account with its balances.
func (l *Ledger) GetAccount(ctx context.Context, address string) (*domain.Account, error) {
	return l.repo.FindAccountByAddress(ctx, address)
}

// Deposit credits an externally settled amount to the account. No fee, but
// the deposit counts against the KYC ceilings like any other movement.
func (l *Ledger) Deposit(ctx context.Context, address string, req domain.DepositRequest) (*domain.Transaction, error) {
	currency, amount, err := l.parseMovement(req.Currency, req.Amount)
	if err != nil {
		return nil, err
	}
	if _, err := l.repo.FindAccountByAddress(ctx, address); err != nil {
		return nil, err
	}

	usdValue, err := l.numeraireValue(amount, currency)
	if err != nil {
		return nil, err
	}

	tx, done, err := l.beginTransaction(ctx, &domain.Transaction{
		Reference:    req.Reference,
		Kind:         domain.TxKindDeposit,
		Source:       externalParty,
		Destination:  address,
		FromCurrency: currency,
		ToCurrency:   currency,
		Amount:       amount,
		Fee:          decimal.Zero,
	})
	if err != nil || done {
		return tx, err
	}

	if err := l.gate.Consume(ctx, address, usdValue); err != nil {
		return l.settleFailed(ctx, tx, err)
	}
	if err := l.repo.CreditBalance(ctx, address, currency, amount); err != nil {
		l.gate.Release(ctx, address, usdValue)
		return l.settleFailed(ctx, tx, err)
	}

	return l.settleSucceeded(ctx, tx)
}

// Withdraw debits a balance off the ledger for external settlement.
func (l *Ledger) Withdraw(ctx context.Context, address string, req domain.WithdrawRequest) (*domain.Transaction, error) {
	currency, amount, err := l.parseMovement(req.Currency, req.Amount)
	if err != nil {
		return nil, err
	}
	if _, err := l.repo.FindAccountByAddress(ctx, address); err != nil {
		return nil, err
	}

	usdValue, err := l.numeraireValue(amount, currency)
	if err != nil {
		return nil, err
	}

	tx, done, err := l.beginTransaction(ctx, &domain.Transaction{
		Reference:    req.Reference,
		Kind:         domain.TxKindWithdrawal,
		Source:       address,
		Destination:  externalParty,
		FromCurrency: currency,
		ToCurrency:   currency,
		Amount:       amount,
		Fee:          decimal.Zero,
	})
	if err != nil || done {
		return tx, err
	}

	if err := l.gate.Consume(ctx, address, usdValue); err != nil {
		return l.settleFailed(ctx, tx, err)
	}
	if err := l.repo.DebitBalance(ctx, address, currency, amount); err != nil {
		l.gate.Release(ctx, address, usdValue)
		return l.settleFailed(ctx, tx, err)
	}

	return l.settleSucceeded(ctx, tx)
}

// Transfer moves value from the sender to a recipient, converting currency
// when the destination currency differs. With sender == recipient it performs
// a same-account exchange. The sender is debited gross + fee in the source
// currency; the recipient is credited the converted gross; the fee is
// credited to the platform reserve.
func (l *Ledger) Transfer(ctx context.Context, sender string, req domain.TransferRequest) (*domain.Transaction, error) {
	// 1. Validate inputs before touching any state.
	if req.Recipient == "" {
		return nil, fmt.Errorf("transfer: recipient required")
	}
	fromCurrency, amount, err := l.parseMovement(req.FromCurrency, req.Amount)
	if err != nil {
		return nil, err
	}
	toCurrency, err := domain.ParseCurrency(req.ToCurrency)
	if err != nil {
		return nil, err
	}
	if _, err := l.repo.FindAccountByAddress(ctx, sender); err != nil {
		return nil, fmt.Errorf("sender %s: %w", sender, err)
	}
	if req.Recipient != sender {
		if _, err := l.repo.FindAccountByAddress(ctx, req.Recipient); err != nil {
			return nil, fmt.Errorf("recipient %s: %w", req.Recipient, err)
		}
	}

	// 2. Price the movement. Both legs must have a fresh rate.
	fromRate, err := l.rates.Rate(fromCurrency)
	if err != nil {
		return nil, err
	}
	toRate, err := l.rates.Rate(toCurrency)
	if err != nil {
		return nil, err
	}
	crossRate := toRate.Div(fromRate)
	fee := domain.RoundBalance(amount.Mul(domain.FromBasisPoints(l.feeBasisPoints)))
	creditAmount := domain.RoundBalance(amount.Mul(crossRate))
	usdValue := amount.Div(fromRate)

	kind := domain.TxKindTransfer
	if req.Recipient == sender && fromCurrency != toCurrency {
		kind = domain.TxKindExchange
	}

	// 3. Record the movement as pending before any balances change.
	tx, done, err := l.beginTransaction(ctx, &domain.Transaction{
		Reference:    req.Reference,
		Kind:         kind,
		Source:       sender,
		Destination:  req.Recipient,
		FromCurrency: fromCurrency,
		ToCurrency:   toCurrency,
		Amount:       amount,
		Fee:          fee,
		CrossRate:    crossRate,
	})
	if err != nil || done {
		return tx, err
	}

	// 4. Consume KYC allowance, then apply the debit and credit legs as one
	// atomic unit. Any failure finalizes the record and leaves balances
	// untouched.
	if err := l.gate.Consume(ctx, sender, usdValue); err != nil {
		return l.settleFailed(ctx, tx, err)
	}

	debits := []store.BalanceMove{{Address: sender, Currency: fromCurrency, Amount: amount.Add(fee)}}
	credits := []store.BalanceMove{{Address: req.Recipient, Currency: toCurrency, Amount: creditAmount}}
	if fee.IsPositive() {
		credits = append(credits, store.BalanceMove{Address: l.reserveAddress, Currency: fromCurrency, Amount: fee})
	}
	if err := l.repo.MoveBalances(ctx, debits, credits); err != nil {
		l.gate.Release(ctx, sender, usdValue)
		return l.settleFailed(ctx, tx, err)
	}

	return l.settleSucceeded(ctx, tx)
}

// GetTransaction returns a single transaction record by id.
func (l *Ledger) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	return l.repo.FindTransactionByID(ctx, id)
}

// ListTransactions returns the account's transaction history, newest first.
func (l *Ledger) ListTransactions(ctx context.Context, address string, limit, offset int) ([]domain.Transaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return l.repo.ListTransactionsByAddress(ctx, address, limit, offset)
}

// parseMovement validates a currency code and a positive decimal amount.
func (l *Ledger) parseMovement(currencyCode, rawAmount string) (domain.Currency, decimal.Decimal, error) {
	currency, err := domain.ParseCurrency(currencyCode)
	if err != nil {
		return "", decimal.Zero, err
	}
	amount, err := decimal.NewFromString(rawAmount)
	if err != nil {
		return "", decimal.Zero, fmt.Errorf("%w: %q is not a number", ErrInvalidAmount, rawAmount)
	}
	if !amount.IsPositive() {
		return "", decimal.Zero, fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidAmount, amount)
	}
	return currency, amount, nil
}

// numeraireValue converts an amount to the numeraire for KYC accounting.
func (l *Ledger) numeraireValue(amount decimal.Decimal, currency domain.Currency) (decimal.Decimal, error) {
	rate, err := l.rates.Rate(currency)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Div(rate), nil
}

// beginTransaction persists the pending record and publishes the pending
// event. When the reference was already used it returns the original record
// with done=true: the caller-level retry contract is that an identical
// logical movement is not re-executed.
func (l *Ledger) beginTransaction(ctx context.Context, tx *domain.Transaction) (*domain.Transaction, bool, error) {
	if tx.Reference == "" {
		tx.Reference = uuid.NewString()
	}
	now := l.now()
	tx.ID = uuid.New()
	tx.Status = domain.TxStatusPending
	tx.CreatedAt = now
	tx.UpdatedAt = now

	if err := l.repo.CreateTransaction(ctx, tx); err != nil {
		if errors.Is(err, store.ErrDuplicateReference) {
			existing, findErr := l.repo.FindTransactionByReference(ctx, tx.Reference)
			if findErr != nil {
				return nil, false, fmt.Errorf("reference %s already used: %w", tx.Reference, findErr)
			}
			log.Printf("level=info component=ledger msg=\"replaying transaction by reference\" reference=%s status=%s", tx.Reference, existing.Status)
			return existing, true, nil
		}
		return nil, false, fmt.Errorf("record transaction: %w", err)
	}

	l.publishTransaction(ctx, tx)
	return tx, false, nil
}

// settleSucceeded finalizes a pending record as success.
func (l *Ledger) settleSucceeded(ctx context.Context, tx *domain.Transaction) (*domain.Transaction, error) {
	if err := l.repo.MarkTransactionSucceeded(ctx, tx.ID); err != nil {
		// The balance mutation committed; the record status is repairable.
		log.Printf("level=error component=ledger msg=\"failed to finalize transaction\" id=%s error=%q", tx.ID, err)
		return tx, fmt.Errorf("finalize transaction %s: %w", tx.ID, err)
	}
	tx.Status = domain.TxStatusSuccess
	tx.UpdatedAt = l.now()
	l.publishTransaction(ctx, tx)
	log.Printf("level=info component=ledger msg=\"transaction settled\" id=%s kind=%s reference=%s amount=%s fee=%s", tx.ID, tx.Kind, tx.Reference, tx.Amount, tx.Fee)
	return tx, nil
}

// settleFailed finalizes a pending record as failed with the violated
// invariant as the reason, and returns that cause to the caller.
func (l *Ledger) settleFailed(ctx context.Context, tx *domain.Transaction, cause error) (*domain.Transaction, error) {
	reason := cause.Error()
	if err := l.repo.MarkTransactionFailed(ctx, tx.ID, reason); err != nil {
		log.Printf("level=error component=ledger msg=\"failed to finalize transaction\" id=%s error=%q", tx.ID, err)
	} else {
		tx.Status = domain.TxStatusFailed
		tx.FailureReason = &reason
		tx.UpdatedAt = l.now()
		l.publishTransaction(ctx, tx)
	}
	log.Printf("level=warn component=ledger msg=\"transaction rejected\" id=%s kind=%s reference=%s reason=%q", tx.ID, tx.Kind, tx.Reference, reason)
	return tx, cause
}

// publishTransaction emits the lifecycle event. Event emission is best
// effort and never part of the transactional unit.
func (l *Ledger) publishTransaction(ctx context.Context, tx *domain.Transaction) {
	event := domain.TransactionEvent{
		TransactionID: tx.ID,
		Reference:     tx.Reference,
		Kind:          tx.Kind,
		Source:        tx.Source,
		Destination:   tx.Destination,
		FromCurrency:  tx.FromCurrency,
		ToCurrency:    tx.ToCurrency,
		Amount:        tx.Amount,
		Fee:           tx.Fee,
		Status:        tx.Status,
		Timestamp:     l.now(),
	}
	if tx.FailureReason != nil {
		event.FailureReason = *tx.FailureReason
	}
	routingKey := "ledger.transaction." + tx.Status
	if err := l.publisher.Publish(ctx, rabbitmq.LedgerExchange, routingKey, event); err != nil {
		log.Printf("level=error component=ledger msg=\"failed to publish event\" routing_key=%s error=%q", routingKey, err)
	}
}
