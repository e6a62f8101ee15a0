/**
 * @description
 * This file implements the `Savings` service. A savings position earns simple
 * interest at a process-wide APY, computed lazily from timestamps on every
 * read and write rather than by a background accrual job. Each mutation first
 * settles interest earned to date into the position's unclaimed bucket and
 * resets the accrual baseline, so interest never compounds and a deposit
 * never earns retroactively.
 *
 * @notes
 * - Withdrawals are satisfied interest-first, then principal.
 * - A position whose principal and unclaimed interest both reach zero is
 *   destroyed by the repository.
 * - Zero-amount deposits and withdrawals are a no-op success.
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
)

// Savings is the savings engine.
type Savings struct {
	repo           store.Repository
	rates          RateSource
	gate           *Gate
	ledger         *Ledger
	apyBasisPoints int64
	now            func() time.Time
}

// NewSavings creates the engine. apyBasisPoints is the platform-wide APY
// applied to every position (500 = 5%).
func NewSavings(repo store.Repository, rates RateSource, gate *Gate, ledger *Ledger, apyBasisPoints int64) *Savings {
	return &Savings{
		repo:           repo,
		rates:          rates,
		gate:           gate,
		ledger:         ledger,
		apyBasisPoints: apyBasisPoints,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source. Test hook.
func (s *Savings) SetClock(now func() time.Time) {
	s.now = now
}

// Deposit moves funds from the account's spending balance into its savings
// position for the currency, creating the position on first use.
func (s *Savings) Deposit(ctx context.Context, address string, req domain.SavingsRequest) (*domain.SavingsPosition, error) {
	currency, amount, err := s.parse(req)
	if err != nil {
		return nil, err
	}
	if amount.IsZero() {
		return s.Position(ctx, address, currency)
	}

	usdValue, err := s.numeraireValue(amount, currency)
	if err != nil {
		return nil, err
	}
	if err := s.gate.Consume(ctx, address, usdValue); err != nil {
		return nil, err
	}

	now := s.now()
	position, err := s.repo.FindSavingsPosition(ctx, address, currency)
	switch {
	case err == nil:
		// Settle accrual on the old principal before it changes, so the new
		// deposit starts earning only from now.
		position.AccruedUnclaimed = position.InterestAt(now)
		position.Principal = position.Principal.Add(amount)
		position.AccrualStart = now
		position.UpdatedAt = now
	case errors.Is(err, store.ErrPositionNotFound):
		position = &domain.SavingsPosition{
			Address:          address,
			Currency:         currency,
			Principal:        amount,
			APYBasisPoints:   s.apyBasisPoints,
			AccrualStart:     now,
			AccruedUnclaimed: decimal.Zero,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
	default:
		s.gate.Release(ctx, address, usdValue)
		return nil, err
	}

	if err := s.repo.ApplySavingsChange(ctx, position, amount.Neg()); err != nil {
		s.gate.Release(ctx, address, usdValue)
		return nil, err
	}
	s.record(ctx, address, domain.TxKindSavingsDeposit, currency, amount)
	log.Printf("level=info component=savings msg=\"deposit\" address=%s currency=%s amount=%s principal=%s", address, currency, amount, position.Principal)
	return position, nil
}

// Withdraw moves funds from the savings position back to the spending
// balance, taking accrued interest before principal. The remaining principal
// restarts accrual from now.
func (s *Savings) Withdraw(ctx context.Context, address string, req domain.SavingsRequest) (*domain.SavingsPosition, error) {
	currency, amount, err := s.parse(req)
	if err != nil {
		return nil, err
	}
	if amount.IsZero() {
		return s.Position(ctx, address, currency)
	}

	position, err := s.repo.FindSavingsPosition(ctx, address, currency)
	if err != nil {
		return nil, err
	}

	now := s.now()
	available := position.InterestAt(now)
	total := position.Principal.Add(available)
	if amount.GreaterThan(total) {
		return nil, fmt.Errorf("%w: savings %s balance %s below requested %s", store.ErrInsufficientFunds, currency, total, amount)
	}

	usdValue, err := s.numeraireValue(amount, currency)
	if err != nil {
		return nil, err
	}
	if err := s.gate.Consume(ctx, address, usdValue); err != nil {
		return nil, err
	}

	// Interest first, then principal.
	fromInterest := decimal.Min(amount, available)
	fromPrincipal := amount.Sub(fromInterest)
	position.AccruedUnclaimed = available.Sub(fromInterest)
	position.Principal = position.Principal.Sub(fromPrincipal)
	position.AccrualStart = now
	position.UpdatedAt = now

	if err := s.repo.ApplySavingsChange(ctx, position, amount); err != nil {
		s.gate.Release(ctx, address, usdValue)
		return nil, err
	}
	s.record(ctx, address, domain.TxKindSavingsWithdraw, currency, amount)
	log.Printf("level=info component=savings msg=\"withdrawal\" address=%s currency=%s amount=%s from_interest=%s principal=%s", address, currency, amount, fromInterest, position.Principal)
	return position, nil
}

// ClaimYield moves only the accrued interest to the spending balance, leaving
// principal in place and restarting accrual from now.
func (s *Savings) ClaimYield(ctx context.Context, address string, currencyCode string) (*domain.SavingsPosition, decimal.Decimal, error) {
	currency, err := domain.ParseCurrency(currencyCode)
	if err != nil {
		return nil, decimal.Zero, err
	}

	position, err := s.repo.FindSavingsPosition(ctx, address, currency)
	if err != nil {
		return nil, decimal.Zero, err
	}

	now := s.now()
	accrued := position.InterestAt(now)
	// Only whole cents that fully accrued can land on the ledger; the
	// sub-cent remainder stays in the unclaimed bucket for a later claim.
	yield := domain.FloorBalance(accrued)
	if !yield.IsPositive() {
		return s.view(position), decimal.Zero, nil
	}

	usdValue, err := s.numeraireValue(yield, currency)
	if err != nil {
		return nil, decimal.Zero, err
	}
	if err := s.gate.Consume(ctx, address, usdValue); err != nil {
		return nil, decimal.Zero, err
	}

	position.AccruedUnclaimed = accrued.Sub(yield)
	position.AccrualStart = now
	position.UpdatedAt = now

	if err := s.repo.ApplySavingsChange(ctx, position, yield); err != nil {
		s.gate.Release(ctx, address, usdValue)
		return nil, decimal.Zero, err
	}
	s.record(ctx, address, domain.TxKindYieldClaim, currency, yield)
	log.Printf("level=info component=savings msg=\"yield claimed\" address=%s currency=%s yield=%s", address, currency, yield)
	return position, yield, nil
}

// Position returns a lazily-accrued view of one position: the stored fields
// plus interest computed as of now folded into the unclaimed bucket.
func (s *Savings) Position(ctx context.Context, address string, currency domain.Currency) (*domain.SavingsPosition, error) {
	position, err := s.repo.FindSavingsPosition(ctx, address, currency)
	if err != nil {
		return nil, err
	}
	return s.view(position), nil
}

// ListPositions returns lazily-accrued views of every position the account
// holds.
func (s *Savings) ListPositions(ctx context.Context, address string) ([]domain.SavingsPosition, error) {
	positions, err := s.repo.ListSavingsPositions(ctx, address)
	if err != nil {
		return nil, err
	}
	views := make([]domain.SavingsPosition, 0, len(positions))
	for i := range positions {
		views = append(views, *s.view(&positions[i]))
	}
	return views, nil
}

// view folds current accrual into the unclaimed bucket without persisting.
func (s *Savings) view(position *domain.SavingsPosition) *domain.SavingsPosition {
	now := s.now()
	copied := *position
	copied.AccruedUnclaimed = position.InterestAt(now)
	copied.AccrualStart = now
	return &copied
}

func (s *Savings) parse(req domain.SavingsRequest) (domain.Currency, decimal.Decimal, error) {
	currency, err := domain.ParseCurrency(req.Currency)
	if err != nil {
		return "", decimal.Zero, err
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return "", decimal.Zero, fmt.Errorf("%w: %q is not a number", ErrInvalidAmount, req.Amount)
	}
	if amount.IsNegative() {
		return "", decimal.Zero, fmt.Errorf("%w: amount must not be negative, got %s", ErrInvalidAmount, amount)
	}
	return currency, amount, nil
}

func (s *Savings) numeraireValue(amount decimal.Decimal, currency domain.Currency) (decimal.Decimal, error) {
	rate, err := s.rates.Rate(currency)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Div(rate), nil
}

// record writes an audit transaction for a savings movement. The balance
// mutation has already committed; the record is the movement's audit trail.
func (s *Savings) record(ctx context.Context, address, kind string, currency domain.Currency, amount decimal.Decimal) {
	now := s.now()
	tx := &domain.Transaction{
		ID:           uuid.New(),
		Reference:    uuid.NewString(),
		Kind:         kind,
		Source:       address,
		Destination:  address,
		FromCurrency: currency,
		ToCurrency:   currency,
		Amount:       amount,
		Fee:          decimal.Zero,
		Status:       domain.TxStatusSuccess,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.CreateTransaction(ctx, tx); err != nil {
		log.Printf("level=error component=savings msg=\"failed to record movement\" address=%s kind=%s error=%q", address, kind, err)
		return
	}
	s.ledger.publishTransaction(ctx, tx)
}
