package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/corridorpay/ledger-service/internal/domain"
	"github.com/corridorpay/ledger-service/internal/store"
)

func TestSavingsDepositAccruesOverFullYear(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "alice", domain.TierEnhanced, map[domain.Currency]string{domain.USD: "1000"})

	_, err := f.savings.Deposit(context.Background(), "alice", domain.SavingsRequest{Currency: "USD", Amount: "1000"})
	if err != nil {
		t.Fatalf("savings deposit failed: %v", err)
	}
	if got := f.balance(t, "alice", domain.USD); !got.IsZero() {
		t.Fatalf("expected spending balance drained, got %s", got)
	}

	f.setClock(f.now.Add(365 * 24 * time.Hour))

	position, err := f.savings.Position(context.Background(), "alice", domain.USD)
	if err != nil {
		t.Fatalf("position read failed: %v", err)
	}
	if !position.AccruedUnclaimed.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected 50 accrued after a year at 5%%, got %s", position.AccruedUnclaimed)
	}
	if !position.Principal.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("expected principal untouched at 1000, got %s", position.Principal)
	}
}

func TestSavingsSecondDepositDoesNotAccrueRetroactively(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "alice", domain.TierEnhanced, map[domain.Currency]string{domain.USD: "2000"})
	ctx := context.Background()

	if _, err := f.savings.Deposit(ctx, "alice", domain.SavingsRequest{Currency: "USD", Amount: "1000"}); err != nil {
		t.Fatalf("first deposit failed: %v", err)
	}

	// Half a year later the first 1000 has earned 25; the second 1000 must
	// start from zero.
	f.setClock(f.now.Add(365 * 12 * time.Hour))
	if _, err := f.savings.Deposit(ctx, "alice", domain.SavingsRequest{Currency: "USD", Amount: "1000"}); err != nil {
		t.Fatalf("second deposit failed: %v", err)
	}

	f.setClock(f.now.Add(365 * 12 * time.Hour))
	position, err := f.savings.Position(ctx, "alice", domain.USD)
	if err != nil {
		t.Fatalf("position read failed: %v", err)
	}
	// 25 carried + 2000 * 5% * half a year = 25 + 50.
	if !position.AccruedUnclaimed.Equal(decimal.NewFromInt(75)) {
		t.Fatalf("expected 75 accrued, got %s", position.AccruedUnclaimed)
	}
}

func TestSavingsWithdrawTakesInterestFirst(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "alice", domain.TierEnhanced, map[domain.Currency]string{domain.USD: "1000"})
	ctx := context.Background()

	if _, err := f.savings.Deposit(ctx, "alice", domain.SavingsRequest{Currency: "USD", Amount: "1000"}); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	f.setClock(f.now.Add(365 * 24 * time.Hour))

	// 30 comes entirely out of the 50 accrued; principal stays whole.
	position, err := f.savings.Withdraw(ctx, "alice", domain.SavingsRequest{Currency: "USD", Amount: "30"})
	if err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	if !position.Principal.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("expected principal intact at 1000, got %s", position.Principal)
	}
	if !position.AccruedUnclaimed.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("expected 20 interest left, got %s", position.AccruedUnclaimed)
	}
	if got := f.balance(t, "alice", domain.USD); !got.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("expected 30 back on the spending balance, got %s", got)
	}

	// 120 drains the remaining 20 interest then 100 principal.
	position, err = f.savings.Withdraw(ctx, "alice", domain.SavingsRequest{Currency: "USD", Amount: "120"})
	if err != nil {
		t.Fatalf("second withdraw failed: %v", err)
	}
	if !position.Principal.Equal(decimal.NewFromInt(900)) {
		t.Fatalf("expected principal 900, got %s", position.Principal)
	}
	if !position.AccruedUnclaimed.IsZero() {
		t.Fatalf("expected no interest left, got %s", position.AccruedUnclaimed)
	}
}

func TestSavingsWithdrawBeyondValueFails(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "alice", domain.TierEnhanced, map[domain.Currency]string{domain.USD: "100"})
	ctx := context.Background()

	if _, err := f.savings.Deposit(ctx, "alice", domain.SavingsRequest{Currency: "USD", Amount: "100"}); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	_, err := f.savings.Withdraw(ctx, "alice", domain.SavingsRequest{Currency: "USD", Amount: "150"})
	if !errors.Is(err, store.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestSavingsClaimYieldLeavesPrincipal(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "alice", domain.TierEnhanced, map[domain.Currency]string{domain.USD: "1000"})
	ctx := context.Background()

	if _, err := f.savings.Deposit(ctx, "alice", domain.SavingsRequest{Currency: "USD", Amount: "1000"}); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	f.setClock(f.now.Add(365 * 24 * time.Hour))

	position, yield, err := f.savings.ClaimYield(ctx, "alice", "USD")
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if !yield.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected 50 claimed, got %s", yield)
	}
	if !position.Principal.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("expected principal untouched, got %s", position.Principal)
	}
	if got := f.balance(t, "alice", domain.USD); !got.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected 50 on the spending balance, got %s", got)
	}

	// The claim reset the baseline; claiming again immediately yields zero.
	_, yield, err = f.savings.ClaimYield(ctx, "alice", "USD")
	if err != nil {
		t.Fatalf("second claim failed: %v", err)
	}
	if !yield.IsZero() {
		t.Fatalf("expected nothing to claim, got %s", yield)
	}
}

func TestSavingsFullWithdrawalDestroysPosition(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "alice", domain.TierEnhanced, map[domain.Currency]string{domain.USD: "100"})
	ctx := context.Background()

	if _, err := f.savings.Deposit(ctx, "alice", domain.SavingsRequest{Currency: "USD", Amount: "100"}); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if _, err := f.savings.Withdraw(ctx, "alice", domain.SavingsRequest{Currency: "USD", Amount: "100"}); err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}

	_, err := f.savings.Position(ctx, "alice", domain.USD)
	if !errors.Is(err, store.ErrPositionNotFound) {
		t.Fatalf("expected the exhausted position destroyed, got %v", err)
	}
	if got := f.balance(t, "alice", domain.USD); !got.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected the principal back, got %s", got)
	}
}

func TestSavingsClaimYieldRoundsToBalanceScale(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "alice", domain.TierEnhanced, map[domain.Currency]string{domain.USD: "1000"})
	ctx := context.Background()

	if _, err := f.savings.Deposit(ctx, "alice", domain.SavingsRequest{Currency: "USD", Amount: "1000"}); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	// 100 days at 5% accrues 1000 * 0.05 * 100/365 = 13.6986..., which cannot
	// land on a balance as-is.
	f.setClock(f.now.Add(100 * 24 * time.Hour))

	position, yield, err := f.savings.ClaimYield(ctx, "alice", "USD")
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if yield.String() != "13.69" {
		t.Fatalf("expected 13.69 claimed at balance scale, got %s", yield)
	}
	if got := f.balance(t, "alice", domain.USD); !got.Equal(decimal.RequireFromString("13.69")) {
		t.Fatalf("expected 13.69 on the spending balance, got %s", got)
	}
	if got := f.balance(t, "alice", domain.USD); got.Exponent() < -2 {
		t.Fatalf("balance carries sub-cent precision: %s", got)
	}
	if position.AccruedUnclaimed.IsNegative() {
		t.Fatalf("claim overdrew the unclaimed bucket: %s", position.AccruedUnclaimed)
	}

	// The sub-cent remainder stays with the position; an immediate second
	// claim has nothing whole to pay out.
	_, yield, err = f.savings.ClaimYield(ctx, "alice", "USD")
	if err != nil {
		t.Fatalf("second claim failed: %v", err)
	}
	if !yield.IsZero() {
		t.Fatalf("expected nothing to claim, got %s", yield)
	}
}

// savingsLookupFailingRepo forces a non-NotFound error from position lookup.
type savingsLookupFailingRepo struct {
	store.Repository
}

func (r *savingsLookupFailingRepo) FindSavingsPosition(ctx context.Context, address string, currency domain.Currency) (*domain.SavingsPosition, error) {
	return nil, errors.New("position lookup unavailable")
}

func TestSavingsDepositRefundsAllowanceOnLookupFailure(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "alice", domain.TierBasic, map[domain.Currency]string{domain.USD: "1000"})
	ctx := context.Background()

	broken := NewSavings(&savingsLookupFailingRepo{Repository: f.repo}, f.rates, f.gate, f.ledger, 500)
	broken.SetClock(func() time.Time { return f.now })

	if _, err := broken.Deposit(ctx, "alice", domain.SavingsRequest{Currency: "USD", Amount: "600"}); err == nil {
		t.Fatal("expected the deposit to fail")
	}

	// The failed deposit must not burn the daily allowance.
	day, _, err := f.gate.Usage(ctx, "alice")
	if err != nil {
		t.Fatalf("usage failed: %v", err)
	}
	if !day.IsZero() {
		t.Fatalf("expected allowance refunded, got %s consumed", day)
	}
	if err := f.gate.Consume(ctx, "alice", decimal.NewFromInt(1000)); err != nil {
		t.Fatalf("expected the full ceiling still available, got %v", err)
	}
}

func TestSavingsZeroAmountIsNoop(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "alice", domain.TierEnhanced, map[domain.Currency]string{domain.USD: "100"})
	ctx := context.Background()

	if _, err := f.savings.Deposit(ctx, "alice", domain.SavingsRequest{Currency: "USD", Amount: "100"}); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	position, err := f.savings.Deposit(ctx, "alice", domain.SavingsRequest{Currency: "USD", Amount: "0"})
	if err != nil {
		t.Fatalf("zero deposit should succeed, got %v", err)
	}
	if !position.Principal.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected principal unchanged, got %s", position.Principal)
	}

	if _, err := f.savings.Withdraw(ctx, "alice", domain.SavingsRequest{Currency: "USD", Amount: "0"}); err != nil {
		t.Fatalf("zero withdraw should succeed, got %v", err)
	}
}
