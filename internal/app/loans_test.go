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

// seedBorrower creates a borrower at a specific credit score.
func (f *fixture) seedBorrower(t *testing.T, address string, score int, balances map[domain.Currency]string) {
	t.Helper()
	ctx := context.Background()
	err := f.repo.CreateAccount(ctx, &domain.Account{
		Address:     address,
		Balances:    map[domain.Currency]decimal.Decimal{},
		KYCTier:     domain.TierEnhanced,
		CreditScore: score,
		CreatedAt:   f.now,
		UpdatedAt:   f.now,
	})
	if err != nil {
		t.Fatalf("seed borrower %s: %v", address, err)
	}
	for currency, amount := range balances {
		if err := f.repo.CreditBalance(ctx, address, currency, decimal.RequireFromString(amount)); err != nil {
			t.Fatalf("seed balance %s: %v", address, err)
		}
	}
}

func (f *fixture) creditScore(t *testing.T, address string) int {
	t.Helper()
	account, err := f.repo.FindAccountByAddress(context.Background(), address)
	if err != nil {
		t.Fatalf("find account %s: %v", address, err)
	}
	return account.CreditScore
}

func TestLoanApplyPricesFromCreditScore(t *testing.T) {
	f := newFixture(t)
	// Score 465 prices at exactly 12%.
	f.seedBorrower(t, "dana", 465, nil)

	loan, err := f.loans.Apply(context.Background(), "dana", domain.LoanApplication{
		Amount:   "1000",
		Currency: "USD",
		TermDays: 180,
		Purpose:  "inventory restock",
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if loan.State != domain.LoanStatePending {
		t.Fatalf("expected pending, got %s", loan.State)
	}
	if loan.APRBasisPoints != 1200 {
		t.Fatalf("expected 1200 bps for score 465, got %d", loan.APRBasisPoints)
	}

	// A second application while one is open must fail.
	_, err = f.loans.Apply(context.Background(), "dana", domain.LoanApplication{
		Amount: "500", Currency: "USD", TermDays: 90, Purpose: "more inventory",
	})
	if !errors.Is(err, store.ErrLoanStateConflict) {
		t.Fatalf("expected open-loan conflict, got %v", err)
	}
}

func TestLoanApplyBounds(t *testing.T) {
	f := newFixture(t)
	f.seedBorrower(t, "dana", 600, nil)

	tests := []struct {
		name     string
		amount   string
		currency string
		termDays int
		want     error
	}{
		{name: "below minimum", amount: "10", currency: "USD", termDays: 30, want: ErrInvalidAmount},
		{name: "above maximum", amount: "6000", currency: "USD", termDays: 30, want: ErrInvalidAmount},
		{name: "above maximum in local currency", amount: "100000", currency: "MXN", termDays: 30, want: ErrInvalidAmount},
		{name: "zero term", amount: "1000", currency: "USD", termDays: 0, want: ErrInvalidAmount},
		{name: "unknown currency", amount: "1000", currency: "XXX", termDays: 30, want: domain.ErrInvalidCurrency},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.loans.Apply(context.Background(), "dana", domain.LoanApplication{
				Amount: tt.amount, Currency: tt.currency, TermDays: tt.termDays, Purpose: "x",
			})
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestLoanApproveDisbursesFromReserve(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, testReserve, domain.TierPremium, map[domain.Currency]string{domain.USD: "10000"})
	f.seedBorrower(t, "dana", 465, nil)
	ctx := context.Background()

	loan, err := f.loans.Apply(ctx, "dana", domain.LoanApplication{
		Amount: "1000", Currency: "USD", TermDays: 180, Purpose: "inventory restock",
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	// A non-operator cannot approve.
	_, err = f.loans.Approve(ctx, "dana", loan.ID)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	approved, err := f.loans.Approve(ctx, "ops-admin", loan.ID)
	if err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if approved.State != domain.LoanStateActive {
		t.Fatalf("expected active, got %s", approved.State)
	}
	if approved.RemainingBalance.String() != "1059.18" {
		t.Fatalf("expected 1059.18 owed at 12%% over 180 days, got %s", approved.RemainingBalance)
	}
	if approved.Deadline == nil || !approved.Deadline.Equal(f.now.Add(180*24*time.Hour)) {
		t.Fatalf("expected deadline 180 days out, got %v", approved.Deadline)
	}

	if got := f.balance(t, "dana", domain.USD); !got.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("expected borrower credited 1000, got %s", got)
	}
	if got := f.balance(t, testReserve, domain.USD); !got.Equal(decimal.NewFromInt(9000)) {
		t.Fatalf("expected reserve debited to 9000, got %s", got)
	}
}

func TestLoanApproveFailsOnUnderfundedReserve(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, testReserve, domain.TierPremium, map[domain.Currency]string{domain.USD: "100"})
	f.seedBorrower(t, "dana", 600, nil)
	ctx := context.Background()

	loan, err := f.loans.Apply(ctx, "dana", domain.LoanApplication{
		Amount: "1000", Currency: "USD", TermDays: 90, Purpose: "x",
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	_, err = f.loans.Approve(ctx, "ops-admin", loan.ID)
	if !errors.Is(err, store.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	refetched, err := f.loans.Get(ctx, loan.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if refetched.State != domain.LoanStatePending {
		t.Fatalf("expected loan still pending, got %s", refetched.State)
	}
	if got := f.balance(t, "dana", domain.USD); !got.IsZero() {
		t.Fatalf("expected no disbursement, got %s", got)
	}
}

func TestLoanRejectIsTerminal(t *testing.T) {
	f := newFixture(t)
	f.seedBorrower(t, "dana", 600, nil)
	ctx := context.Background()

	loan, err := f.loans.Apply(ctx, "dana", domain.LoanApplication{
		Amount: "1000", Currency: "USD", TermDays: 90, Purpose: "x",
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	rejected, err := f.loans.Reject(ctx, "ops-admin", loan.ID, "insufficient history")
	if err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	if rejected.State != domain.LoanStateRejected {
		t.Fatalf("expected rejected, got %s", rejected.State)
	}
	if rejected.RejectionReason == nil || *rejected.RejectionReason != "insufficient history" {
		t.Fatalf("expected audit reason recorded, got %v", rejected.RejectionReason)
	}

	if _, err := f.loans.Approve(ctx, "ops-admin", loan.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected terminal loan to refuse approval, got %v", err)
	}

	// A rejected loan no longer blocks a fresh application.
	if _, err := f.loans.Apply(ctx, "dana", domain.LoanApplication{
		Amount: "500", Currency: "USD", TermDays: 60, Purpose: "y",
	}); err != nil {
		t.Fatalf("apply after rejection failed: %v", err)
	}
}

func TestLoanRepaymentClosesAndRaisesScore(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, testReserve, domain.TierPremium, map[domain.Currency]string{domain.USD: "10000"})
	f.seedBorrower(t, "dana", 465, map[domain.Currency]string{domain.USD: "500"})
	ctx := context.Background()

	loan, err := f.loans.Apply(ctx, "dana", domain.LoanApplication{
		Amount: "1000", Currency: "USD", TermDays: 180, Purpose: "inventory restock",
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if _, err := f.loans.Approve(ctx, "ops-admin", loan.ID); err != nil {
		t.Fatalf("approve failed: %v", err)
	}

	partial, err := f.loans.Repay(ctx, "dana", loan.ID, domain.LoanRepaymentRequest{Amount: "500"})
	if err != nil {
		t.Fatalf("partial repayment failed: %v", err)
	}
	if partial.State != domain.LoanStateActive {
		t.Fatalf("expected still active, got %s", partial.State)
	}
	if partial.RemainingBalance.String() != "559.18" {
		t.Fatalf("expected 559.18 remaining, got %s", partial.RemainingBalance)
	}
	if len(partial.RepaymentRefs) != 1 {
		t.Fatalf("expected a settlement reference recorded, got %d", len(partial.RepaymentRefs))
	}

	// Overpaying clamps at the remaining balance.
	closed, err := f.loans.Repay(ctx, "dana", loan.ID, domain.LoanRepaymentRequest{Amount: "1000"})
	if err != nil {
		t.Fatalf("final repayment failed: %v", err)
	}
	if closed.State != domain.LoanStateRepaid {
		t.Fatalf("expected repaid, got %s", closed.State)
	}
	if !closed.RemainingBalance.IsZero() {
		t.Fatalf("expected zero remaining, got %s", closed.RemainingBalance)
	}

	// Borrower: 500 seed + 1000 principal - 500 - 559.18.
	if got := f.balance(t, "dana", domain.USD); got.String() != "440.82" {
		t.Fatalf("expected 440.82 left, got %s", got)
	}
	// Reserve: 10000 - 1000 disbursed + 500 + 559.18 repaid. Repayments must
	// revolve back into the reserve, not vanish.
	if got := f.balance(t, testReserve, domain.USD); got.String() != "10059.18" {
		t.Fatalf("expected reserve at 10059.18, got %s", got)
	}
	if score := f.creditScore(t, "dana"); score != 466 {
		t.Fatalf("expected score raised to 466, got %d", score)
	}

	// The settlement references resolve to real ledger records naming the
	// reserve as the destination of the payment.
	for _, ref := range closed.RepaymentRefs {
		record, err := f.repo.FindTransactionByID(ctx, ref)
		if err != nil {
			t.Fatalf("settlement ref %s unresolvable: %v", ref, err)
		}
		if record.Kind != domain.TxKindLoanRepayment {
			t.Fatalf("expected loan_repayment record, got %s", record.Kind)
		}
		if record.Source != "dana" || record.Destination != testReserve {
			t.Fatalf("expected payment dana -> %s, got %s -> %s", testReserve, record.Source, record.Destination)
		}
	}

	if _, err := f.loans.Repay(ctx, "dana", loan.ID, domain.LoanRepaymentRequest{Amount: "1"}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected repaid loan to refuse repayment, got %v", err)
	}
}

func TestLoanLazyDefaultLowersScore(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, testReserve, domain.TierPremium, map[domain.Currency]string{domain.USD: "10000"})
	f.seedBorrower(t, "dana", 600, nil)
	ctx := context.Background()

	loan, err := f.loans.Apply(ctx, "dana", domain.LoanApplication{
		Amount: "1000", Currency: "USD", TermDays: 30, Purpose: "x",
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if _, err := f.loans.Approve(ctx, "ops-admin", loan.ID); err != nil {
		t.Fatalf("approve failed: %v", err)
	}

	f.setClock(f.now.Add(31 * 24 * time.Hour))

	observed, err := f.loans.Get(ctx, loan.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if observed.State != domain.LoanStateDefaulted {
		t.Fatalf("expected defaulted on first interaction past deadline, got %s", observed.State)
	}
	if score := f.creditScore(t, "dana"); score != 599 {
		t.Fatalf("expected score lowered to 599, got %d", score)
	}

	if _, err := f.loans.Repay(ctx, "dana", loan.ID, domain.LoanRepaymentRequest{Amount: "100"}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected defaulted loan to refuse repayment, got %v", err)
	}

	// A defaulted loan no longer blocks a fresh application.
	if _, err := f.loans.Apply(ctx, "dana", domain.LoanApplication{
		Amount: "200", Currency: "USD", TermDays: 30, Purpose: "y",
	}); err != nil {
		t.Fatalf("apply after default failed: %v", err)
	}
}

func TestLoanRepayByStranger(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, testReserve, domain.TierPremium, map[domain.Currency]string{domain.USD: "10000"})
	f.seedBorrower(t, "dana", 600, nil)
	f.seedBorrower(t, "mallory", 600, map[domain.Currency]string{domain.USD: "1000"})
	ctx := context.Background()

	loan, err := f.loans.Apply(ctx, "dana", domain.LoanApplication{
		Amount: "1000", Currency: "USD", TermDays: 90, Purpose: "x",
	})
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if _, err := f.loans.Approve(ctx, "ops-admin", loan.ID); err != nil {
		t.Fatalf("approve failed: %v", err)
	}

	_, err = f.loans.Repay(ctx, "mallory", loan.ID, domain.LoanRepaymentRequest{Amount: "100"})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}
