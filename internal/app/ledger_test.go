package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/corridorpay/ledger-service/internal/domain"
	"github.com/corridorpay/ledger-service/internal/store"
	"github.com/corridorpay/ledger-service/pkg/rabbitmq"
)

const testReserve = "platform-reserve"

// fixture wires the engines over the in-memory repository with frozen rates
// and a frozen clock.
type fixture struct {
	repo    *store.MemoryRepository
	rates   *RateCache
	quotes  map[string]decimal.Decimal
	gate    *Gate
	ledger  *Ledger
	savings *Savings
	loans   *Loans
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	repo := store.NewMemoryRepository()
	quotes := map[string]decimal.Decimal{
		"USD": decimal.NewFromInt(1),
		"MXN": decimal.RequireFromString("18.5"),
		"BRL": decimal.RequireFromString("5.2"),
	}
	rates := NewRateCache(5 * time.Minute)
	rates.SetClock(clock)
	rates.SetRates(quotes)

	gate := NewGate(repo)
	gate.SetClock(clock)

	operators := NewOperatorRegistry([]string{"ops-admin"})
	ledger := NewLedger(repo, rates, gate, rabbitmq.NopPublisher{}, testReserve, 50)
	ledger.SetClock(clock)
	savings := NewSavings(repo, rates, gate, ledger, 500)
	savings.SetClock(clock)
	loans := NewLoans(repo, rates, gate, operators, rabbitmq.NopPublisher{}, testReserve)
	loans.SetClock(clock)

	return &fixture{repo: repo, rates: rates, quotes: quotes, gate: gate, ledger: ledger, savings: savings, loans: loans, now: now}
}

// setClock moves every engine clock at once and refreshes the rate table so
// only staleness tests see stale quotes.
func (f *fixture) setClock(now time.Time) {
	clock := func() time.Time { return now }
	f.rates.SetClock(clock)
	f.rates.SetRates(f.quotes)
	f.gate.SetClock(clock)
	f.ledger.SetClock(clock)
	f.savings.SetClock(clock)
	f.loans.SetClock(clock)
	f.now = now
}

// seedAccount creates an account at the given tier and credits balances.
func (f *fixture) seedAccount(t *testing.T, address string, tier domain.KYCTier, balances map[domain.Currency]string) {
	t.Helper()
	ctx := context.Background()
	err := f.repo.CreateAccount(ctx, &domain.Account{
		Address:     address,
		Balances:    map[domain.Currency]decimal.Decimal{},
		KYCTier:     tier,
		CreditScore: domain.CreditScoreDefault,
		CreatedAt:   f.now,
		UpdatedAt:   f.now,
	})
	if err != nil {
		t.Fatalf("seed account %s: %v", address, err)
	}
	for currency, amount := range balances {
		if err := f.repo.CreditBalance(ctx, address, currency, decimal.RequireFromString(amount)); err != nil {
			t.Fatalf("seed balance %s %s: %v", address, currency, err)
		}
	}
}

func (f *fixture) balance(t *testing.T, address string, currency domain.Currency) decimal.Decimal {
	t.Helper()
	account, err := f.repo.FindAccountByAddress(context.Background(), address)
	if err != nil {
		t.Fatalf("find account %s: %v", address, err)
	}
	return account.Balance(currency)
}

func TestTransferConvertsAndCollectsFee(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, testReserve, domain.TierPremium, nil)
	f.seedAccount(t, "alice", domain.TierEnhanced, map[domain.Currency]string{domain.USD: "1000"})
	f.seedAccount(t, "bob", domain.TierEnhanced, nil)

	tx, err := f.ledger.Transfer(context.Background(), "alice", domain.TransferRequest{
		Recipient:    "bob",
		Amount:       "100",
		FromCurrency: "USD",
		ToCurrency:   "MXN",
		Reference:    "remit-1",
	})
	if err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	if tx.Status != domain.TxStatusSuccess {
		t.Fatalf("expected success status, got %s", tx.Status)
	}
	if !tx.Fee.Equal(decimal.RequireFromString("0.50")) {
		t.Fatalf("expected fee 0.50, got %s", tx.Fee)
	}
	if !tx.CrossRate.Equal(decimal.RequireFromString("18.5")) {
		t.Fatalf("expected cross rate 18.5, got %s", tx.CrossRate)
	}

	if got := f.balance(t, "alice", domain.USD); !got.Equal(decimal.RequireFromString("899.50")) {
		t.Fatalf("expected sender balance 899.50, got %s", got)
	}
	if got := f.balance(t, "bob", domain.MXN); !got.Equal(decimal.RequireFromString("1850.00")) {
		t.Fatalf("expected recipient balance 1850.00, got %s", got)
	}
	if got := f.balance(t, testReserve, domain.USD); !got.Equal(decimal.RequireFromString("0.50")) {
		t.Fatalf("expected reserve to collect the 0.50 fee, got %s", got)
	}
}

func TestTransferSameAccountExchange(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, testReserve, domain.TierPremium, nil)
	f.seedAccount(t, "alice", domain.TierEnhanced, map[domain.Currency]string{domain.USD: "200"})

	tx, err := f.ledger.Transfer(context.Background(), "alice", domain.TransferRequest{
		Recipient:    "alice",
		Amount:       "100",
		FromCurrency: "USD",
		ToCurrency:   "BRL",
		Reference:    "fx-1",
	})
	if err != nil {
		t.Fatalf("exchange failed: %v", err)
	}
	if tx.Kind != domain.TxKindExchange {
		t.Fatalf("expected exchange kind, got %s", tx.Kind)
	}
	if got := f.balance(t, "alice", domain.BRL); !got.Equal(decimal.RequireFromString("520.00")) {
		t.Fatalf("expected 520.00 BRL, got %s", got)
	}
	if got := f.balance(t, "alice", domain.USD); !got.Equal(decimal.RequireFromString("99.50")) {
		t.Fatalf("expected 99.50 USD after debit and fee, got %s", got)
	}
}

func TestTransferInsufficientFundsLeavesBalancesUntouched(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, testReserve, domain.TierPremium, nil)
	f.seedAccount(t, "alice", domain.TierEnhanced, map[domain.Currency]string{domain.USD: "100"})
	f.seedAccount(t, "bob", domain.TierEnhanced, nil)

	// 100 + 0.50 fee exceeds the balance.
	tx, err := f.ledger.Transfer(context.Background(), "alice", domain.TransferRequest{
		Recipient:    "bob",
		Amount:       "100",
		FromCurrency: "USD",
		ToCurrency:   "USD",
		Reference:    "remit-2",
	})
	if !errors.Is(err, store.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if tx == nil || tx.Status != domain.TxStatusFailed {
		t.Fatalf("expected a failed transaction record, got %+v", tx)
	}
	if tx.FailureReason == nil || *tx.FailureReason == "" {
		t.Fatal("expected the failed record to carry the violated invariant")
	}

	if got := f.balance(t, "alice", domain.USD); !got.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected sender balance unchanged at 100, got %s", got)
	}
	if got := f.balance(t, "bob", domain.USD); !got.IsZero() {
		t.Fatalf("expected recipient balance unchanged at 0, got %s", got)
	}

	// The failed movement must not burn KYC allowance.
	day, _, err := f.gate.Usage(context.Background(), "alice")
	if err != nil {
		t.Fatalf("usage read failed: %v", err)
	}
	if !day.IsZero() {
		t.Fatalf("expected allowance released after failure, got %s used", day)
	}
}

func TestTransferDuplicateReferenceReplays(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, testReserve, domain.TierPremium, nil)
	f.seedAccount(t, "alice", domain.TierEnhanced, map[domain.Currency]string{domain.USD: "1000"})
	f.seedAccount(t, "bob", domain.TierEnhanced, nil)

	request := domain.TransferRequest{
		Recipient:    "bob",
		Amount:       "100",
		FromCurrency: "USD",
		ToCurrency:   "USD",
		Reference:    "remit-3",
	}

	first, err := f.ledger.Transfer(context.Background(), "alice", request)
	if err != nil {
		t.Fatalf("first transfer failed: %v", err)
	}
	second, err := f.ledger.Transfer(context.Background(), "alice", request)
	if err != nil {
		t.Fatalf("replayed transfer failed: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected the original record back, got %s then %s", first.ID, second.ID)
	}
	if got := f.balance(t, "alice", domain.USD); !got.Equal(decimal.RequireFromString("899.50")) {
		t.Fatalf("expected a single debit, got balance %s", got)
	}
}

func TestTransferRateUnavailable(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, testReserve, domain.TierPremium, nil)
	f.seedAccount(t, "alice", domain.TierEnhanced, map[domain.Currency]string{domain.USD: "1000"})
	f.seedAccount(t, "bob", domain.TierEnhanced, nil)

	// COP has no quote in the fixture.
	_, err := f.ledger.Transfer(context.Background(), "alice", domain.TransferRequest{
		Recipient:    "bob",
		Amount:       "100",
		FromCurrency: "USD",
		ToCurrency:   "COP",
		Reference:    "remit-4",
	})
	if !errors.Is(err, ErrRateUnavailable) {
		t.Fatalf("expected ErrRateUnavailable, got %v", err)
	}
	if got := f.balance(t, "alice", domain.USD); !got.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("expected balance untouched, got %s", got)
	}
}

func TestTransferKYCLimitExceededNoMutation(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, testReserve, domain.TierPremium, nil)
	f.seedAccount(t, "alice", domain.TierBasic, map[domain.Currency]string{domain.USD: "5000"})
	f.seedAccount(t, "bob", domain.TierBasic, nil)

	// Basic tier caps at 1,000 USD per day.
	tx, err := f.ledger.Transfer(context.Background(), "alice", domain.TransferRequest{
		Recipient:    "bob",
		Amount:       "2000",
		FromCurrency: "USD",
		ToCurrency:   "USD",
		Reference:    "remit-5",
	})
	if !errors.Is(err, store.ErrLimitExceeded) {
		t.Fatalf("expected ErrLimitExceeded, got %v", err)
	}
	if tx == nil || tx.Status != domain.TxStatusFailed {
		t.Fatalf("expected a failed record, got %+v", tx)
	}
	if got := f.balance(t, "alice", domain.USD); !got.Equal(decimal.NewFromInt(5000)) {
		t.Fatalf("expected zero balance mutation, got %s", got)
	}
	if got := f.balance(t, "bob", domain.USD); !got.IsZero() {
		t.Fatalf("expected zero recipient mutation, got %s", got)
	}
}

func TestDepositRequiresVerifiedTier(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "carol", domain.TierNone, nil)

	_, err := f.ledger.Deposit(context.Background(), "carol", domain.DepositRequest{
		Currency:  "USD",
		Amount:    "10",
		Reference: "dep-1",
	})
	if !errors.Is(err, store.ErrLimitExceeded) {
		t.Fatalf("expected unverified account to be denied, got %v", err)
	}
	if got := f.balance(t, "carol", domain.USD); !got.IsZero() {
		t.Fatalf("expected no credit, got %s", got)
	}
}

func TestDepositAndWithdraw(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, "carol", domain.TierBasic, nil)

	deposit, err := f.ledger.Deposit(context.Background(), "carol", domain.DepositRequest{
		Currency:  "MXN",
		Amount:    "925",
		Reference: "dep-2",
	})
	if err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if deposit.Status != domain.TxStatusSuccess {
		t.Fatalf("expected success, got %s", deposit.Status)
	}
	if got := f.balance(t, "carol", domain.MXN); !got.Equal(decimal.NewFromInt(925)) {
		t.Fatalf("expected 925 MXN, got %s", got)
	}

	_, err = f.ledger.Withdraw(context.Background(), "carol", domain.WithdrawRequest{
		Currency:  "MXN",
		Amount:    "1000",
		Reference: "wd-1",
	})
	if !errors.Is(err, store.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	withdraw, err := f.ledger.Withdraw(context.Background(), "carol", domain.WithdrawRequest{
		Currency:  "MXN",
		Amount:    "900",
		Reference: "wd-2",
	})
	if err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	if withdraw.Status != domain.TxStatusSuccess {
		t.Fatalf("expected success, got %s", withdraw.Status)
	}
	if got := f.balance(t, "carol", domain.MXN); !got.Equal(decimal.NewFromInt(25)) {
		t.Fatalf("expected 25 MXN, got %s", got)
	}
}

func TestTransferRejectsInvalidInputs(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, testReserve, domain.TierPremium, nil)
	f.seedAccount(t, "alice", domain.TierEnhanced, map[domain.Currency]string{domain.USD: "100"})

	tests := []struct {
		name    string
		request domain.TransferRequest
		want    error
	}{
		{
			name:    "unknown currency",
			request: domain.TransferRequest{Recipient: "alice", Amount: "10", FromCurrency: "XXX", ToCurrency: "USD", Reference: "bad-1"},
			want:    domain.ErrInvalidCurrency,
		},
		{
			name:    "negative amount",
			request: domain.TransferRequest{Recipient: "alice", Amount: "-10", FromCurrency: "USD", ToCurrency: "USD", Reference: "bad-2"},
			want:    ErrInvalidAmount,
		},
		{
			name:    "zero amount",
			request: domain.TransferRequest{Recipient: "alice", Amount: "0", FromCurrency: "USD", ToCurrency: "USD", Reference: "bad-3"},
			want:    ErrInvalidAmount,
		},
		{
			name:    "unparsable amount",
			request: domain.TransferRequest{Recipient: "alice", Amount: "ten", FromCurrency: "USD", ToCurrency: "USD", Reference: "bad-4"},
			want:    ErrInvalidAmount,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ledger.Transfer(context.Background(), "alice", tt.request)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestStaleRatesAbortTransfers(t *testing.T) {
	f := newFixture(t)
	f.seedAccount(t, testReserve, domain.TierPremium, nil)
	f.seedAccount(t, "alice", domain.TierEnhanced, map[domain.Currency]string{domain.USD: "1000"})
	f.seedAccount(t, "bob", domain.TierEnhanced, nil)

	// Advance only the cache clock past max age without a refresh.
	stale := f.now.Add(10 * time.Minute)
	f.rates.SetClock(func() time.Time { return stale })

	_, err := f.ledger.Transfer(context.Background(), "alice", domain.TransferRequest{
		Recipient:    "bob",
		Amount:       "100",
		FromCurrency: "USD",
		ToCurrency:   "MXN",
		Reference:    "remit-6",
	})
	if !errors.Is(err, ErrRateUnavailable) {
		t.Fatalf("expected stale rates to abort, got %v", err)
	}
	if got := f.balance(t, "alice", domain.USD); !got.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("expected balance untouched, got %s", got)
	}
}
