package app

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/corridorpay/ledger-service/internal/domain"
)

func TestRateCacheDropsUnsupportedAndPinsNumeraire(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	cache := NewRateCache(5 * time.Minute)
	cache.SetClock(func() time.Time { return now })

	cache.SetRates(map[string]decimal.Decimal{
		"MXN": decimal.RequireFromString("18.5"),
		"EUR": decimal.RequireFromString("0.92"), // not a supported corridor
		"BRL": decimal.Zero,                      // non-positive, dropped
		"USD": decimal.RequireFromString("1.0001"),
	})

	rate, err := cache.Rate(domain.MXN)
	if err != nil {
		t.Fatalf("MXN rate failed: %v", err)
	}
	if rate.String() != "18.5" {
		t.Fatalf("expected 18.5, got %s", rate)
	}

	// The numeraire is always exactly 1, whatever the feed claims.
	usd, err := cache.Rate(domain.USD)
	if err != nil {
		t.Fatalf("USD rate failed: %v", err)
	}
	if !usd.Equal(decimal.New(1, 0)) {
		t.Fatalf("expected USD pinned to 1, got %s", usd)
	}

	if _, err := cache.Rate(domain.BRL); !errors.Is(err, ErrRateUnavailable) {
		t.Fatalf("expected dropped price to be unavailable, got %v", err)
	}
}

func TestRateCacheStaleness(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	cache := NewRateCache(5 * time.Minute)
	cache.SetClock(func() time.Time { return now })
	cache.SetRates(map[string]decimal.Decimal{"MXN": decimal.RequireFromString("18.5")})

	if _, err := cache.Rate(domain.MXN); err != nil {
		t.Fatalf("fresh rate failed: %v", err)
	}

	now = now.Add(5*time.Minute + time.Second)
	if _, err := cache.Rate(domain.MXN); !errors.Is(err, ErrRateUnavailable) {
		t.Fatalf("expected stale table rejection, got %v", err)
	}

	// A refresh restores service.
	cache.SetRates(map[string]decimal.Decimal{"MXN": decimal.RequireFromString("18.6")})
	rate, err := cache.Rate(domain.MXN)
	if err != nil {
		t.Fatalf("refreshed rate failed: %v", err)
	}
	if rate.String() != "18.6" {
		t.Fatalf("expected 18.6, got %s", rate)
	}
}

func TestRateCacheEmptyIsUnavailable(t *testing.T) {
	cache := NewRateCache(5 * time.Minute)
	if _, err := cache.Rate(domain.USD); !errors.Is(err, ErrRateUnavailable) {
		t.Fatalf("expected empty cache to be unavailable, got %v", err)
	}
}

func TestOperatorRegistry(t *testing.T) {
	registry := NewOperatorRegistry([]string{" ops-admin ", "", "risk-team"})

	if !registry.IsOperator("ops-admin") {
		t.Fatal("expected trimmed seed identity to be an operator")
	}
	if registry.IsOperator("") {
		t.Fatal("expected the empty identity to be rejected")
	}

	registry.Add("treasury")
	registry.Remove("risk-team")

	got := registry.List()
	want := []string{"ops-admin", "treasury"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}
