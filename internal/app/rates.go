/**
 * @description
 * Exchange-rate cache. The external rate feed is polled by a cron job in the
 * bootstrap (at least every 60 seconds); the engines only ever read from this
 * cache. A missing or stale price is a hard failure for any operation that
 * needs the currency — there is no fallback rate and no default-to-USD
 * behavior.
 *
 * @notes
 * - Rates are numeraire-denominated: units of local currency per 1 USD. The
 *   numeraire itself is pinned to 1.
 */

package app

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/corridorpay/ledger-service/internal/domain"
)

// RateSource supplies a numeraire-denominated price per currency.
type RateSource interface {
	Rate(currency domain.Currency) (decimal.Decimal, error)
}

// RateFetcher pulls a fresh rate table from the external feed.
type RateFetcher interface {
	FetchRates() (map[string]decimal.Decimal, error)
}

// RateCache is the in-process rate table the engines read. Reads are lock-
// cheap; Refresh swaps the whole table.
type RateCache struct {
	mu        sync.RWMutex
	rates     map[domain.Currency]decimal.Decimal
	fetchedAt time.Time
	maxAge    time.Duration
	now       func() time.Time
}

// NewRateCache creates an empty cache whose entries go stale after maxAge.
func NewRateCache(maxAge time.Duration) *RateCache {
	return &RateCache{
		rates:  make(map[domain.Currency]decimal.Decimal),
		maxAge: maxAge,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the cache's clock. Tests only.
func (c *RateCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// SetRates replaces the table with the given prices. Unknown currency codes
// are dropped with a warning rather than silently mapped onto a supported one.
func (c *RateCache) SetRates(raw map[string]decimal.Decimal) {
	parsed := make(map[domain.Currency]decimal.Decimal, len(raw))
	for code, price := range raw {
		currency, err := domain.ParseCurrency(code)
		if err != nil {
			log.Printf("level=warn component=rate_cache msg=\"dropping unsupported currency from feed\" code=%q", code)
			continue
		}
		if price.Sign() <= 0 {
			log.Printf("level=warn component=rate_cache msg=\"dropping non-positive price\" currency=%s price=%s", currency, price)
			continue
		}
		parsed[currency] = price
	}
	parsed[domain.Numeraire] = decimal.New(1, 0)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.rates = parsed
	c.fetchedAt = c.now()
}

// Refresh pulls the feed and installs the result.
func (c *RateCache) Refresh(fetcher RateFetcher) error {
	raw, err := fetcher.FetchRates()
	if err != nil {
		return fmt.Errorf("rate feed fetch failed: %w", err)
	}
	c.SetRates(raw)
	return nil
}

// Rate returns the cached price for the currency, or ErrRateUnavailable when
// the currency is missing or the table is stale.
func (c *RateCache) Rate(currency domain.Currency) (decimal.Decimal, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.maxAge > 0 && c.now().Sub(c.fetchedAt) > c.maxAge {
		return decimal.Zero, fmt.Errorf("%w: rate table is stale (fetched %s)", ErrRateUnavailable, c.fetchedAt.Format(time.RFC3339))
	}
	price, ok := c.rates[currency]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no price for %s", ErrRateUnavailable, currency)
	}
	return price, nil
}
