/**
 * @description
 * KYC gate: holds the per-tier transaction ceilings and consumes an account's
 * rolling daily and monthly allowance before any value-moving operation runs.
 * Windows reset on UTC calendar boundaries; the spend counters live in the
 * store so the check-and-consume is atomic under concurrency.
 *
 * @notes
 * - Ceilings are expressed in the numeraire currency (USD). The calling
 *   engine converts the operation amount to USD through the rate source
 *   before consulting the gate.
 */

package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/corridorpay/ledger-service/internal/domain"
	"github.com/corridorpay/ledger-service/internal/store"
)

// TierCeilings is the USD allowance a tier grants per rolling window.
type TierCeilings struct {
	Daily   decimal.Decimal
	Monthly decimal.Decimal
}

// tierCeilings are fixed per tier. TierNone intentionally gets zero: an
// unverified account cannot move value at all.
var tierCeilings = map[domain.KYCTier]TierCeilings{
	domain.TierNone:     {Daily: decimal.Zero, Monthly: decimal.Zero},
	domain.TierBasic:    {Daily: decimal.NewFromInt(1_000), Monthly: decimal.NewFromInt(5_000)},
	domain.TierEnhanced: {Daily: decimal.NewFromInt(10_000), Monthly: decimal.NewFromInt(50_000)},
	domain.TierPremium:  {Daily: decimal.NewFromInt(50_000), Monthly: decimal.NewFromInt(250_000)},
}

// CeilingsForTier exposes the fixed ceilings for a tier.
func CeilingsForTier(tier domain.KYCTier) TierCeilings {
	return tierCeilings[tier]
}

// Gate enforces tier ceilings over rolling UTC windows.
type Gate struct {
	repo store.Repository
	now  func() time.Time
}

// NewGate creates a KYC gate over the given repository.
func NewGate(repo store.Repository) *Gate {
	return &Gate{
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the gate's clock. Tests only.
func (g *Gate) SetClock(now func() time.Time) {
	g.now = now
}

func windowStarts(now time.Time) (day, month time.Time) {
	day = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	month = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return day, month
}

// Consume verifies the USD amount against the account's tier ceilings and
// records the spend. A denial leaves the counters untouched and reports which
// ceiling was hit.
func (g *Gate) Consume(ctx context.Context, address string, usd decimal.Decimal) error {
	account, err := g.repo.FindAccountByAddress(ctx, address)
	if err != nil {
		return err
	}

	ceilings := tierCeilings[account.KYCTier]
	dayStart, monthStart := windowStarts(g.now())

	if err := g.repo.ConsumeAllowance(ctx, address, dayStart, monthStart, usd, ceilings.Daily, ceilings.Monthly); err != nil {
		return fmt.Errorf("tier %s: %w", account.KYCTier, err)
	}
	return nil
}

// Release returns previously consumed allowance when the gated operation
// could not complete, so a failed operation does not burn the account's
// ceiling.
func (g *Gate) Release(ctx context.Context, address string, usd decimal.Decimal) {
	account, err := g.repo.FindAccountByAddress(ctx, address)
	if err != nil {
		log.Printf("level=error component=kyc_gate msg=\"allowance release failed\" address=%s err=%v", address, err)
		return
	}
	ceilings := tierCeilings[account.KYCTier]
	dayStart, monthStart := windowStarts(g.now())
	if err := g.repo.ConsumeAllowance(ctx, address, dayStart, monthStart, usd.Neg(), ceilings.Daily, ceilings.Monthly); err != nil {
		log.Printf("level=error component=kyc_gate msg=\"allowance release failed\" address=%s err=%v", address, err)
	}
}

// CurrentTier reads the account's verification tier.
func (g *Gate) CurrentTier(ctx context.Context, address string) (domain.KYCTier, error) {
	account, err := g.repo.FindAccountByAddress(ctx, address)
	if err != nil {
		return domain.TierNone, err
	}
	return account.KYCTier, nil
}

// SetTier applies a tier produced by the external verification workflow.
func (g *Gate) SetTier(ctx context.Context, address string, tier domain.KYCTier) error {
	if err := g.repo.SetKYCTier(ctx, address, tier); err != nil {
		return err
	}
	log.Printf("level=info component=kyc_gate msg=\"tier updated\" address=%s tier=%s", address, tier)
	return nil
}

// Usage reports the account's consumed allowance in the current windows.
func (g *Gate) Usage(ctx context.Context, address string) (day, month decimal.Decimal, err error) {
	dayStart, monthStart := windowStarts(g.now())
	return g.repo.GetAllowanceUsage(ctx, address, dayStart, monthStart)
}
