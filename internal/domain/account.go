/**
 * @description
 * Account model and KYC tier definitions. An account is identified by the
 * stable external wallet address it corresponds to; the ledger keeps one
 * non-negative balance per supported currency, the verification tier that caps
 * transaction size, and the credit score that prices microloans.
 */

package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Credit score bounds and the score assigned to a brand-new account.
const (
	CreditScoreMin     = 300
	CreditScoreMax     = 850
	CreditScoreDefault = 600
)

// KYCTier is the identity-verification level of an account. Higher tiers map
// to higher daily and monthly transaction ceilings.
type KYCTier int

const (
	TierNone KYCTier = iota
	TierBasic
	TierEnhanced
	TierPremium
)

var tierNames = map[KYCTier]string{
	TierNone:     "none",
	TierBasic:    "basic",
	TierEnhanced: "enhanced",
	TierPremium:  "premium",
}

func (t KYCTier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// ParseKYCTier maps a tier name to its KYCTier value.
func ParseKYCTier(name string) (KYCTier, error) {
	for tier, n := range tierNames {
		if n == name {
			return tier, nil
		}
	}
	return TierNone, fmt.Errorf("unknown kyc tier %q", name)
}

// Account is the per-user custody record. Balances are authoritative; absence
// of a currency entry is equivalent to a zero balance.
type Account struct {
	Address     string                       `json:"address"`
	Balances    map[Currency]decimal.Decimal `json:"balances"`
	KYCTier     KYCTier                      `json:"kyc_tier"`
	CreditScore int                          `json:"credit_score"`
	CreatedAt   time.Time                    `json:"created_at"`
	UpdatedAt   time.Time                    `json:"updated_at"`
}

// Balance returns the account's balance in the given currency, treating a
// missing entry as zero.
func (a *Account) Balance(currency Currency) decimal.Decimal {
	if a.Balances == nil {
		return decimal.Zero
	}
	if amount, ok := a.Balances[currency]; ok {
		return amount
	}
	return decimal.Zero
}
