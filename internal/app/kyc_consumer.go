/**
 * @description
 * This file implements the consumer side of the KYC vendor integration. The
 * vendor's review workflow publishes a tier-updated event when document
 * verification completes; the ledger applies the new tier through the gate.
 * The ledger never performs document verification itself.
 */

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/corridorpay/ledger-service/internal/domain"
)

// TierUpdateExchange and queue/key names for the vendor integration.
const (
	TierUpdateExchange = "kyc.events"
	TierUpdateQueue    = "ledger.kyc.tier_updates"
	TierUpdateKey      = "kyc.tier.updated"
)

// TierEventConsumer applies vendor tier decisions to accounts.
type TierEventConsumer struct {
	gate *Gate
}

func NewTierEventConsumer(gate *Gate) *TierEventConsumer {
	return &TierEventConsumer{gate: gate}
}

// HandleMessage decodes a tier-updated event and applies it. Malformed
// payloads and unknown tiers are rejected so the broker can dead-letter them.
func (c *TierEventConsumer) HandleMessage(ctx context.Context, body []byte) error {
	var event domain.TierUpdatedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return fmt.Errorf("decode tier event: %w", err)
	}

	tier, err := domain.ParseKYCTier(event.Tier)
	if err != nil {
		return fmt.Errorf("tier event for %s: %w", event.Address, err)
	}

	if err := c.gate.SetTier(ctx, event.Address, tier); err != nil {
		return fmt.Errorf("apply tier %s to %s: %w", tier, event.Address, err)
	}

	log.Printf("level=info component=kyc_consumer msg=\"tier applied\" address=%s tier=%s", event.Address, tier)
	return nil
}
