/**
 * @description
 * Event payloads published to the message broker so downstream consumers
 * (notification fan-out, analytics, the presentation layer's pollers) can
 * observe transaction and loan lifecycle changes, plus the payload consumed
 * from the external KYC vendor when it upgrades an account's tier.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionEvent is published on every transaction status transition.
// Routing keys: ledger.transaction.pending|success|failed.
type TransactionEvent struct {
	TransactionID uuid.UUID       `json:"transaction_id"`
	Reference     string          `json:"reference"`
	Kind          string          `json:"kind"`
	Source        string          `json:"source"`
	Destination   string          `json:"destination"`
	FromCurrency  Currency        `json:"from_currency"`
	ToCurrency    Currency        `json:"to_currency"`
	Amount        decimal.Decimal `json:"amount"`
	Fee           decimal.Decimal `json:"fee"`
	Status        string          `json:"status"`
	FailureReason string          `json:"failure_reason,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// LoanEvent is published on loan state transitions.
// Routing keys: ledger.loan.pending|active|rejected|repaid|defaulted.
type LoanEvent struct {
	LoanID    uuid.UUID       `json:"loan_id"`
	Address   string          `json:"address"`
	Principal decimal.Decimal `json:"principal"`
	Currency  Currency        `json:"currency"`
	State     string          `json:"state"`
	Reason    string          `json:"reason,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// TierUpdatedEvent is the message the external KYC vendor workflow publishes
// when document review completes. The ledger consumes it and applies the new
// tier; it never performs document verification itself.
type TierUpdatedEvent struct {
	Address   string    `json:"address"`
	Tier      string    `json:"tier"`
	Timestamp time.Time `json:"timestamp"`
}
