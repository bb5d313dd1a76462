package model

import "time"

// Event types published through the outbox.
const (
	EventWalletBalanceChanged     = "WALLET_BALANCE_CHANGED"
	EventTransactionStatusChanged = "TRANSACTION_STATUS_CHANGED"
	// EventFirstDepositBonus hands a user's first completed deposit off to
	// the downstream rewards system; no bonus is computed here.
	EventFirstDepositBonus = "FIRST_DEPOSIT_BONUS"
)

// OutboxEvent is written in the same unit of work as the mutation it
// describes and published to Kafka by the poller, so emission never blocks
// or rolls back a balance mutation.
type OutboxEvent struct {
	ID          uint64    `gorm:"primaryKey"`
	Aggregate   string    `gorm:"size:64;not null"`
	AggregateID uint64    `gorm:"not null"`
	EventType   string    `gorm:"size:64;not null"`
	Payload     string    `gorm:"type:jsonb;not null"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	Processed   bool      `gorm:"not null;default:false"`
	ProcessedAt *time.Time
}

func (OutboxEvent) TableName() string { return "event_outbox" }
