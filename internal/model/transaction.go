package model

import "time"

// Transaction represents one economic movement for a user. Amounts are in
// smallest currency units. Status transitions are append-only: once
// COMPLETED, a transaction never regresses (see TxStatus.CanTransition).
//
// At most one non-terminal child transaction exists per parent per
// destination currency; this is enforced by lookup under the exchange-level
// lock before creation.
type Transaction struct {
	ID       uint64   `gorm:"primaryKey"`
	UserID   uint64   `gorm:"not null;index"`
	Amount   int64    `gorm:"not null"`
	Currency string   `gorm:"size:8;not null"`
	Status   TxStatus `gorm:"size:16;not null"`
	Type     string   `gorm:"size:32;not null"`
	// ExternalReference is the provider-supplied idempotency key.
	ExternalReference *string `gorm:"size:128;uniqueIndex"`
	// Reference is the internally generated idempotency key.
	Reference string `gorm:"size:64;uniqueIndex;not null"`
	// ParentTransactionID links a destination leg to its source leg.
	ParentTransactionID *uint64     `gorm:"index"`
	Metadata            Metadata    `gorm:"type:jsonb;not null"`
	CallbackLog         CallbackLog `gorm:"type:jsonb;not null"`
	CreatedAt           time.Time   `gorm:"autoCreateTime"`
	UpdatedAt           time.Time   `gorm:"autoUpdateTime"`
}

func (Transaction) TableName() string { return "transaction" }

// RecordCallback appends a raw provider payload to the bounded audit log.
func (t *Transaction) RecordCallback(source, event, payload string) {
	t.CallbackLog = t.CallbackLog.Append(RawCallback{
		Source:     source,
		Event:      event,
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	})
}
