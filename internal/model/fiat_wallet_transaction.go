package model

import "time"

// FiatWalletTransaction is the ledger entry tied 1:1 to a Transaction for a
// given wallet. Immutable once terminal except for metadata enrichment and
// settled_at.
type FiatWalletTransaction struct {
	ID            uint64   `gorm:"primaryKey"`
	TransactionID uint64   `gorm:"not null;uniqueIndex"`
	WalletID      uint64   `gorm:"not null;index"`
	Amount        int64    `gorm:"not null"`
	BalanceBefore int64    `gorm:"not null"`
	BalanceAfter  int64    `gorm:"not null"`
	Status        TxStatus `gorm:"size:16;not null"`
	// ProviderReference carries the provider-issued correlation id (trade id,
	// withdrawal request id, payment id) used to locate this entry.
	ProviderReference *string    `gorm:"size:128;index"`
	ProviderFee       int64      `gorm:"not null;default:0"`
	Metadata          Metadata   `gorm:"type:jsonb;not null"`
	SettledAt         *time.Time
	CompletedAt       *time.Time
	CreatedAt         time.Time `gorm:"autoCreateTime"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime"`
}

func (FiatWalletTransaction) TableName() string { return "fiat_wallet_transaction" }
