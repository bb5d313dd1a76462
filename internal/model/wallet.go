package model

import "time"

// Wallet holds one user's balance in one currency, in smallest currency
// units. Created lazily on first access per currency; never deleted.
type Wallet struct {
	ID       uint64 `gorm:"primaryKey"`
	UserID   uint64 `gorm:"not null;uniqueIndex:idx_wallet_user_currency"`
	Currency string `gorm:"size:8;not null;uniqueIndex:idx_wallet_user_currency"`
	// Balance must never go negative as a result of a debit.
	Balance int64 `gorm:"not null;default:0"`
	// CreditBalance is accrued-but-not-yet-settled; only increases via
	// confirmed provider settlement.
	CreditBalance int64     `gorm:"not null;default:0"`
	Status        string    `gorm:"size:16;not null;default:'ACTIVE'"`
	Version       uint64    `gorm:"not null;default:0"`
	CreatedAt     time.Time `gorm:"autoCreateTime"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime"`
}

func (Wallet) TableName() string { return "wallet" }
