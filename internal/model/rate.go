package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// RateConfig is the exchange rate and fee schedule for one currency pair on
// one provider. Read-only to the core; externally managed.
type RateConfig struct {
	ID                     uint64          `gorm:"primaryKey"`
	Provider               string          `gorm:"size:32;not null;index:idx_rate_provider_pair"`
	SourceCurrency         string          `gorm:"size:8;not null;index:idx_rate_provider_pair"`
	DestinationCurrency    string          `gorm:"size:8;not null;index:idx_rate_provider_pair"`
	Rate                   decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	PartnerFeeFlat         decimal.Decimal `gorm:"type:numeric(20,8);not null;default:0"`
	PartnerFeePercent      decimal.Decimal `gorm:"type:numeric(10,6);not null;default:0"`
	DisbursementFeeFlat    decimal.Decimal `gorm:"type:numeric(20,8);not null;default:0"`
	DisbursementFeePercent decimal.Decimal `gorm:"type:numeric(10,6);not null;default:0"`
	Active                 bool            `gorm:"not null;default:true"`
	UpdatedAt              time.Time       `gorm:"autoUpdateTime"`
}

func (RateConfig) TableName() string { return "rate_config" }
