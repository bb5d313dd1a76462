// Package rates computes destination-leg amounts from the externally
// managed rate and fee schedule.
package rates

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/cedarpay/fx-ledger/internal/model"
	"github.com/cedarpay/fx-ledger/internal/repo"
)

// Quote is the result of pricing one exchange leg. Amounts are in smallest
// currency units, floored.
type Quote struct {
	Rate              decimal.Decimal
	SourceAmount      int64
	DestinationAmount int64
	PartnerFee        int64
	DisbursementFee   int64
}

// Service reads rate configuration and prices conversions.
type Service struct {
	repo *repo.Repository
}

func NewService(r *repo.Repository) *Service {
	return &Service{repo: r}
}

// Config loads the rate configuration by id, falling back to the active
// schedule for the pair when id is zero.
func (s *Service) Config(ctx context.Context, id uint64, provider, source, destination string) (*model.RateConfig, error) {
	if id != 0 {
		return s.repo.GetRateConfig(ctx, id)
	}
	return s.repo.GetActiveRateConfig(ctx, provider, source, destination)
}

// QuoteDestination converts sourceAmount through rc. Gross destination is
// floor(source × rate); partner and disbursement fees (flat plus percentage
// of gross) are deducted from it, never below zero.
func (s *Service) QuoteDestination(rc *model.RateConfig, sourceAmount int64) Quote {
	src := decimal.NewFromInt(sourceAmount)
	gross := src.Mul(rc.Rate).Floor()

	hundred := decimal.NewFromInt(100)
	partnerFee := rc.PartnerFeeFlat.Add(gross.Mul(rc.PartnerFeePercent).Div(hundred)).Floor()
	disbursementFee := rc.DisbursementFeeFlat.Add(gross.Mul(rc.DisbursementFeePercent).Div(hundred)).Floor()

	net := gross.Sub(partnerFee).Sub(disbursementFee)
	if net.IsNegative() {
		net = decimal.Zero
	}

	return Quote{
		Rate:              rc.Rate,
		SourceAmount:      sourceAmount,
		DestinationAmount: net.IntPart(),
		PartnerFee:        partnerFee.IntPart(),
		DisbursementFee:   disbursementFee.IntPart(),
	}
}
