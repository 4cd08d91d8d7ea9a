package service

import (
	"github.com/shopspring/decimal"

	"floorwatch/internal/config"
)

// CompareMarkets nets both floor recommendations of their marketplace fees
// and returns the market with the higher proceeds along with its raw
// recommendation. The primary side additionally carries the cross-market
// difference coefficient. Ties keep the primary market.
func CompareMarkets(cfg config.CompareConfig, primaryRec float64, secondaryRec *float64) (string, decimal.Decimal) {
	p := decimal.NewFromFloat(primaryRec)
	if secondaryRec == nil {
		return "primary", p
	}

	sec := decimal.NewFromFloat(*secondaryRec)
	cmpPrimary := p.Mul(decimal.NewFromFloat(cfg.PrimaryFee)).Mul(decimal.NewFromFloat(cfg.DiffCoefficient))
	cmpSecondary := sec.Mul(decimal.NewFromFloat(cfg.SecondaryFee))
	if cmpSecondary.GreaterThan(cmpPrimary) {
		return "secondary", sec
	}
	return "primary", p
}
