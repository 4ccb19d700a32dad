package cart

import (
	"github.com/shopspring/decimal"

	"github.com/bamskydbest/pharm-sub001/internal/domain"
)

type TaxPolicy interface {
	Tax(subtotal decimal.Decimal) decimal.Decimal
}

type NoTax struct{}

func (NoTax) Tax(decimal.Decimal) decimal.Decimal { return decimal.Zero }

// FlatRate charges Percent of the subtotal, rounded half away from zero to
// the cent.
type FlatRate struct {
	Percent decimal.Decimal
}

var hundred = decimal.NewFromInt(100)

func (r FlatRate) Tax(subtotal decimal.Decimal) decimal.Decimal {
	if r.Percent.Sign() <= 0 || subtotal.Sign() <= 0 {
		return decimal.Zero
	}
	return subtotal.Mul(r.Percent).Div(hundred).Round(2)
}

// PolicyFor returns the tax policy for a sales channel. Pharmacy sales are
// zero-rated.
func PolicyFor(channel string, percent decimal.Decimal) TaxPolicy {
	if channel == domain.ChannelPharmacy || percent.Sign() <= 0 {
		return NoTax{}
	}
	return FlatRate{Percent: percent}
}
