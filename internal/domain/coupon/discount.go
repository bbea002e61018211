package coupon

import (
	"github.com/shopspring/decimal"
)

var (
	hundred = decimal.NewFromInt(100)
	zero    = decimal.Zero
)

// Discount calculates the discount the coupon grants on fare. Fares below
// the coupon's minimum yield zero. The result never exceeds MaxDiscount or
// the fare itself and is rounded to two decimal places.
func (c *Coupon) Discount(fare decimal.Decimal) decimal.Decimal {
	if fare.LessThan(c.MinFare) || !fare.IsPositive() {
		return zero
	}

	var amount decimal.Decimal
	switch c.DiscountType {
	case DiscountPercent:
		amount = fare.Mul(c.Value).Div(hundred)
	case DiscountFixed:
		amount = c.Value
	case DiscountFreeRideCap:
		amount = fare
	default:
		return zero
	}

	if c.MaxDiscount != nil && amount.GreaterThan(*c.MaxDiscount) {
		amount = *c.MaxDiscount
	}
	amount = decimal.Min(amount, fare)

	return floorAtZero(amount).Round(2)
}

// floorAtZero clamps negative values to zero.
func floorAtZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return zero
	}
	return d
}
