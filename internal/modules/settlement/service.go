// README: Settlement engine computes the commission split in integer minor units.
package settlement

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidRate   = errors.New("commission rate outside [0,1]")
	ErrNegativeInput = errors.New("negative settlement input")
)

var one = decimal.NewFromInt(1)

type Engine struct {
	rates Rates
}

func NewEngine(rates Rates) (*Engine, error) {
	if !validRate(rates.Restaurant) || !validRate(rates.Courier) {
		return nil, ErrInvalidRate
	}
	return &Engine{rates: rates}, nil
}

func (e *Engine) Rates() Rates {
	return e.rates
}

// Compute splits subtotal, delivery fee and tip between restaurant, courier
// and platform. Both commissions are floored so the platform never takes a
// fractional unit; the three shares always sum to Input.Gross().
func (e *Engine) Compute(in Input) (Split, error) {
	if in.Subtotal < 0 || in.DeliveryFee < 0 || in.Tip < 0 {
		return Split{}, ErrNegativeInput
	}
	var s Split
	s.PlatformFeeFromSubtotal = commission(in.Subtotal, e.rates.Restaurant)
	s.RestaurantRevenue = in.Subtotal - s.PlatformFeeFromSubtotal
	s.CourierCommission = commission(in.DeliveryFee, e.rates.Courier)
	s.CourierPayment = in.DeliveryFee + in.Tip - s.CourierCommission
	s.PlatformRevenue = s.PlatformFeeFromSubtotal + s.CourierCommission
	return s, nil
}

func commission(amount int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(amount).Mul(rate).Floor().IntPart()
}

func validRate(r decimal.Decimal) bool {
	return !r.IsNegative() && r.LessThanOrEqual(one)
}
