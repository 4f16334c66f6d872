// README: Settlement inputs and the resulting four-way split.
package settlement

import "github.com/shopspring/decimal"

// Rates are platform commission rates in [0,1].
type Rates struct {
	Restaurant decimal.Decimal // applied to subtotal
	Courier    decimal.Decimal // applied to delivery fee
}

type Input struct {
	Subtotal    int64
	DeliveryFee int64
	Tip         int64
}

// Gross is the amount the split distributes.
func (in Input) Gross() int64 {
	return in.Subtotal + in.DeliveryFee + in.Tip
}

type Split struct {
	PlatformFeeFromSubtotal int64
	RestaurantRevenue       int64
	CourierCommission       int64
	CourierPayment          int64
	PlatformRevenue         int64
}

// Total is the sum paid out to all three parties.
func (s Split) Total() int64 {
	return s.RestaurantRevenue + s.CourierPayment + s.PlatformRevenue
}
