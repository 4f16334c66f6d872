// README: Order aggregate, tracking history and the food-delivery status flow.
package order

import (
	"time"

	"foodrelay/internal/types"
)

type Status string

const (
	StatusNone      Status = "none"
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusPreparing Status = "preparing"
	StatusReady     Status = "ready"
	StatusAssigned  Status = "assigned"
	StatusPickingUp Status = "picking_up"
	StatusDelivered Status = "delivered"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

type PaymentMethod string

const (
	PaymentCash    PaymentMethod = "cash"
	PaymentPrepaid PaymentMethod = "prepaid"
)

// Amounts are integral minor currency units.
type Amounts struct {
	Subtotal    int64
	DeliveryFee int64
	Tip         int64
	Discount    int64
	// PlatformFee is set once, at settlement.
	PlatformFee *int64
	FinalTotal  int64
}

// Consistent reports whether FinalTotal == Subtotal + DeliveryFee + Tip - Discount.
func (a Amounts) Consistent() bool {
	return a.FinalTotal == a.Subtotal+a.DeliveryFee+a.Tip-a.Discount
}

type Actor string

const (
	ActorCustomer   Actor = "customer"
	ActorRestaurant Actor = "restaurant"
	ActorCourier    Actor = "courier"
	ActorDispatcher Actor = "dispatcher"
	ActorOperator   Actor = "operator"
	ActorSystem     Actor = "system"
)

type Order struct {
	ID                 types.ID
	CustomerID         types.ID
	RestaurantID       types.ID
	CourierID          *types.ID
	Status             Status
	StatusVersion      int
	PaymentMethod      PaymentMethod
	Amounts            Amounts
	Currency           string
	RestaurantLocation types.Point
	CustomerLocation   types.Point
	CreatedAt          time.Time
	ReadyAt            *time.Time
	AssignedAt         *time.Time
	DeliveredAt        *time.Time
	SettledAt          *time.Time
	CancelledAt        *time.Time
	CancelReason       *string
}

// Event is one entry of an order's append-only tracking history.
type Event struct {
	ID         int64
	OrderID    types.ID
	FromStatus Status
	ToStatus   Status
	ActorType  Actor
	ActorID    *types.ID
	Note       string
	CreatedAt  time.Time
}

// AllowedTransitions represents the order state flow (diagram) as code.
var AllowedTransitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusPreparing, StatusCancelled},
	StatusPreparing: {StatusReady, StatusCancelled},
	StatusReady:     {StatusAssigned, StatusCancelled},
	StatusAssigned:  {StatusPickingUp, StatusCancelled},
	StatusPickingUp: {StatusDelivered, StatusCancelled},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}
