package order

import (
	"context"
	"errors"
	"fmt"

	"foodrelay/internal/modules/wallet"
	"foodrelay/internal/types"
)

var (
	ErrNotFound           = errors.New("order not found")
	ErrBadRequest         = errors.New("bad request")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrConflict           = errors.New("order state conflict")
	ErrAssignmentConflict = errors.New("assignment conflict")
	ErrCourierUnavailable = errors.New("courier unavailable")
	ErrAlreadySettled     = errors.New("order already settled")
	ErrSettlementFailed   = errors.New("settlement failed")
)

// AssignRequest binds a ready order to a courier. HoldAmount > 0 places an
// escrow hold against the courier's wallet in the same unit of work.
type AssignRequest struct {
	Order      *Order
	CourierID  types.ID
	HoldAmount int64
	Event      Event
}

// DeliverRequest completes a picking_up order and applies its settlement.
type DeliverRequest struct {
	Order       *Order
	Settlement  wallet.SettleCommand
	PlatformFee int64
	Event       Event
}

type CancelRequest struct {
	Order  *Order
	Reason string
	Event  Event
}

// Repository persists orders. Assign, Deliver and Cancel each apply the
// order update, courier update and ledger movement all-or-nothing.
type Repository interface {
	Create(ctx context.Context, o *Order, e Event) error
	Get(ctx context.Context, id types.ID) (*Order, error)
	// Transition performs a compare-and-swap on (status, status_version).
	Transition(ctx context.Context, id types.ID, from, to Status, version int, e Event) (bool, error)
	Assign(ctx context.Context, req AssignRequest) error
	Deliver(ctx context.Context, req DeliverRequest) error
	// Cancel returns the escrow amount released back to the payer.
	Cancel(ctx context.Context, req CancelRequest) (int64, error)
	// ConfirmPayment re-checks the order and credits escrow as one unit of
	// work with respect to Cancel.
	ConfirmPayment(ctx context.Context, orderID types.ID, amount int64) error
	History(ctx context.Context, id types.ID) ([]Event, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]Order, error)
}

// checkPayment validates a gateway payment against the order it pays for.
func checkPayment(o *Order, amount int64) error {
	if o.PaymentMethod != PaymentPrepaid {
		return fmt.Errorf("%w: order %s is not prepaid", ErrBadRequest, o.ID)
	}
	if amount != o.Amounts.FinalTotal {
		return fmt.Errorf("%w: paid %d, order total %d", wallet.ErrEscrowMismatch, amount, o.Amounts.FinalTotal)
	}
	if o.Status == StatusCancelled {
		return fmt.Errorf("%w: order %s is cancelled", ErrBadRequest, o.ID)
	}
	return nil
}
