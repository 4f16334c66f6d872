// README: In-memory order repository; compensates courier claims when the escrow hold fails.
package order

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"foodrelay/internal/modules/courier"
	"foodrelay/internal/modules/wallet"
	"foodrelay/internal/types"
)

// CourierClaimer is the in-memory counterpart of TxCouriers.
type CourierClaimer interface {
	Claim(ctx context.Context, id, orderID types.ID) error
	Finish(ctx context.Context, id, orderID types.ID, delivered bool) error
}

type MemoryRepository struct {
	mu       sync.Mutex
	orders   map[types.ID]*Order
	events   map[types.ID][]Event
	nextID   int64
	ledger   wallet.Ledger
	couriers CourierClaimer
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository(ledger wallet.Ledger, couriers CourierClaimer) *MemoryRepository {
	return &MemoryRepository{
		orders:   map[types.ID]*Order{},
		events:   map[types.ID][]Event{},
		ledger:   ledger,
		couriers: couriers,
	}
}

func (r *MemoryRepository) Create(_ context.Context, o *Order, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[o.ID]; ok {
		return fmt.Errorf("%w: duplicate order id %s", ErrBadRequest, o.ID)
	}
	cp := *o
	r.orders[o.ID] = &cp
	r.appendLocked(e)
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id types.ID) (*Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (r *MemoryRepository) Transition(_ context.Context, id types.ID, from, to Status, version int, e Event) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return false, ErrNotFound
	}
	if o.Status != from || o.StatusVersion != version {
		return false, nil
	}
	o.Status = to
	o.StatusVersion++
	if to == StatusReady {
		t := e.CreatedAt
		o.ReadyAt = &t
	}
	r.appendLocked(e)
	return true, nil
}

func (r *MemoryRepository) Assign(ctx context.Context, req AssignRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[req.Order.ID]
	if !ok {
		return ErrNotFound
	}
	if o.Status != StatusReady || o.StatusVersion != req.Order.StatusVersion || o.CourierID != nil {
		return ErrAssignmentConflict
	}
	if err := r.couriers.Claim(ctx, req.CourierID, o.ID); err != nil {
		if errors.Is(err, courier.ErrBusy) {
			return ErrCourierUnavailable
		}
		return err
	}
	if req.HoldAmount > 0 {
		if err := r.ledger.Hold(ctx, wallet.Courier(req.CourierID), req.HoldAmount, o.ID); err != nil {
			_ = r.couriers.Finish(ctx, req.CourierID, o.ID, false)
			return fmt.Errorf("escrow hold: %w", err)
		}
	}
	c := req.CourierID
	at := req.Event.CreatedAt
	o.Status = StatusAssigned
	o.StatusVersion++
	o.CourierID = &c
	o.AssignedAt = &at
	r.appendLocked(req.Event)
	return nil
}

func (r *MemoryRepository) Deliver(ctx context.Context, req DeliverRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[req.Order.ID]
	if !ok {
		return ErrNotFound
	}
	if o.Status != StatusPickingUp || o.StatusVersion != req.Order.StatusVersion {
		return ErrConflict
	}
	if err := r.ledger.Settle(ctx, req.Settlement); err != nil {
		return settlementError(err)
	}
	at := req.Event.CreatedAt
	fee := req.PlatformFee
	o.Status = StatusDelivered
	o.StatusVersion++
	o.DeliveredAt = &at
	o.SettledAt = &at
	o.Amounts.PlatformFee = &fee
	if o.CourierID != nil {
		_ = r.couriers.Finish(ctx, *o.CourierID, o.ID, true)
	}
	r.appendLocked(req.Event)
	return nil
}

func (r *MemoryRepository) Cancel(ctx context.Context, req CancelRequest) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[req.Order.ID]
	if !ok {
		return 0, ErrNotFound
	}
	if o.Status != req.Order.Status || o.StatusVersion != req.Order.StatusVersion {
		return 0, ErrConflict
	}
	released, err := r.ledger.Release(ctx, o.ID)
	if err != nil {
		return 0, fmt.Errorf("escrow release: %w", err)
	}
	at := req.Event.CreatedAt
	reason := req.Reason
	o.Status = StatusCancelled
	o.StatusVersion++
	o.CancelledAt = &at
	o.CancelReason = &reason
	if o.CourierID != nil {
		_ = r.couriers.Finish(ctx, *o.CourierID, o.ID, false)
	}
	r.appendLocked(req.Event)
	return released, nil
}

func (r *MemoryRepository) ConfirmPayment(ctx context.Context, orderID types.ID, amount int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	if err := checkPayment(o, amount); err != nil {
		return err
	}
	return r.ledger.ConfirmPayment(ctx, o.ID, o.CustomerID, amount)
}

func (r *MemoryRepository) History(_ context.Context, id types.ID) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events[id]...), nil
}

func (r *MemoryRepository) ListByStatus(_ context.Context, status Status, limit int) ([]Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Order{}
	for _, o := range r.orders {
		if o.Status == status {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) appendLocked(e Event) {
	r.nextID++
	e.ID = r.nextID
	r.events[e.OrderID] = append(r.events[e.OrderID], e)
}
