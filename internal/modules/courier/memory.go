// README: In-memory courier repository; also serves as the claim target for the in-memory order store.
package courier

import (
	"context"
	"sort"
	"sync"
	"time"

	"foodrelay/internal/types"
)

type MemoryRepository struct {
	mu       sync.Mutex
	couriers map[types.ID]*Courier
	now      func() time.Time
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{couriers: map[types.ID]*Courier{}, now: time.Now}
}

func (r *MemoryRepository) Get(_ context.Context, id types.ID) (*Courier, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.couriers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *MemoryRepository) SetAvailability(_ context.Context, id types.ID, available bool, at time.Time) (*Courier, error) {
	if id == "" {
		return nil, ErrBadRequest
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.getOrCreateLocked(id, at)
	c.Available = available
	c.UpdatedAt = at
	cp := *c
	return &cp, nil
}

func (r *MemoryRepository) UpdateLocation(_ context.Context, id types.ID, p types.Point, at time.Time) error {
	if id == "" {
		return ErrBadRequest
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.getOrCreateLocked(id, at)
	c.Location = &p
	c.LocationUpdatedAt = &at
	c.UpdatedAt = at
	return nil
}

func (r *MemoryRepository) ListMatchable(_ context.Context) ([]Courier, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Courier{}
	for _, c := range r.couriers {
		if c.Matchable() {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Claim binds the courier to an order if it is on duty and idle.
func (r *MemoryRepository) Claim(_ context.Context, id, orderID types.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.couriers[id]
	if !ok || !c.Available {
		return ErrBusy
	}
	if c.ActiveOrderID != nil {
		return ErrBusy
	}
	o := orderID
	c.ActiveOrderID = &o
	c.UpdatedAt = r.now()
	return nil
}

// Finish clears the courier's active order if it still points at orderID.
// delivered also bumps the completed counter.
func (r *MemoryRepository) Finish(_ context.Context, id, orderID types.ID, delivered bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.couriers[id]
	if !ok || c.ActiveOrderID == nil || *c.ActiveOrderID != orderID {
		return nil
	}
	c.ActiveOrderID = nil
	if delivered {
		c.CompletedDeliveries++
	}
	c.UpdatedAt = r.now()
	return nil
}

func (r *MemoryRepository) getOrCreateLocked(id types.ID, at time.Time) *Courier {
	c, ok := r.couriers[id]
	if !ok {
		c = &Courier{ID: id, CreatedAt: at, UpdatedAt: at}
		r.couriers[id] = c
	}
	return c
}
