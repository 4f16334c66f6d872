// README: Push notification contracts for couriers and customers.
package notify

import (
	"context"
	"sync"
	"time"

	"foodrelay/internal/types"
)

type Kind string

const (
	KindAssigned  Kind = "assigned"
	KindCancelled Kind = "cancelled"
	KindDelivered Kind = "delivered"
)

type Notice struct {
	OrderID types.ID
	Kind    Kind
	// ETA is the estimated time until the customer receives the order.
	// Zero when no estimate is available.
	ETA time.Duration
}

// Notifier delivers notices fire-and-forget; failures never reach the caller.
type Notifier interface {
	NotifyCourier(ctx context.Context, courierID types.ID, n Notice)
	NotifyCustomer(ctx context.Context, customerID types.ID, n Notice)
}

// ETAEstimator estimates courier -> restaurant -> customer travel time.
type ETAEstimator interface {
	Estimate(ctx context.Context, courier, restaurant, customer types.Point) (time.Duration, error)
}

type Sent struct {
	To     Audience
	UserID types.ID
	Notice Notice
}

type Audience string

const (
	AudienceCourier  Audience = "courier"
	AudienceCustomer Audience = "customer"
)

// Recorder keeps every notice in memory.
type Recorder struct {
	mu   sync.Mutex
	sent []Sent
}

func (r *Recorder) NotifyCourier(_ context.Context, id types.ID, n Notice) {
	r.record(Sent{To: AudienceCourier, UserID: id, Notice: n})
}

func (r *Recorder) NotifyCustomer(_ context.Context, id types.ID, n Notice) {
	r.record(Sent{To: AudienceCustomer, UserID: id, Notice: n})
}

func (r *Recorder) record(s Sent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, s)
}

func (r *Recorder) Sent() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.sent...)
}
