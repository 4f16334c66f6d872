// README: Courier record (availability, last location, active order) and repository contract.
package courier

import (
	"context"
	"errors"
	"time"

	"foodrelay/internal/types"
)

type Courier struct {
	ID                  types.ID
	Location            *types.Point
	LocationUpdatedAt   *time.Time
	Available           bool
	ActiveOrderID       *types.ID
	CompletedDeliveries int64
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Matchable reports whether dispatch may offer the courier an order.
func (c Courier) Matchable() bool {
	return c.Available && c.ActiveOrderID == nil
}

// Profile is static courier metadata owned by the identity subsystem.
type Profile struct {
	ID          types.ID
	DisplayName string
	Phone       string
	Vehicle     string
}

// ProfileSource resolves courier profiles from the identity subsystem.
type ProfileSource interface {
	GetCourierProfile(ctx context.Context, id types.ID) (Profile, error)
}

var (
	ErrNotFound   = errors.New("courier not found")
	ErrBadRequest = errors.New("bad request")
	// ErrBusy is returned when a courier already holds an active order.
	ErrBusy = errors.New("courier busy")
)

type Repository interface {
	Get(ctx context.Context, id types.ID) (*Courier, error)
	// SetAvailability creates the courier on first use.
	SetAvailability(ctx context.Context, id types.ID, available bool, at time.Time) (*Courier, error)
	UpdateLocation(ctx context.Context, id types.ID, p types.Point, at time.Time) error
	// ListMatchable returns couriers on duty without an active order.
	ListMatchable(ctx context.Context) ([]Courier, error)
}
