// README: Dispatch outcomes, sweep reports and the collaborators the dispatcher depends on.
package dispatch

import (
	"context"
	"errors"

	"foodrelay/internal/modules/courier"
	"foodrelay/internal/modules/location"
	"foodrelay/internal/modules/order"
	"foodrelay/internal/modules/review"
	"foodrelay/internal/types"
)

var (
	// ErrDataQuality means the order has no usable restaurant coordinate.
	ErrDataQuality = errors.New("order missing restaurant coordinate")
	// ErrStoreUnavailable means the geo/availability cache could not be reached.
	ErrStoreUnavailable = errors.New("dispatch store unavailable")
)

type Outcome string

const (
	OutcomeAssigned    Outcome = "assigned"
	OutcomeNoCandidate Outcome = "no_candidate"
	OutcomeConflict    Outcome = "conflict"
	OutcomeDataQuality Outcome = "data_quality"
	// OutcomeSkipped covers orders that left ready or already have a courier.
	OutcomeSkipped Outcome = "skipped"
)

type Result struct {
	OrderID    types.ID
	Outcome    Outcome
	CourierID  types.ID
	DistanceKm float64
	// Tried counts candidates offered before the outcome was reached.
	Tried int
}

type SweepReport struct {
	Sweep   int64
	Results []Result
}

// Count returns how many results have the given outcome.
func (r SweepReport) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

type ReconcileReport struct {
	PendingAdded      int
	PendingRemoved    int
	AvailableAdded    int
	AvailableRemoved  int
	LocationsRestored int
}

type CleanupReport struct {
	Reconcile     ReconcileReport
	StaleAssigned int
	ReadyTimedOut int
}

type Orders interface {
	Get(ctx context.Context, id types.ID) (*order.Order, error)
	Assign(ctx context.Context, cmd order.AssignCommand) error
	ListByStatus(ctx context.Context, status order.Status, limit int) ([]order.Order, error)
}

type Couriers interface {
	ListMatchable(ctx context.Context) ([]courier.Courier, error)
}

type GeoIndex interface {
	Nearby(ctx context.Context, origin types.Point, radiusKm float64) ([]location.Nearby, error)
	Position(ctx context.Context, id types.ID) (location.Position, bool, error)
	UpsertLocation(ctx context.Context, u location.Update) error
}

type Reviewer interface {
	Flag(ctx context.Context, orderID types.ID, reason review.Reason, detail string) error
}
