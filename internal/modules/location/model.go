// README: Geo index records (courier position, timestamp) and nearby results.
package location

import (
	"time"

	"foodrelay/internal/types"
)

// Position is the last-known coordinate reported by a courier.
type Position struct {
	CourierID types.ID
	Point     types.Point
	UpdatedAt time.Time
}

// Nearby is one ranked result of a radius query.
type Nearby struct {
	CourierID  types.ID
	Point      types.Point
	DistanceKm float64
	// UpdatedAt is zero when the timestamp was never recorded.
	UpdatedAt time.Time
}

// Age reports how old the position is relative to now.
func (n Nearby) Age(now time.Time) time.Duration {
	if n.UpdatedAt.IsZero() {
		return 0
	}
	return now.Sub(n.UpdatedAt)
}
