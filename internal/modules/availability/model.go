// README: Availability queue keys and pending-order records.
package availability

import (
	"fmt"
	"time"

	"foodrelay/internal/types"
)

const (
	availableCouriersKey = "dispatch:couriers:available"
	pendingOrdersKey     = "dispatch:orders:pending"
	dataQualityKeyPrefix = "dispatch:order:%s:data_quality"
	// Counters outlive any realistic wait for a courier.
	counterTTL = 7 * 24 * time.Hour
)

// Pending is an order waiting for a courier with the time it entered the queue.
type Pending struct {
	OrderID    types.ID
	EnqueuedAt time.Time
}

func dataQualityKey(orderID types.ID) string {
	return fmt.Sprintf(dataQualityKeyPrefix, string(orderID))
}
