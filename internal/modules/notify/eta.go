// README: Google Maps directions estimate for the courier -> restaurant -> customer route.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"googlemaps.github.io/maps"

	"foodrelay/internal/types"
)

var ErrNoRoute = errors.New("no route found")

type MapsETA struct {
	client *maps.Client
}

func NewMapsETA(client *maps.Client) *MapsETA {
	return &MapsETA{client: client}
}

// NewMapsClient builds a maps client; extra options are used by tests to
// point the client at a fake server.
func NewMapsClient(apiKey string, opts ...maps.ClientOption) (*maps.Client, error) {
	opts = append([]maps.ClientOption{maps.WithAPIKey(apiKey)}, opts...)
	client, err := maps.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return client, nil
}

// Estimate sums the leg durations of a driving route through the restaurant.
func (e *MapsETA) Estimate(ctx context.Context, courier, restaurant, customer types.Point) (time.Duration, error) {
	r := &maps.DirectionsRequest{
		Origin:      latLng(courier),
		Destination: latLng(customer),
		Waypoints:   []string{latLng(restaurant)},
		Mode:        maps.TravelModeDriving,
	}
	routes, _, err := e.client.Directions(ctx, r)
	if err != nil {
		return 0, fmt.Errorf("maps api error: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return 0, ErrNoRoute
	}
	var total time.Duration
	for _, leg := range routes[0].Legs {
		total += leg.Duration
	}
	return total, nil
}

func latLng(p types.Point) string {
	return strconv.FormatFloat(p.Lat, 'f', 6, 64) + "," + strconv.FormatFloat(p.Lng, 'f', 6, 64)
}
