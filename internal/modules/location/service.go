// README: Geo index service validates updates and answers radius queries.
package location

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"foodrelay/internal/types"
)

var ErrInvalidLocation = errors.New("invalid location")

type Update struct {
	CourierID types.ID `validate:"required"`
	Lat       float64  `validate:"gte=-90,lte=90"`
	Lng       float64  `validate:"gte=-180,lte=180"`
	At        time.Time
}

type Service struct {
	store    *Store
	validate *validator.Validate
	now      func() time.Time
}

func NewService(store *Store) *Service {
	return &Service{store: store, validate: validator.New(), now: time.Now}
}

// UpsertLocation records the courier's coordinate. A zero At uses the
// current time.
func (s *Service) UpsertLocation(ctx context.Context, u Update) error {
	if err := s.validate.Struct(u); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidLocation, err)
	}
	p := types.Point{Lat: u.Lat, Lng: u.Lng}
	if !p.Valid() {
		return ErrInvalidLocation
	}
	at := u.At
	if at.IsZero() {
		at = s.now()
	}
	return s.store.Upsert(ctx, Position{CourierID: u.CourierID, Point: p, UpdatedAt: at.UTC()})
}

// Nearby ranks indexed couriers by great-circle distance. Stale positions
// are returned as well; callers filter on UpdatedAt when they need to.
func (s *Service) Nearby(ctx context.Context, origin types.Point, radiusKm float64) ([]Nearby, error) {
	if !origin.Valid() || radiusKm <= 0 {
		return nil, ErrInvalidLocation
	}
	return s.store.Nearby(ctx, origin, radiusKm)
}

func (s *Service) RemoveLocation(ctx context.Context, id types.ID) error {
	return s.store.Remove(ctx, id)
}

func (s *Service) Position(ctx context.Context, id types.ID) (Position, bool, error) {
	return s.store.Get(ctx, id)
}
