// README: Geo index store backed by Redis GEO plus a hash of report timestamps.
package location

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"foodrelay/internal/types"
)

const (
	courierGeoKey     = "geo:couriers"
	courierUpdatedKey = "geo:couriers:updated_at"
	// radiusSlack widens the Redis query so the exact haversine cut below
	// decides membership at the boundary.
	radiusSlack = 1.01
)

type Store struct {
	redis *redis.Client
}

func NewStore(redis *redis.Client) *Store {
	return &Store{redis: redis}
}

func (s *Store) Upsert(ctx context.Context, p Position) error {
	pipe := s.redis.TxPipeline()
	pipe.GeoAdd(ctx, courierGeoKey, &redis.GeoLocation{
		Name:      string(p.CourierID),
		Longitude: p.Point.Lng,
		Latitude:  p.Point.Lat,
	})
	pipe.HSet(ctx, courierUpdatedKey, string(p.CourierID), p.UpdatedAt.UnixMilli())
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) Remove(ctx context.Context, id types.ID) error {
	pipe := s.redis.TxPipeline()
	pipe.ZRem(ctx, courierGeoKey, string(id))
	pipe.HDel(ctx, courierUpdatedKey, string(id))
	_, err := pipe.Exec(ctx)
	return err
}

// Get returns the stored position of a courier, or found=false.
func (s *Store) Get(ctx context.Context, id types.ID) (Position, bool, error) {
	pos, err := s.redis.GeoPos(ctx, courierGeoKey, string(id)).Result()
	if err != nil {
		return Position{}, false, err
	}
	if len(pos) == 0 || pos[0] == nil {
		return Position{}, false, nil
	}
	updated, err := s.updatedAt(ctx, []string{string(id)})
	if err != nil {
		return Position{}, false, err
	}
	return Position{
		CourierID: id,
		Point:     types.Point{Lat: pos[0].Latitude, Lng: pos[0].Longitude},
		UpdatedAt: updated[string(id)],
	}, true, nil
}

// Nearby returns couriers within radiusKm of origin, nearest first.
func (s *Store) Nearby(ctx context.Context, origin types.Point, radiusKm float64) ([]Nearby, error) {
	// GEORADIUS rather than GEOSEARCH keeps the query servable by miniredis,
	// which registers no GEOSEARCH. Both return the same members here.
	locs, err := s.redis.GeoRadius(ctx, courierGeoKey, origin.Lng, origin.Lat, &redis.GeoRadiusQuery{
		Radius:    radiusKm * radiusSlack,
		Unit:      "km",
		WithCoord: true,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(locs) == 0 {
		return nil, nil
	}

	names := make([]string, len(locs))
	for i, l := range locs {
		names[i] = l.Name
	}
	updated, err := s.updatedAt(ctx, names)
	if err != nil {
		return nil, err
	}

	out := make([]Nearby, 0, len(locs))
	for _, l := range locs {
		p := types.Point{Lat: l.Latitude, Lng: l.Longitude}
		d := HaversineKm(origin, p)
		if d > radiusKm {
			continue
		}
		out = append(out, Nearby{
			CourierID:  types.ID(l.Name),
			Point:      p,
			DistanceKm: d,
			UpdatedAt:  updated[l.Name],
		})
	}
	sortByDistance(out, func(n Nearby) float64 { return n.DistanceKm })
	return out, nil
}

func (s *Store) updatedAt(ctx context.Context, ids []string) (map[string]time.Time, error) {
	vals, err := s.redis.HMGet(ctx, courierUpdatedKey, ids...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make(map[string]time.Time, len(ids))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		ms, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			continue
		}
		out[ids[i]] = time.UnixMilli(ms).UTC()
	}
	return out, nil
}
