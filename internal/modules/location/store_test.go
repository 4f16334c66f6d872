package location

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foodrelay/internal/types"
)

var restaurant = types.Point{Lat: 10.80, Lng: 106.70}

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return NewService(NewStore(rdb)), mr
}

func TestNearbyRanksByDistance(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, svc.UpsertLocation(ctx, Update{CourierID: "far", Lat: 10.827, Lng: 106.70, At: at}))
	require.NoError(t, svc.UpsertLocation(ctx, Update{CourierID: "near", Lat: 10.809, Lng: 106.70, At: at}))
	require.NoError(t, svc.UpsertLocation(ctx, Update{CourierID: "outside", Lat: 11.20, Lng: 106.70, At: at}))

	got, err := svc.Nearby(ctx, restaurant, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, types.ID("near"), got[0].CourierID)
	assert.Equal(t, types.ID("far"), got[1].CourierID)
	assert.InDelta(t, 1.0, got[0].DistanceKm, 0.05)
	assert.InDelta(t, 3.0, got[1].DistanceKm, 0.05)
	assert.True(t, got[0].UpdatedAt.Equal(at))
}

func TestNearbyCutsAtExactRadius(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	// 9.9 km and 10.05 km due north; 1 degree of latitude is about 111.195 km.
	require.NoError(t, svc.UpsertLocation(ctx, Update{CourierID: "inside", Lat: 10.889033, Lng: 106.70}))
	require.NoError(t, svc.UpsertLocation(ctx, Update{CourierID: "edge", Lat: 10.890382, Lng: 106.70}))

	got, err := svc.Nearby(ctx, restaurant, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, types.ID("inside"), got[0].CourierID)
	assert.InDelta(t, 9.9, got[0].DistanceKm, 0.01)
}

func TestUpsertMovesCourier(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.UpsertLocation(ctx, Update{CourierID: "c1", Lat: 10.827, Lng: 106.70}))
	require.NoError(t, svc.UpsertLocation(ctx, Update{CourierID: "c2", Lat: 10.818, Lng: 106.70}))
	require.NoError(t, svc.UpsertLocation(ctx, Update{CourierID: "c1", Lat: 10.801, Lng: 106.70}))

	got, err := svc.Nearby(ctx, restaurant, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, types.ID("c1"), got[0].CourierID)
}

func TestRemoveLocation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.UpsertLocation(ctx, Update{CourierID: "c1", Lat: 10.809, Lng: 106.70}))
	require.NoError(t, svc.RemoveLocation(ctx, "c1"))
	require.NoError(t, svc.RemoveLocation(ctx, "never-there"))

	got, err := svc.Nearby(ctx, restaurant, 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, found, err := svc.Position(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestUpsertRejectsInvalidCoordinates(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cases := []Update{
		{CourierID: "c1", Lat: 91, Lng: 0.5},
		{CourierID: "c1", Lat: 10, Lng: 181},
		{CourierID: "c1", Lat: 0, Lng: 0},
		{CourierID: "", Lat: 10, Lng: 106},
	}
	for _, u := range cases {
		assert.ErrorIs(t, svc.UpsertLocation(ctx, u), ErrInvalidLocation, "update %+v", u)
	}
}

func TestNearbyStoreUnavailable(t *testing.T) {
	svc, mr := newTestService(t)
	mr.Close()

	_, err := svc.Nearby(context.Background(), restaurant, 10)
	assert.Error(t, err)
}
