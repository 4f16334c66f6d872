package availability

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foodrelay/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb)
}

func TestAvailableSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.MarkAvailable(ctx, "c1"))
	require.NoError(t, s.MarkAvailable(ctx, "c2"))
	require.NoError(t, s.MarkAvailable(ctx, "c1"))

	ids, err := s.ListAvailable(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.ID{"c1", "c2"}, ids)

	removed, err := s.MarkUnavailable(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = s.MarkUnavailable(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, removed, "second removal must not claim the courier again")

	ok, err := s.IsAvailable(ctx, "c2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMarkUnavailableSingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.MarkAvailable(ctx, "c1"))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			removed, err := s.MarkUnavailable(ctx, "c1")
			if err == nil && removed {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestPendingQueue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.EnqueuePending(ctx, "o2", t0.Add(time.Minute)))
	require.NoError(t, s.EnqueuePending(ctx, "o1", t0))
	// Re-enqueue keeps the original position.
	require.NoError(t, s.EnqueuePending(ctx, "o1", t0.Add(time.Hour)))

	pending, err := s.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, types.ID("o1"), pending[0].OrderID)
	assert.True(t, pending[0].EnqueuedAt.Equal(t0))
	assert.Equal(t, types.ID("o2"), pending[1].OrderID)

	require.NoError(t, s.DequeuePending(ctx, "o1"))
	require.NoError(t, s.DequeuePending(ctx, "o1"))
	require.NoError(t, s.DequeuePending(ctx, "missing"))

	pending, err = s.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, types.ID("o2"), pending[0].OrderID)
}

func TestDataQualityCounterResetsOnDequeue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		n, err := s.RecordDataQualityMiss(ctx, "o1")
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	require.NoError(t, s.DequeuePending(ctx, "o1"))
	n, err := s.RecordDataQualityMiss(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
