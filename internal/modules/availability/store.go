// README: Availability store backed by a Redis set (couriers) and a sorted set (pending orders).
package availability

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"foodrelay/internal/types"
)

type Store struct {
	redis *redis.Client
}

func NewStore(redis *redis.Client) *Store {
	return &Store{redis: redis}
}

func (s *Store) MarkAvailable(ctx context.Context, courierID types.ID) error {
	return s.redis.SAdd(ctx, availableCouriersKey, string(courierID)).Err()
}

// MarkUnavailable removes the courier and reports whether this call removed
// it. Dispatch uses the result as a conditional delete: only the caller that
// sees removed=true owns the courier.
func (s *Store) MarkUnavailable(ctx context.Context, courierID types.ID) (bool, error) {
	n, err := s.redis.SRem(ctx, availableCouriersKey, string(courierID)).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) IsAvailable(ctx context.Context, courierID types.ID) (bool, error) {
	return s.redis.SIsMember(ctx, availableCouriersKey, string(courierID)).Result()
}

func (s *Store) ListAvailable(ctx context.Context) ([]types.ID, error) {
	members, err := s.redis.SMembers(ctx, availableCouriersKey).Result()
	if err != nil {
		return nil, err
	}
	return toIDs(members), nil
}

// EnqueuePending adds the order keeping its first enqueue time.
func (s *Store) EnqueuePending(ctx context.Context, orderID types.ID, at time.Time) error {
	return s.redis.ZAddNX(ctx, pendingOrdersKey, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: string(orderID),
	}).Err()
}

// DequeuePending is idempotent; removing an absent order is not an error.
func (s *Store) DequeuePending(ctx context.Context, orderID types.ID) error {
	pipe := s.redis.TxPipeline()
	pipe.ZRem(ctx, pendingOrdersKey, string(orderID))
	pipe.Del(ctx, dataQualityKey(orderID))
	_, err := pipe.Exec(ctx)
	return err
}

// ListPending returns waiting orders, oldest first.
func (s *Store) ListPending(ctx context.Context) ([]Pending, error) {
	zs, err := s.redis.ZRangeWithScores(ctx, pendingOrdersKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Pending, 0, len(zs))
	for _, z := range zs {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		out = append(out, Pending{
			OrderID:    types.ID(member),
			EnqueuedAt: time.UnixMilli(int64(z.Score)).UTC(),
		})
	}
	return out, nil
}

// RecordDataQualityMiss counts consecutive sweeps that skipped the order for
// missing coordinates and returns the new count.
func (s *Store) RecordDataQualityMiss(ctx context.Context, orderID types.ID) (int64, error) {
	key := dataQualityKey(orderID)
	pipe := s.redis.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, counterTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func toIDs(members []string) []types.ID {
	ids := make([]types.ID, len(members))
	for i, m := range members {
		ids[i] = types.ID(m)
	}
	return ids
}
