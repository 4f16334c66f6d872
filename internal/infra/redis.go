// README: Redis client for the geo index and availability queues; a down cache is tolerated at startup.
package infra

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// NewRedis returns a client with short timeouts so a cache outage fails a
// sweep quickly instead of stalling it. An unreachable server is logged, not
// fatal; reconcile rebuilds the cache once it is back.
func NewRedis(ctx context.Context, addr string, log logrus.FieldLogger) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.WithError(err).WithField("addr", addr).Warn("redis unreachable; dispatch sweeps are skipped until it recovers")
	}
	return client
}
