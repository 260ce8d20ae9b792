package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "assign:worker:"
	defaultTTL       = 5 * time.Second
)

// releaseLua deletes the key only while it still holds the caller's token, so an
// expired-and-reacquired guard is never dropped by its previous holder.
var releaseLua = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisGuard coordinates worker assignment across service instances with
// SET NX PX. The TTL bounds how long a crashed holder can block a worker.
type RedisGuard struct {
	client    redis.Cmdable
	keyPrefix string
}

// NewRedisGuard constructs the guard.
func NewRedisGuard(client redis.Cmdable, prefix string) *RedisGuard {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisGuard{client: client, keyPrefix: prefix}
}

// TryAcquire takes the worker's guard on behalf of requestID.
func (g *RedisGuard) TryAcquire(ctx context.Context, workerID, requestID uuid.UUID, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	ok, err := g.client.SetNX(ctx, g.keyPrefix+workerID.String(), requestID.String(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

// Release drops the guard if requestID still holds it.
func (g *RedisGuard) Release(ctx context.Context, workerID, requestID uuid.UUID) error {
	key := g.keyPrefix + workerID.String()
	if err := releaseLua.Run(ctx, g.client, []string{key}, requestID.String()).Err(); err != nil {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}
