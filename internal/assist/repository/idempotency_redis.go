package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultIdempotencyPrefix = "idem:request:"

// reserveAttempts bounds the SETNX/GET loop when a competing claim expires or is
// released between the two commands.
const reserveAttempts = 3

var releaseIdempotencyScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisIdempotencyRepo shares idempotency keys between service instances.
type RedisIdempotencyRepo struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedisIdempotencyRepo constructs the repository; keys expire after ttl.
func NewRedisIdempotencyRepo(client redis.Cmdable, ttl time.Duration) *RedisIdempotencyRepo {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisIdempotencyRepo{client: client, prefix: defaultIdempotencyPrefix, ttl: ttl}
}

func (r *RedisIdempotencyRepo) Reserve(ctx context.Context, key string, id uuid.UUID) (uuid.UUID, bool, error) {
	for attempt := 0; attempt < reserveAttempts; attempt++ {
		won, err := r.client.SetNX(ctx, r.prefix+key, id.String(), r.ttl).Result()
		if err != nil {
			return uuid.Nil, false, fmt.Errorf("redis setnx: %w", err)
		}
		if won {
			return id, true, nil
		}
		val, err := r.client.Get(ctx, r.prefix+key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return uuid.Nil, false, fmt.Errorf("redis get: %w", err)
		}
		held, err := uuid.Parse(val)
		if err != nil {
			return uuid.Nil, false, fmt.Errorf("idempotency value %q: %w", val, err)
		}
		return held, held == id, nil
	}
	return uuid.Nil, false, fmt.Errorf("idempotency key %q: claim kept changing", key)
}

func (r *RedisIdempotencyRepo) Release(ctx context.Context, key string, id uuid.UUID) error {
	if err := releaseIdempotencyScript.Run(ctx, r.client, []string{r.prefix + key}, id.String()).Err(); err != nil {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}
