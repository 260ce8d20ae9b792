package geo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/roadassist/internal/assist/domain"
)

const defaultGeoKey = "provider:locs"

var errInvalidGeoResult = errors.New("invalid geo search result")

// RedisIndex implements Index with Redis GEO commands, one sorted set per provider kind.
type RedisIndex struct {
	client redis.Cmdable
	key    string
}

// NewRedisIndex constructs a Redis-backed geo index.
func NewRedisIndex(client redis.Cmdable, key string) *RedisIndex {
	if key == "" {
		key = defaultGeoKey
	}
	return &RedisIndex{client: client, key: key}
}

func (r *RedisIndex) keyFor(kind domain.ProviderKind) string {
	return fmt.Sprintf("%s:%s", r.key, kind)
}

func (r *RedisIndex) Upsert(ctx context.Context, kind domain.ProviderKind, providerID uuid.UUID, point domain.GeoPoint) error {
	if err := point.Validate(); err != nil {
		return err
	}
	err := r.client.GeoAdd(ctx, r.keyFor(kind), &redis.GeoLocation{
		Name:      providerID.String(),
		Longitude: point.Lng,
		Latitude:  point.Lat,
	}).Err()
	if err != nil {
		return fmt.Errorf("redis geoadd: %w", err)
	}
	return nil
}

func (r *RedisIndex) Remove(ctx context.Context, kind domain.ProviderKind, providerID uuid.UUID) error {
	if err := r.client.ZRem(ctx, r.keyFor(kind), providerID.String()).Err(); err != nil {
		return fmt.Errorf("redis zrem: %w", err)
	}
	return nil
}

// Nearby returns providers of kind within radiusKM sorted by distance to point.
func (r *RedisIndex) Nearby(ctx context.Context, kind domain.ProviderKind, point domain.GeoPoint, radiusKM float64, limit int) ([]Hit, error) {
	if err := point.Validate(); err != nil {
		return nil, err
	}
	query := &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  point.Lng,
			Latitude:   point.Lat,
			Radius:     radiusKM,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithDist: true,
	}
	if limit > 0 {
		query.Count = limit
	}
	results, err := r.client.GeoSearchLocation(ctx, r.keyFor(kind), query).Result()
	if err != nil {
		return nil, fmt.Errorf("redis geosearch: %w", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, res := range results {
		id, err := uuid.Parse(res.Name)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", errInvalidGeoResult, res.Name)
		}
		hits = append(hits, Hit{ProviderID: id, DistanceKM: res.Dist})
	}
	return hits, nil
}
