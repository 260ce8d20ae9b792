package guard_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/example/roadassist/internal/assist/domain"
	"github.com/example/roadassist/internal/assist/guard"
)

func newRedisClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return client, mr
}

func exerciseGuard(t *testing.T, g domain.AssignmentGuard) {
	ctx := context.Background()
	workerID := uuid.New()
	reqA := uuid.New()
	reqB := uuid.New()

	ok, err := g.TryAcquire(ctx, workerID, reqA, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = g.TryAcquire(ctx, workerID, reqB, time.Second)
	require.NoError(t, err)
	require.False(t, ok, "second holder must be refused")

	// a non-holder release is a no-op
	require.NoError(t, g.Release(ctx, workerID, reqB))
	ok, err = g.TryAcquire(ctx, workerID, reqB, time.Second)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, g.Release(ctx, workerID, reqA))
	ok, err = g.TryAcquire(ctx, workerID, reqB, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMemoryGuard(t *testing.T) {
	exerciseGuard(t, guard.NewMemoryGuard())
}

func TestRedisGuard(t *testing.T) {
	client, _ := newRedisClient(t)
	exerciseGuard(t, guard.NewRedisGuard(client, ""))
}

func TestRedisGuardExpires(t *testing.T) {
	client, mr := newRedisClient(t)
	g := guard.NewRedisGuard(client, "")
	ctx := context.Background()
	workerID := uuid.New()

	ok, err := g.TryAcquire(ctx, workerID, uuid.New(), 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(200 * time.Millisecond)

	ok, err = g.TryAcquire(ctx, workerID, uuid.New(), time.Second)
	require.NoError(t, err)
	require.True(t, ok)
}
