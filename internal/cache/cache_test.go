package cache_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/mediaforge/internal/cache"
	"github.com/kiranshivaraju/mediaforge/internal/cache/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis spins up a Redis container and returns a connected RedisCache + cleanup.
func setupRedis(t *testing.T) *cache.RedisCache {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	redisURL := "redis://" + host + ":" + port.Port()
	rc, err := cache.NewRedisCache(redisURL)
	require.NoError(t, err)
	t.Cleanup(func() { rc.Close() })

	return rc
}

// backends runs fn against Redis (unless -short) and the in-memory mock.
func backends(t *testing.T, fn func(t *testing.T, c cache.Cache)) {
	t.Run("memory", func(t *testing.T) { fn(t, mock.NewCache()) })
	t.Run("redis", func(t *testing.T) {
		if testing.Short() {
			t.Skip("skipping integration test")
		}
		fn(t, setupRedis(t))
	})
}

func TestPing(t *testing.T) {
	backends(t, func(t *testing.T, c cache.Cache) {
		assert.NoError(t, c.Ping(context.Background()))
	})
}

func TestIncrWithExpiry(t *testing.T) {
	backends(t, func(t *testing.T, c cache.Cache) {
		ctx := context.Background()
		for want := int64(1); want <= 3; want++ {
			got, err := c.IncrWithExpiry(ctx, "test:incr", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
	})
}

func TestIncrWithExpiry_Expires(t *testing.T) {
	backends(t, func(t *testing.T, c cache.Cache) {
		ctx := context.Background()
		_, err := c.IncrWithExpiry(ctx, "test:incr:exp", time.Second)
		require.NoError(t, err)

		time.Sleep(1500 * time.Millisecond)

		got, err := c.IncrWithExpiry(ctx, "test:incr:exp", time.Second)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got)
	})
}

func TestAcquireLock_Exclusive(t *testing.T) {
	backends(t, func(t *testing.T, c cache.Cache) {
		ctx := context.Background()
		token, ok, err := c.AcquireLock(ctx, "test:lock", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
		assert.NotEmpty(t, token)

		_, ok, err = c.AcquireLock(ctx, "test:lock", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, c.ReleaseLock(ctx, "test:lock", token))

		_, ok, err = c.AcquireLock(ctx, "test:lock", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestReleaseLock_WrongTokenKeepsLock(t *testing.T) {
	backends(t, func(t *testing.T, c cache.Cache) {
		ctx := context.Background()
		_, ok, err := c.AcquireLock(ctx, "test:lock:token", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, c.ReleaseLock(ctx, "test:lock:token", "not-the-token"))

		_, ok, err = c.AcquireLock(ctx, "test:lock:token", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestAcquireLock_Expires(t *testing.T) {
	backends(t, func(t *testing.T, c cache.Cache) {
		ctx := context.Background()
		_, ok, err := c.AcquireLock(ctx, "test:lock:ttl", 500*time.Millisecond)
		require.NoError(t, err)
		require.True(t, ok)

		time.Sleep(800 * time.Millisecond)

		_, ok, err = c.AcquireLock(ctx, "test:lock:ttl", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestAcquireLock_Concurrent(t *testing.T) {
	backends(t, func(t *testing.T, c cache.Cache) {
		ctx := context.Background()
		var winners atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, ok, err := c.AcquireLock(ctx, "test:lock:race", time.Minute); err == nil && ok {
					winners.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), winners.Load())
	})
}

func TestKeyBuilders_NonColliding(t *testing.T) {
	id := uuid.New()
	keys := []string{
		cache.PollLeaseKey(id),
		cache.CloneLockKey(id, "k"),
		cache.TrainingLockKey(id),
		cache.RateLimitKey(id.String()),
	}
	seen := map[string]bool{}
	for _, k := range keys {
		assert.False(t, seen[k], "duplicate key %s", k)
		seen[k] = true
	}
	assert.Equal(t, "lease:poll:"+id.String(), cache.PollLeaseKey(id))
}
