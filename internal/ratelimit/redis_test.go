package ratelimit_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/koopa0/arcade-sync/internal/ratelimit"
	"github.com/koopa0/arcade-sync/pkg/logger"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func testLogger() *slog.Logger {
	return logger.Discard()
}

// setupRedis 啟動 Redis 測試容器，沒有 Docker 時跳過
func setupRedis(t *testing.T) *redis.Client {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping redis container test in short mode")
	}
	tc.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = tc.TerminateContainer(container)
	})

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{
		Addr:         endpoint,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Ping(ctx).Err())
	return client
}

// TestRedisLimiter 分散式版本與單機版本行為相同
func TestRedisLimiter(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	for _, strategy := range strategies {
		t.Run(string(strategy), func(t *testing.T) {
			l, err := ratelimit.NewRedis(client, "test:"+string(strategy),
				ratelimit.Config{MaxRequests: 3, Window: 500 * time.Millisecond}, strategy,
				ratelimit.WithOpTimeout(time.Second),
				ratelimit.WithLogger(testLogger()),
			)
			require.NoError(t, err)

			for i := range 3 {
				res := l.Check(ctx, "conn_1")
				require.True(t, res.Allowed, "call %d", i+1)
				assert.Equal(t, 2-i, res.Remaining)
			}

			res := l.Check(ctx, "conn_1")
			assert.False(t, res.Allowed)
			assert.Equal(t, 0, res.Remaining)
			assert.True(t, l.Check(ctx, "conn_2").Allowed)

			time.Sleep(600 * time.Millisecond)
			assert.True(t, l.Check(ctx, "conn_1").Allowed)

			require.NoError(t, l.ResetAll(ctx))
			keys, err := client.Keys(ctx, "test:"+string(strategy)+":*").Result()
			require.NoError(t, err)
			assert.Empty(t, keys)
		})
	}
}

func TestRedisLimiter_Reset(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	l := ratelimit.NewRedisTokenBucket(client, "reset", ratelimit.Config{MaxRequests: 1, Window: time.Hour})
	require.True(t, l.Check(ctx, "a").Allowed)
	require.False(t, l.Check(ctx, "a").Allowed)

	require.NoError(t, l.Reset(ctx, "a"))
	assert.True(t, l.Check(ctx, "a").Allowed)
}

// TestRedisLimiter_DegradesToAllow Redis 不可用時允許請求
func TestRedisLimiter_DegradesToAllow(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 20 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	l := ratelimit.NewRedisSlidingWindow(client, "down", ratelimit.Config{MaxRequests: 1, Window: time.Second},
		ratelimit.WithOpTimeout(50*time.Millisecond),
		ratelimit.WithLogger(testLogger()),
	)

	for range 3 {
		res := l.Check(context.Background(), "id")
		assert.True(t, res.Allowed)
		assert.Equal(t, 1, res.Remaining)
	}
}
