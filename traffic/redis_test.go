package traffic

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// newRedisRecorder connects to the Redis named by PAGECACHE_TEST_REDIS
// and skips the test when the variable is unset.
func newRedisRecorder(t *testing.T) *Redis {
	t.Helper()
	addr := os.Getenv("PAGECACHE_TEST_REDIS")
	if addr == "" {
		t.Skip("PAGECACHE_TEST_REDIS not set, skipping Redis recorder tests")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.FlushDB(context.Background()).Err())
	return NewRedis(client)
}

func TestRedisRecordAndStats(t *testing.T) {
	r := newRedisRecorder(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, r.Record(ctx, "site-a", "/page", 120*time.Millisecond))
	}

	stats, err := r.WindowStats(ctx, "site-a", "/page", time.Hour)
	require.NoError(t, err)
	require.Equal(t, 5, stats.Count)
	require.InDelta(t, 120, stats.AvgResponseMs, 0.001)
}

func TestRedisUnseenURL(t *testing.T) {
	r := newRedisRecorder(t)

	stats, err := r.WindowStats(context.Background(), "site-a", "/nothing", time.Hour)
	require.NoError(t, err)
	require.Zero(t, stats.Count)
}

func TestRedisTenantIsolation(t *testing.T) {
	r := newRedisRecorder(t)
	ctx := context.Background()

	require.NoError(t, r.Record(ctx, "site-a", "/page", 100*time.Millisecond))

	stats, err := r.WindowStats(ctx, "site-b", "/page", time.Hour)
	require.NoError(t, err)
	require.Zero(t, stats.Count)
}
