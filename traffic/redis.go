package traffic

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis is a Recorder backed by Redis sorted sets, shared across the
// processes serving one site. Each URL maps to a sorted set scored by
// sample time; pruning uses ZRemRangeByScore. Aggregation across
// concurrent writers is eventually consistent around prune boundaries,
// which is acceptable for scoring.
type Redis struct {
	client    redis.UniversalClient
	maxWindow time.Duration
	keyPrefix string
	now       func() time.Time
}

// RedisOption configures a Redis recorder.
type RedisOption func(*Redis)

// WithRedisMaxWindow sets the largest supported window.
func WithRedisMaxWindow(d time.Duration) RedisOption {
	return func(r *Redis) {
		r.maxWindow = d
	}
}

// WithKeyPrefix sets the Redis key prefix. Default "pagecache:traffic".
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		r.keyPrefix = prefix
	}
}

// WithRedisNow sets the time function for testing.
func WithRedisNow(now func() time.Time) RedisOption {
	return func(r *Redis) {
		r.now = now
	}
}

// NewRedis creates a Redis-backed recorder.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{
		client:    client,
		maxWindow: DefaultWindow,
		keyPrefix: "pagecache:traffic",
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) key(tenant, url string) string {
	if tenant == "" {
		tenant = "default"
	}
	return fmt.Sprintf("%s:%s:%s", r.keyPrefix, tenant, url)
}

// Record appends a sample. The member carries the response time; a random
// suffix keeps members from concurrent writers distinct.
func (r *Redis) Record(ctx context.Context, tenant, url string, responseTime time.Duration) error {
	now := r.now()
	key := r.key(tenant, url)
	member := fmt.Sprintf("%d:%s", responseTime.Milliseconds(), uuid.NewString())

	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: member,
	})
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(now.Add(-r.maxWindow).UnixMilli(), 10))
	pipe.Expire(ctx, key, r.maxWindow)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("recording sample: %w", err)
	}
	return nil
}

// WindowStats aggregates samples within the window.
func (r *Redis) WindowStats(ctx context.Context, tenant, url string, window time.Duration) (Stats, error) {
	if window <= 0 || window > r.maxWindow {
		window = r.maxWindow
	}
	now := r.now()

	members, err := r.client.ZRangeByScore(ctx, r.key(tenant, url), &redis.ZRangeBy{
		Min: strconv.FormatInt(now.Add(-window).UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("reading samples: %w", err)
	}

	var count int
	var totalMs float64
	for _, member := range members {
		msStr, _, ok := strings.Cut(member, ":")
		if !ok {
			continue
		}
		ms, err := strconv.ParseFloat(msStr, 64)
		if err != nil {
			continue
		}
		count++
		totalMs += ms
	}

	return aggregate(count, totalMs, window), nil
}

var _ Recorder = (*Redis)(nil)
