package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Alarm is a persisted wake-up time for one member of an alarm set.
type Alarm struct {
	Member string
	At     time.Time
}

// Cache is the Redis-facing interface. Actor storage, alarm persistence,
// token lookups and rate limiting all go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)

	ScheduleAlarm(ctx context.Context, set, member string, at time.Time) error
	CancelAlarm(ctx context.Context, set, member string) error
	Alarm(ctx context.Context, set, member string) (time.Time, bool, error)
	Alarms(ctx context.Context, set string) ([]Alarm, error)
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// ScheduleAlarm stores at as the member's score, replacing any earlier alarm.
func (c *RedisCache) ScheduleAlarm(ctx context.Context, set, member string, at time.Time) error {
	return c.client.ZAdd(ctx, set, redis.Z{Score: float64(at.UnixMilli()), Member: member}).Err()
}

func (c *RedisCache) CancelAlarm(ctx context.Context, set, member string) error {
	return c.client.ZRem(ctx, set, member).Err()
}

func (c *RedisCache) Alarm(ctx context.Context, set, member string) (time.Time, bool, error) {
	score, err := c.client.ZScore(ctx, set, member).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(int64(score)), true, nil
}

// Alarms returns every pending alarm in set, earliest first.
func (c *RedisCache) Alarms(ctx context.Context, set string) ([]Alarm, error) {
	zs, err := c.client.ZRangeWithScores(ctx, set, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	alarms := make([]Alarm, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		alarms = append(alarms, Alarm{Member: member, At: time.UnixMilli(int64(z.Score))})
	}
	return alarms, nil
}

// Compile-time check that RedisCache implements Cache.
var _ Cache = (*RedisCache)(nil)
