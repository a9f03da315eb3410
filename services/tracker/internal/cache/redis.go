package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/watchproof/services/tracker/internal/engine"
)

const keyPrefix = "watchproof:progress:"

// RedisCache keeps the latest snapshot per (user, video) as JSON with a TTL.
type RedisCache struct {
	Client *redis.Client
	TTL    time.Duration
}

func NewRedisCache(url string, ttl time.Duration) (*RedisCache, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisCache{Client: redis.NewClient(opt), TTL: ttl}, nil
}

func redisKey(key engine.Key) string {
	return keyPrefix + key.UserID + ":" + key.VideoID
}

func (c *RedisCache) Put(ctx context.Context, snap engine.Snapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.Client.Set(ctx, redisKey(snap.Key()), b, c.TTL).Err()
}

func (c *RedisCache) Get(ctx context.Context, key engine.Key) (engine.Snapshot, bool, error) {
	val, err := c.Client.Get(ctx, redisKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return engine.Snapshot{}, false, nil
		}
		return engine.Snapshot{}, false, err
	}
	var snap engine.Snapshot
	if err := json.Unmarshal(val, &snap); err != nil {
		return engine.Snapshot{}, false, err
	}
	return snap, true, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.Client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.Client.Close()
}
