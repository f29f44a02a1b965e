package sqsqueue

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDedup is a SET NX ledger of idempotency keys.
type RedisDedup struct {
	Client *redis.Client
	Prefix string
	TTL    time.Duration
}

func (d *RedisDedup) key(k string) string { return d.Prefix + ":seen:" + k }

func (d *RedisDedup) Claim(ctx context.Context, key string, extra time.Duration) (bool, error) {
	return d.Client.SetNX(ctx, d.key(key), 1, d.TTL+extra).Result()
}

func (d *RedisDedup) Release(ctx context.Context, key string) error {
	return d.Client.Del(ctx, d.key(key)).Err()
}
