package repository

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisAdapter narrows *redis.Client down to the Set/Get methods
// service.ProgressMirror needs, so the service layer never imports go-redis
// directly.
type RedisAdapter struct {
	Client *redis.Client
}

// Set implements the redisSetter contract expected by service.NewRedisProgressMirror.
func (a *RedisAdapter) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return a.Client.Set(ctx, key, value, ttl).Err()
}

// Get returns the empty string with no error on a cache miss, matching the
// redisSetter contract's "miss" convention of an empty payload.
func (a *RedisAdapter) Get(ctx context.Context, key string) (string, error) {
	val, err := a.Client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}
