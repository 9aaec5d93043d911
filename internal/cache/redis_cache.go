package cache

import (
	"context"
	"errors"

	redis "github.com/redis/go-redis/v9"
)

const redisPrefix = "daftar:cache:"

// Redis keeps entries without expiry so a restarted process finds them.
type Redis struct {
	client *redis.Client
}

func NewRedis(addr string, password string, db int) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &Redis{client: client}
}

func NewRedisWithClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (c *Redis) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Redis) Close() error {
	return c.client.Close()
}

func (c *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, redisPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *Redis) Set(ctx context.Context, key string, value []byte) error {
	return c.client.Set(ctx, redisPrefix+key, value, 0).Err()
}
