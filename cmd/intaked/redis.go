package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tbourn/intake-guard/internal/config"
)

// newRedisClient connects to the group counter Redis and pings it once.
func newRedisClient(ctx context.Context, c config.RedisConfig) (redis.UniversalClient, error) {
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{c.Addr},
		Password: c.Password,
		DB:       c.DB,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", c.Addr, err)
	}
	return rdb, nil
}
