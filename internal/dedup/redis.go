package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisGuard implements Guard with Redis SETNX for atomic
// first-write-wins across replicas. Ensures no race even when two CI
// workers submit the same run to different API instances.
type RedisGuard struct {
	client *redis.Client
}

// NewRedisGuard connects to Redis and verifies the connection.
func NewRedisGuard(addr, password string, db int) (*RedisGuard, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisGuard{client: client}, nil
}

func (g *RedisGuard) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	// SETNX with TTL: returns true only for the first writer.
	wasSet, err := g.client.SetNX(ctx, guardKey(key), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis SETNX failed: %w", err)
	}
	return wasSet, nil
}

func (g *RedisGuard) Release(ctx context.Context, key string) error {
	if err := g.client.Del(ctx, guardKey(key)).Err(); err != nil {
		return fmt.Errorf("redis DEL failed: %w", err)
	}
	return nil
}

func (g *RedisGuard) Close() error {
	return g.client.Close()
}
