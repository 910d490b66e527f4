package common

import (
	"context"
	"fmt"
	"time"

	"github.com/lgulliver/freight/pkg/config"
	"github.com/redis/go-redis/v9"
)

// Cache wraps the Redis client shared by Redis-backed components
type Cache struct {
	client *redis.Client
}

// NewCache creates a new cache instance
func NewCache(cfg *config.RedisConfig) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Cache{client: client}, nil
}

// NewCacheFromClient wraps an existing client
func NewCacheFromClient(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// Client returns the underlying Redis client
func (c *Cache) Client() *redis.Client {
	return c.client
}

// Ping checks the connection
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	return c.client.Close()
}
