// Package cache connects to the Redis instance shared by planner processes
// and owns the layout of the keys they write: per-topic quiz locks, the
// per-user plan generation counter and cached daily plans.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces planner keys when no prefix is configured.
const DefaultPrefix = "study"

// Keys builds namespaced Redis keys. The zero value writes un-prefixed keys.
type Keys struct {
	Prefix string
}

func (k Keys) join(parts ...string) string {
	if k.Prefix != "" {
		parts = append([]string{k.Prefix}, parts...)
	}
	return strings.Join(parts, ":")
}

// Lock returns the key guarding the named critical section.
func (k Keys) Lock(name string) string {
	return k.join("lock", name)
}

// PlanGeneration returns the counter bumped whenever a user's plan inputs
// change.
func (k Keys) PlanGeneration(userID string) string {
	return k.join("plangen", userID)
}

// Plan returns the key holding a user's plan computed at generation gen.
func (k Keys) Plan(userID string, gen int64) string {
	return k.join("plan", userID, strconv.FormatInt(gen, 10))
}

// Cache holds the Redis client and the key layout used with it.
type Cache struct {
	Client *redis.Client
	Keys   Keys
}

// ParseURL validates a Redis connection URL.
func ParseURL(url string) (*redis.Options, error) {
	if url == "" {
		return nil, fmt.Errorf("cache URL is empty")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid cache URL: %w", err)
	}
	return opts, nil
}

// New connects to Redis at url. Keys are namespaced under prefix.
func New(ctx context.Context, url, prefix string) (*Cache, error) {
	opts, err := ParseURL(url)
	if err != nil {
		return nil, err
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging cache at %s: %w", opts.Addr, err)
	}

	return &Cache{Client: client, Keys: Keys{Prefix: prefix}}, nil
}

// Close shuts down the cache client.
func (c *Cache) Close() error {
	return c.Client.Close()
}

// HealthCheck verifies the cache connection is alive.
func (c *Cache) HealthCheck(ctx context.Context) error {
	return c.Client.Ping(ctx).Err()
}
