package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/p-n-ai/pai-planner/internal/platform/cache"
	"github.com/p-n-ai/pai-planner/internal/study"
)

// PlanCache stores the last computed plan per user. A cached plan is only
// served for the day it was computed.
//
// Every Invalidate advances the user's generation. Callers read Generation
// before loading the plan's inputs and pass it to Set, so a plan computed
// from data that changed mid-build is filed under a generation nobody reads.
type PlanCache interface {
	Generation(ctx context.Context, userID string) (int64, error)
	Get(ctx context.Context, userID string, gen int64, day time.Time) (*DailyPlan, bool, error)
	Set(ctx context.Context, userID string, gen int64, plan DailyPlan) error
	Invalidate(ctx context.Context, userID string) error
}

// NopPlanCache never caches.
type NopPlanCache struct{}

func (NopPlanCache) Generation(context.Context, string) (int64, error) {
	return 0, nil
}

func (NopPlanCache) Get(context.Context, string, int64, time.Time) (*DailyPlan, bool, error) {
	return nil, false, nil
}

func (NopPlanCache) Set(context.Context, string, int64, DailyPlan) error {
	return nil
}

func (NopPlanCache) Invalidate(context.Context, string) error {
	return nil
}

// MemoryPlanCache is an in-process PlanCache.
type MemoryPlanCache struct {
	mu    sync.Mutex
	gens  map[string]int64
	plans map[string]DailyPlan
}

func NewMemoryPlanCache() *MemoryPlanCache {
	return &MemoryPlanCache{
		gens:  make(map[string]int64),
		plans: make(map[string]DailyPlan),
	}
}

func (c *MemoryPlanCache) Generation(_ context.Context, userID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[userID], nil
}

func (c *MemoryPlanCache) Get(_ context.Context, userID string, gen int64, day time.Time) (*DailyPlan, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gens[userID] != gen {
		return nil, false, nil
	}
	p, ok := c.plans[userID]
	if !ok || !study.SameDay(p.Date, day) {
		return nil, false, nil
	}
	return &p, true, nil
}

// Set drops plans built against an older generation.
func (c *MemoryPlanCache) Set(_ context.Context, userID string, gen int64, plan DailyPlan) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[userID] != gen {
		return nil
	}
	c.plans[userID] = plan
	return nil
}

func (c *MemoryPlanCache) Invalidate(_ context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[userID]++
	delete(c.plans, userID)
	return nil
}

const defaultPlanTTL = 6 * time.Hour

// RedisPlanCache keeps plans in Redis as JSON, one key per user and
// generation. The generation counter itself has no TTL.
type RedisPlanCache struct {
	client redis.Cmdable
	keys   cache.Keys
	ttl    time.Duration
}

// NewRedisPlanCache creates a Redis-backed PlanCache. A zero ttl uses 6h.
func NewRedisPlanCache(client redis.Cmdable, keys cache.Keys, ttl time.Duration) *RedisPlanCache {
	if ttl <= 0 {
		ttl = defaultPlanTTL
	}
	return &RedisPlanCache{client: client, keys: keys, ttl: ttl}
}

func (c *RedisPlanCache) Generation(ctx context.Context, userID string) (int64, error) {
	gen, err := c.client.Get(ctx, c.keys.PlanGeneration(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read plan generation: %w", err)
	}
	return gen, nil
}

func (c *RedisPlanCache) Get(ctx context.Context, userID string, gen int64, day time.Time) (*DailyPlan, bool, error) {
	data, err := c.client.Get(ctx, c.keys.Plan(userID, gen)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get cached plan: %w", err)
	}

	var plan DailyPlan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, false, fmt.Errorf("decode cached plan: %w", err)
	}
	if !study.SameDay(plan.Date, day) {
		return nil, false, nil
	}
	return &plan, true, nil
}

func (c *RedisPlanCache) Set(ctx context.Context, userID string, gen int64, plan DailyPlan) error {
	data, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	if err := c.client.Set(ctx, c.keys.Plan(userID, gen), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache plan: %w", err)
	}
	return nil
}

// Invalidate advances the generation and drops the plan filed under the
// previous one. A plan written late under an old generation expires on its
// own TTL.
func (c *RedisPlanCache) Invalidate(ctx context.Context, userID string) error {
	gen, err := c.client.Incr(ctx, c.keys.PlanGeneration(userID)).Result()
	if err != nil {
		return fmt.Errorf("invalidate plan: %w", err)
	}
	if err := c.client.Del(ctx, c.keys.Plan(userID, gen-1)).Err(); err != nil {
		return fmt.Errorf("drop stale plan: %w", err)
	}
	return nil
}
