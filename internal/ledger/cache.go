package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/fmarinho/agentgov/internal/domain"
	"github.com/redis/go-redis/v9"
)

// AggregateCache holds recent Aggregate results so dashboard and billing
// readers don't rescan the ledger on every call. Entries are short-lived;
// a stale summary only delays a dashboard by seconds.
type AggregateCache interface {
	Get(ctx context.Context, callerID string, from, to time.Time) (domain.UsageSummary, bool)
	Set(ctx context.Context, summary domain.UsageSummary)
}

func cacheKey(callerID string, from, to time.Time) string {
	return fmt.Sprintf("usage:%s:%d:%d", callerID, from.Unix(), to.Unix())
}

type MemoryAggregateCache struct {
	mu    sync.RWMutex
	items map[string]cacheItem
	ttl   time.Duration
}

type cacheItem struct {
	summary   domain.UsageSummary
	expiresAt time.Time
}

func NewMemoryAggregateCache(ttl time.Duration) *MemoryAggregateCache {
	c := &MemoryAggregateCache{
		items: make(map[string]cacheItem),
		ttl:   ttl,
	}
	go c.cleanup()
	return c
}

func (c *MemoryAggregateCache) Get(ctx context.Context, callerID string, from, to time.Time) (domain.UsageSummary, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, ok := c.items[cacheKey(callerID, from, to)]
	if !ok || time.Now().After(item.expiresAt) {
		return domain.UsageSummary{}, false
	}
	return item.summary, true
}

func (c *MemoryAggregateCache) Set(ctx context.Context, summary domain.UsageSummary) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[cacheKey(summary.CallerID, summary.From, summary.To)] = cacheItem{
		summary:   summary,
		expiresAt: time.Now().Add(c.ttl),
	}
}

func (c *MemoryAggregateCache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		now := time.Now()
		c.mu.Lock()
		for key, item := range c.items {
			if now.After(item.expiresAt) {
				delete(c.items, key)
			}
		}
		c.mu.Unlock()
	}
}

// RedisAggregateCache shares cached summaries across instances.
type RedisAggregateCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisAggregateCache(client *redis.Client, ttl time.Duration) *RedisAggregateCache {
	return &RedisAggregateCache{client: client, ttl: ttl}
}

func (c *RedisAggregateCache) Get(ctx context.Context, callerID string, from, to time.Time) (domain.UsageSummary, bool) {
	data, err := c.client.Get(ctx, cacheKey(callerID, from, to)).Bytes()
	if err != nil {
		return domain.UsageSummary{}, false
	}

	var summary domain.UsageSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return domain.UsageSummary{}, false
	}
	return summary, true
}

func (c *RedisAggregateCache) Set(ctx context.Context, summary domain.UsageSummary) {
	data, err := json.Marshal(summary)
	if err != nil {
		return
	}
	c.client.Set(ctx, cacheKey(summary.CallerID, summary.From, summary.To), data, c.ttl)
}
