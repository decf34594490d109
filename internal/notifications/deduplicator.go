package notifications

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduplicator suppresses repeat alerts for the same subject. A flapping
// circuit or a burst of abandoned ledger writes should page once, not once
// per occurrence.
type Deduplicator interface {
	// ShouldAlert reports whether an alert for (subject, type) is new.
	ShouldAlert(ctx context.Context, subject string, typ NotificationType) bool

	// Clear forgets the alert state for a subject (e.g. circuit recovered).
	Clear(ctx context.Context, subject string)
}

// InMemoryDeduplicator tracks alert state within one process.
type InMemoryDeduplicator struct {
	mu   sync.Mutex
	last map[string]NotificationType
}

func NewInMemoryDeduplicator() *InMemoryDeduplicator {
	return &InMemoryDeduplicator{
		last: make(map[string]NotificationType),
	}
}

func (d *InMemoryDeduplicator) ShouldAlert(ctx context.Context, subject string, typ NotificationType) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if last, exists := d.last[subject]; exists && last == typ {
		return false
	}
	d.last[subject] = typ
	return true
}

func (d *InMemoryDeduplicator) Clear(ctx context.Context, subject string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.last, subject)
}

// RedisDeduplicator deduplicates alerts across instances using SETNX; only
// one instance wins the key and sends.
type RedisDeduplicator struct {
	client  *redis.Client
	lockTTL time.Duration
}

func NewRedisDeduplicator(client *redis.Client, lockTTL time.Duration) *RedisDeduplicator {
	return &RedisDeduplicator{client: client, lockTTL: lockTTL}
}

func alertKey(subject string, typ NotificationType) string {
	return fmt.Sprintf("alert:%s:%s", subject, typ)
}

func (d *RedisDeduplicator) ShouldAlert(ctx context.Context, subject string, typ NotificationType) bool {
	acquired, err := d.client.SetNX(ctx, alertKey(subject, typ), time.Now().Unix(), d.lockTTL).Result()
	if err != nil {
		// On Redis error, fail open and alert.
		return true
	}
	return acquired
}

func (d *RedisDeduplicator) Clear(ctx context.Context, subject string) {
	// The type set is small and fixed, so delete the known keys directly
	// instead of scanning the keyspace.
	keys := make([]string, 0, len(allNotificationTypes))
	for _, typ := range allNotificationTypes {
		keys = append(keys, alertKey(subject, typ))
	}
	d.client.Del(ctx, keys...)
}
