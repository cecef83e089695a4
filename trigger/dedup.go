// Package trigger ingests entity store webhooks: it normalizes the payload,
// drops duplicate deliveries at the publish boundary, and emits trigger
// events onto the bus.
package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DedupStore drops duplicate webhook deliveries. Seen marks an ingestion id
// and reports whether it was already present; the mark expires after a TTL
// so the store does not grow without bound. Forget removes a mark so that a
// delivery whose publish failed can be retried.
type DedupStore interface {
	Seen(ctx context.Context, id string) (bool, error)
	Forget(ctx context.Context, id string) error
}

// MemoryDedup is an in-process DedupStore.
type MemoryDedup struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
	now  func() time.Time
}

// NewMemoryDedup constructs a store with the given mark lifetime.
func NewMemoryDedup(ttl time.Duration) *MemoryDedup {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &MemoryDedup{
		ttl:  ttl,
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

func (d *MemoryDedup) Seen(_ context.Context, id string) (bool, error) {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if expires, ok := d.seen[id]; ok && expires.After(now) {
		return true, nil
	}
	d.seen[id] = now.Add(d.ttl)
	// Opportunistic sweep keeps the map bounded between requests.
	for k, expires := range d.seen {
		if !expires.After(now) {
			delete(d.seen, k)
		}
	}
	return false, nil
}

func (d *MemoryDedup) Forget(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, id)
	return nil
}

// RedisDedup shares the dedup window across ingestion replicas.
type RedisDedup struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDedup wraps a redis client with the given mark lifetime.
func NewRedisDedup(client *redis.Client, ttl time.Duration) *RedisDedup {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisDedup{client: client, ttl: ttl}
}

func (d *RedisDedup) Seen(ctx context.Context, id string) (bool, error) {
	ok, err := d.client.SetNX(ctx, "journeys:ingest:"+id, 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("trigger: dedup check: %w", err)
	}
	return !ok, nil
}

func (d *RedisDedup) Forget(ctx context.Context, id string) error {
	if err := d.client.Del(ctx, "journeys:ingest:"+id).Err(); err != nil {
		return fmt.Errorf("trigger: dedup forget: %w", err)
	}
	return nil
}
