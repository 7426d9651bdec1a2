package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// memItem stores a cached value together with its expiry time and a hit
// counter. A zero expiresAt means the entry never expires.
type memItem struct {
	data      []byte
	expiresAt time.Time
	hits      int64
}

// MemoryBackend is an in-process cache with per-entry TTL. It is safe for
// concurrent use; a background goroutine periodically removes expired
// entries. Not shared across replicas — use the db or Redis backend for
// multi-instance deployments.
type MemoryBackend struct {
	mu    sync.RWMutex
	items map[string]memItem

	done chan struct{}
}

// NewMemoryBackend creates a MemoryBackend and starts the cleanup loop.
// The loop stops when ctx is cancelled or Close is called.
func NewMemoryBackend(ctx context.Context) *MemoryBackend {
	b := &MemoryBackend{
		items: make(map[string]memItem),
		done:  make(chan struct{}),
	}
	go b.cleanup(ctx)
	return b
}

// Get returns (nil, false) on a miss or an expired entry. Expired entries
// are removed lazily on access; live entries have their hit counter bumped.
func (b *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	item, ok := b.items[key]
	if !ok {
		return nil, false
	}

	if !item.expiresAt.IsZero() && time.Now().After(item.expiresAt) {
		delete(b.items, key)
		return nil, false
	}

	item.hits++
	b.items[key] = item

	return item.data, true
}

// Set stores value under key. A zero ttl stores the entry without expiry.
func (b *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	item := memItem{data: value}
	if ttl > 0 {
		item.expiresAt = time.Now().Add(ttl)
	}

	b.mu.Lock()
	b.items[key] = item
	b.mu.Unlock()

	return nil
}

// Delete removes key. Returns nil if the key did not exist.
func (b *MemoryBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	delete(b.items, key)
	b.mu.Unlock()
	return nil
}

// DeleteByPrefix removes every key starting with prefix.
func (b *MemoryBackend) DeleteByPrefix(_ context.Context, prefix string) error {
	b.mu.Lock()
	for k := range b.items {
		if strings.HasPrefix(k, prefix) {
			delete(b.items, k)
		}
	}
	b.mu.Unlock()
	return nil
}

// Hits returns how many times the entry under key has been served.
// Returns 0 for unknown keys.
func (b *MemoryBackend) Hits(key string) int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.items[key].hits
}

// Len returns the number of entries currently held (expired but not yet
// evicted entries included).
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.items)
}

// Close stops the background cleanup goroutine.
func (b *MemoryBackend) Close() {
	close(b.done)
}

// cleanup runs every 5 minutes and evicts all expired entries.
func (b *MemoryBackend) cleanup(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.evictExpired()
		case <-ctx.Done():
			return
		case <-b.done:
			return
		}
	}
}

func (b *MemoryBackend) evictExpired() {
	now := time.Now()

	b.mu.Lock()
	for k, v := range b.items {
		if !v.expiresAt.IsZero() && now.After(v.expiresAt) {
			delete(b.items, k)
		}
	}
	b.mu.Unlock()
}
