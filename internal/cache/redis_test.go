package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

// newTestRedis starts a miniredis server and returns a RedisBackend backed
// by it.
func newTestRedis(t *testing.T) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	b, err := NewRedisBackend(context.Background(), "redis://"+mr.Addr(), discard())
	if err != nil {
		t.Fatalf("NewRedisBackend: %v", err)
	}

	t.Cleanup(func() { _ = b.Close() })

	return b, mr
}

// TestRedis_GetMiss verifies that Get returns (nil, false) when the key is
// absent.
func TestRedis_GetMiss(t *testing.T) {
	b, _ := newTestRedis(t)

	data, ok := b.Get(context.Background(), "nonexistent-key")
	if ok {
		t.Fatal("expected cache miss, got hit")
	}
	if data != nil {
		t.Fatalf("expected nil data on miss, got %v", data)
	}
}

// TestRedis_SetAndGet verifies a round trip and the hit counter sidecar.
func TestRedis_SetAndGet(t *testing.T) {
	b, mr := newTestRedis(t)
	ctx := context.Background()

	key := "content:abc"
	want := []byte(`{"text":"cached"}`)

	if err := b.Set(ctx, key, want, time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok := b.Get(ctx, key)
	if !ok {
		t.Fatal("expected cache hit, got miss")
	}
	if string(got) != string(want) {
		t.Fatalf("Get returned %q, want %q", got, want)
	}

	hits, err := mr.Get(key + ":hits")
	if err != nil {
		t.Fatalf("hit counter missing: %v", err)
	}
	if hits != "1" {
		t.Errorf("expected 1 hit, got %s", hits)
	}
}

// TestRedis_TTLExpiry verifies entries honor their TTL.
func TestRedis_TTLExpiry(t *testing.T) {
	b, mr := newTestRedis(t)
	ctx := context.Background()

	if err := b.Set(ctx, "session:1:k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}

	mr.FastForward(2 * time.Minute)

	if _, ok := b.Get(ctx, "session:1:k"); ok {
		t.Fatal("expected miss after TTL expiry")
	}
}

// TestRedis_NoExpiryForZeroTTL verifies a zero TTL stores without expiry.
func TestRedis_NoExpiryForZeroTTL(t *testing.T) {
	b, mr := newTestRedis(t)
	ctx := context.Background()

	if err := b.Set(ctx, "system:prompt", []byte("v"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	mr.FastForward(100 * time.Hour)

	if _, ok := b.Get(ctx, "system:prompt"); !ok {
		t.Fatal("system entry must survive without expiry")
	}
}

// TestRedis_DeleteByPrefix verifies prefix eviction removes only matching
// keys.
func TestRedis_DeleteByPrefix(t *testing.T) {
	b, _ := newTestRedis(t)
	ctx := context.Background()

	_ = b.Set(ctx, "session:1:a", []byte("v"), time.Hour)
	_ = b.Set(ctx, "session:1:b", []byte("v"), time.Hour)
	_ = b.Set(ctx, "session:10:a", []byte("v"), time.Hour)

	if err := b.DeleteByPrefix(ctx, "session:1:"); err != nil {
		t.Fatalf("DeleteByPrefix: %v", err)
	}

	if _, ok := b.Get(ctx, "session:1:a"); ok {
		t.Error("session:1:a survived")
	}
	if _, ok := b.Get(ctx, "session:1:b"); ok {
		t.Error("session:1:b survived")
	}
	if _, ok := b.Get(ctx, "session:10:a"); !ok {
		t.Error("session:10:a was wrongly removed")
	}
}

// TestRedis_GracefulDegradation verifies a dead Redis turns reads into
// misses and writes into no-ops instead of errors.
func TestRedis_GracefulDegradation(t *testing.T) {
	b, mr := newTestRedis(t)
	ctx := context.Background()

	mr.Close()

	if _, ok := b.Get(ctx, "any"); ok {
		t.Fatal("expected miss when Redis is down")
	}
	if err := b.Set(ctx, "any", []byte("v"), time.Hour); err != nil {
		t.Fatalf("Set must not propagate Redis errors, got %v", err)
	}
}
