package cache

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestMemory(t *testing.T, opts ...MemoryOption) (*MemoryCache, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	c := NewMemoryCache(context.Background(), append([]MemoryOption{withClock(clk.Now)}, opts...)...)
	t.Cleanup(c.Close)
	return c, clk
}

func TestMemoryCache_SetGet(t *testing.T) {
	c, _ := newTestMemory(t)
	ctx := context.Background()

	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("expected miss on empty cache")
	}
	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok := c.Get(ctx, "k")
	if !ok || string(got) != "v" {
		t.Fatalf("Get = (%q, %v), want (v, true)", got, ok)
	}
}

func TestMemoryCache_StoresCopy(t *testing.T) {
	c, _ := newTestMemory(t)
	ctx := context.Background()

	buf := []byte("original")
	_ = c.Set(ctx, "k", buf, time.Minute)
	copy(buf, "mutated!")

	got, _ := c.Get(ctx, "k")
	if string(got) != "original" {
		t.Fatalf("cache shares the caller's buffer: %q", got)
	}
}

func TestMemoryCache_Expiry(t *testing.T) {
	c, clk := newTestMemory(t)
	ctx := context.Background()

	_ = c.Set(ctx, "k", []byte("v"), 300*time.Second)

	clk.Advance(299 * time.Second)
	if _, ok := c.Get(ctx, "k"); !ok {
		t.Fatal("entry expired early")
	}

	clk.Advance(time.Second)
	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("entry should have expired")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry not removed, Len = %d", c.Len())
	}
}

func TestMemoryCache_DefaultTTL(t *testing.T) {
	c, clk := newTestMemory(t)
	ctx := context.Background()

	_ = c.Set(ctx, "k", []byte("v"), 0)
	clk.Advance(defaultMemoryTTL - time.Second)
	if _, ok := c.Get(ctx, "k"); !ok {
		t.Fatal("entry with default TTL expired early")
	}
}

func TestMemoryCache_Bound(t *testing.T) {
	c, clk := newTestMemory(t, WithMaxItems(2))
	ctx := context.Background()

	_ = c.Set(ctx, "a", []byte("1"), time.Minute)
	clk.Advance(time.Second)
	_ = c.Set(ctx, "b", []byte("2"), time.Minute)
	clk.Advance(time.Second)
	_ = c.Set(ctx, "c", []byte("3"), time.Minute)

	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}
	if _, ok := c.Get(ctx, "a"); ok {
		t.Error("entry closest to expiry should have been evicted")
	}
	for _, k := range []string{"b", "c"} {
		if _, ok := c.Get(ctx, k); !ok {
			t.Errorf("entry %q should still be cached", k)
		}
	}

	// Overwriting an existing key does not evict.
	_ = c.Set(ctx, "c", []byte("3b"), time.Minute)
	if _, ok := c.Get(ctx, "b"); !ok {
		t.Error("overwrite evicted an unrelated entry")
	}
}

func TestMemoryCache_BoundPrefersExpired(t *testing.T) {
	c, clk := newTestMemory(t, WithMaxItems(2))
	ctx := context.Background()

	_ = c.Set(ctx, "short", []byte("1"), time.Second)
	_ = c.Set(ctx, "long", []byte("2"), time.Hour)
	clk.Advance(2 * time.Second)
	_ = c.Set(ctx, "new", []byte("3"), time.Hour)

	if _, ok := c.Get(ctx, "long"); !ok {
		t.Error("live entry evicted while an expired one was available")
	}
}

func TestMemoryCache_Delete(t *testing.T) {
	c, _ := newTestMemory(t)
	ctx := context.Background()

	_ = c.Set(ctx, "k", []byte("v"), time.Minute)
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("key should be gone after Delete")
	}
	if err := c.Delete(ctx, "ghost"); err != nil {
		t.Fatalf("Delete of missing key: %v", err)
	}
}

func TestMemoryCache_CloseIdempotent(t *testing.T) {
	c := NewMemoryCache(context.Background())
	c.Close()
	c.Close()
}

func TestMemoryCache_ImplementsInterfaces(t *testing.T) {
	var _ Cache = (*MemoryCache)(nil)
	var _ Pinger = (*MemoryCache)(nil)
}
