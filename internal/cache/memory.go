package cache

import (
	"context"
	"sync"
	"time"
)

const (
	defaultMemoryTTL      = 5 * time.Minute
	defaultSweepInterval  = time.Minute
	defaultMaxMemoryItems = 10_000
)

type memItem struct {
	data      []byte
	expiresAt time.Time
}

// MemoryCache is an in-process Cache with per-entry TTL and a bound on the
// number of entries.
//
// It is safe for concurrent use. A background goroutine sweeps expired
// entries. When the bound is reached, expired entries are dropped first and
// then the entry closest to expiry is evicted.
type MemoryCache struct {
	mu       sync.RWMutex
	items    map[string]memItem
	maxItems int
	now      func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// MemoryOption configures a MemoryCache.
type MemoryOption func(*MemoryCache)

// WithMaxItems bounds the number of entries. Default: 10000.
func WithMaxItems(n int) MemoryOption {
	return func(c *MemoryCache) {
		if n > 0 {
			c.maxItems = n
		}
	}
}

func withClock(now func() time.Time) MemoryOption {
	return func(c *MemoryCache) { c.now = now }
}

// NewMemoryCache creates a MemoryCache and starts the sweeper. The sweeper
// stops when ctx is cancelled or Close is called.
func NewMemoryCache(ctx context.Context, opts ...MemoryOption) *MemoryCache {
	c := &MemoryCache{
		items:    make(map[string]memItem),
		maxItems: defaultMaxMemoryItems,
		now:      time.Now,
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	go c.sweep(ctx)
	return c
}

// Get returns the value for key. Expired entries are misses and are removed
// lazily.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if !c.now().Before(item.expiresAt) {
		c.mu.Lock()
		if cur, still := c.items[key]; still && cur.expiresAt.Equal(item.expiresAt) {
			delete(c.items, key)
		}
		c.mu.Unlock()
		return nil, false
	}
	return item.data, true
}

// Set stores a private copy of value under key. A non-positive ttl falls
// back to five minutes.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = defaultMemoryTTL
	}
	item := memItem{
		data:      append([]byte(nil), value...),
		expiresAt: c.now().Add(ttl),
	}

	c.mu.Lock()
	if _, exists := c.items[key]; !exists && len(c.items) >= c.maxItems {
		c.makeRoomLocked()
	}
	c.items[key] = item
	c.mu.Unlock()

	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
	return nil
}

// Ping always succeeds.
func (c *MemoryCache) Ping(context.Context) error { return nil }

// Len returns the number of entries held, including expired entries that
// have not been swept yet.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Close stops the sweeper. Safe to call more than once.
func (c *MemoryCache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *MemoryCache) sweep(ctx context.Context) {
	ticker := time.NewTicker(defaultSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			c.evictExpiredLocked()
			c.mu.Unlock()
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

func (c *MemoryCache) evictExpiredLocked() int {
	now := c.now()
	n := 0
	for k, v := range c.items {
		if !now.Before(v.expiresAt) {
			delete(c.items, k)
			n++
		}
	}
	return n
}

// makeRoomLocked frees at least one slot. c.mu must be held.
func (c *MemoryCache) makeRoomLocked() {
	if c.evictExpiredLocked() > 0 {
		return
	}
	var (
		victim  string
		soonest time.Time
	)
	for k, v := range c.items {
		if victim == "" || v.expiresAt.Before(soonest) {
			victim, soonest = k, v.expiresAt
		}
	}
	delete(c.items, victim)
}
