package rules

import (
	"context"
	"sync"
	"time"
)

type cacheEntry struct {
	nodes    []*Node
	cachedAt time.Time
}

// InMemorySiblingCache is a simple in-memory implementation of SiblingCache
// Thread-safe for concurrent access
type InMemorySiblingCache struct {
	entries map[string]cacheEntry
	config  CacheConfig
	now     func() time.Time
	mu      sync.RWMutex
}

// NewInMemorySiblingCache creates a new in-memory sibling cache
func NewInMemorySiblingCache(config CacheConfig) *InMemorySiblingCache {
	return &InMemorySiblingCache{
		entries: make(map[string]cacheEntry),
		config:  config,
		now:     time.Now,
	}
}

// Get retrieves cached siblings
// Returns ok=false if the entry is missing or expired
func (c *InMemorySiblingCache) Get(key string) ([]*Node, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok || c.expired(entry) {
		return nil, false
	}

	// Return copy to prevent external modifications
	nodesCopy := make([]*Node, len(entry.nodes))
	copy(nodesCopy, entry.nodes)
	return nodesCopy, true
}

// Set stores siblings in cache
func (c *InMemorySiblingCache) Set(key string, nodes []*Node) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored := make([]*Node, len(nodes))
	copy(stored, nodes)
	c.entries[key] = cacheEntry{nodes: stored, cachedAt: c.now()}
}

// Invalidate clears the cache
func (c *InMemorySiblingCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]cacheEntry)
}

// Len returns the number of unexpired entries
func (c *InMemorySiblingCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	for _, entry := range c.entries {
		if !c.expired(entry) {
			n++
		}
	}
	return n
}

func (c *InMemorySiblingCache) expired(entry cacheEntry) bool {
	return c.config.TTL > 0 && c.now().Sub(entry.cachedAt) > c.config.TTL
}

// CachedRepository serves sibling reads from a SiblingCache, falling back to
// the wrapped repository on a miss
type CachedRepository struct {
	inner Repository
	cache SiblingCache
}

// NewCachedRepository wraps inner with cache
func NewCachedRepository(inner Repository, cache SiblingCache) *CachedRepository {
	return &CachedRepository{inner: inner, cache: cache}
}

// RootRules returns the cached root set of the scope
func (r *CachedRepository) RootRules(ctx context.Context, scope Scope) ([]*Node, error) {
	key := "roots|" + scope.String()
	if nodes, ok := r.cache.Get(key); ok {
		return nodes, nil
	}
	nodes, err := r.inner.RootRules(ctx, scope)
	if err != nil {
		return nil, err
	}
	r.cache.Set(key, nodes)
	return nodes, nil
}

// Children returns the cached children of parentID
func (r *CachedRepository) Children(ctx context.Context, parentID string, scope Scope) ([]*Node, error) {
	key := "children|" + scope.String() + "|" + parentID
	if nodes, ok := r.cache.Get(key); ok {
		return nodes, nil
	}
	nodes, err := r.inner.Children(ctx, parentID, scope)
	if err != nil {
		return nil, err
	}
	r.cache.Set(key, nodes)
	return nodes, nil
}

// Invalidate drops all cached sibling sets, call it after editing rules
func (r *CachedRepository) Invalidate() {
	r.cache.Invalidate()
}
