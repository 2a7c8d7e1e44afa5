package rules

import "time"

// SiblingCache stores ordered sibling sets keyed by scope and parent.
// It can be swapped for an out-of-process cache.
type SiblingCache interface {
	// Get returns the cached siblings, ok is false on a miss or expiry
	Get(key string) (nodes []*Node, ok bool)

	// Set stores siblings under key
	Set(key string, nodes []*Node)

	// Invalidate drops every entry, forcing a refresh on next Get
	Invalidate()

	// Len returns the number of live entries
	Len() int
}

// CacheConfig holds configuration for cache behavior
type CacheConfig struct {
	// TTL is the time-to-live for cached entries
	// Set to 0 for no expiration (manual invalidation only)
	TTL time.Duration
}

// DefaultCacheConfig caches sibling sets for five minutes
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL: 5 * time.Minute,
	}
}
