package rules

import "time"

// RulesCache caches the ordered list of active rules of one data source so a
// run does not hit the store every time
type RulesCache interface {
	// Get retrieves cached rules, returns nil on a miss or after expiry
	Get() []*Rule

	// Set stores rules in cache
	Set(rules []*Rule)

	// Invalidate clears the cache, forcing a reload on the next Get
	Invalidate()

	// IsValid returns true if cache has valid data
	IsValid() bool
}

// CacheConfig holds configuration for cache behavior
type CacheConfig struct {
	// TTL is the time-to-live for cached entries.
	// 0 means entries live until invalidated by a rule mutation.
	TTL time.Duration
}

// DefaultCacheConfig returns the default: no TTL, invalidate on mutation
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{TTL: 0}
}
