package rules

import (
	"sync"
	"time"
)

// RulesCache caches the active rules list of an engine so evaluation does
// not hit the store for every claim.
type RulesCache interface {
	// Get returns the cached rules, or nil on a miss or expiry.
	Get() []*Rule

	// Set stores rules in cache
	Set(rules []*Rule)

	// Invalidate clears the cache, forcing a refresh on next Get
	Invalidate()

	// IsValid returns true if cache has valid data
	IsValid() bool
}

// CacheConfig holds configuration for cache behavior
type CacheConfig struct {
	// TTL is the time-to-live for cached entries. Zero means entries only
	// leave the cache through Invalidate.
	TTL time.Duration
}

// DefaultCacheConfig caches until the next mutation.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{TTL: 0}
}

// InMemoryRulesCache is a process-local RulesCache.
type InMemoryRulesCache struct {
	rules    []*Rule
	cachedAt time.Time
	config   CacheConfig
	now      func() time.Time
	valid    bool
	mu       sync.RWMutex
}

func NewInMemoryRulesCache(config CacheConfig) *InMemoryRulesCache {
	return &InMemoryRulesCache{
		config: config,
		now:    time.Now,
	}
}

func (c *InMemoryRulesCache) Get() []*Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.fresh() {
		return nil
	}
	return cloneRules(c.rules)
}

func (c *InMemoryRulesCache) Set(rules []*Rule) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rules = cloneRules(rules)
	c.cachedAt = c.now()
	c.valid = true
}

func (c *InMemoryRulesCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.valid = false
	c.rules = nil
}

func (c *InMemoryRulesCache) IsValid() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.fresh()
}

// fresh must be called with mu held.
func (c *InMemoryRulesCache) fresh() bool {
	if !c.valid {
		return false
	}
	if c.config.TTL > 0 && c.now().Sub(c.cachedAt) > c.config.TTL {
		return false
	}
	return true
}

// cloneRules copies the rule values so callers cannot mutate cached state.
// A nil input yields an empty, non-nil slice so an empty rule set is still a
// cache hit.
func cloneRules(rules []*Rule) []*Rule {
	out := make([]*Rule, 0, len(rules))
	for _, r := range rules {
		cp := *r
		out = append(out, &cp)
	}
	return out
}
