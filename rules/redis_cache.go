package rules

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/liamcoop/claims/internal/logger"
)

// redisOpTimeout bounds every cache round trip. A slow Redis degrades to a
// cache miss rather than stalling rule evaluation.
const redisOpTimeout = 500 * time.Millisecond

// RedisRulesCache shares the active rules list of a rule set between
// replicas. Redis errors are logged and treated as misses.
type RedisRulesCache struct {
	client redis.UniversalClient
	key    string
	config CacheConfig
}

// NewRedisRulesCache caches under "claims:rules:<ruleSetKey>".
func NewRedisRulesCache(client redis.UniversalClient, ruleSetKey string, config CacheConfig) *RedisRulesCache {
	return &RedisRulesCache{
		client: client,
		key:    "claims:rules:" + ruleSetKey,
		config: config,
	}
}

func (c *RedisRulesCache) Get() []*Rule {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	data, err := c.client.Get(ctx, c.key).Bytes()
	if err != nil {
		if err != redis.Nil {
			logger.Warn("rules cache read failed", "key", c.key, "error", err)
		}
		return nil
	}

	var rules []*Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		logger.Warn("rules cache entry is corrupt", "key", c.key, "error", err)
		return nil
	}
	return cloneRules(rules)
}

func (c *RedisRulesCache) Set(rules []*Rule) {
	data, err := json.Marshal(cloneRules(rules))
	if err != nil {
		logger.Warn("rules cache encode failed", "key", c.key, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	if err := c.client.Set(ctx, c.key, data, c.config.TTL).Err(); err != nil {
		logger.Warn("rules cache write failed", "key", c.key, "error", err)
	}
}

func (c *RedisRulesCache) Invalidate() {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	if err := c.client.Del(ctx, c.key).Err(); err != nil {
		logger.Warn("rules cache invalidate failed", "key", c.key, "error", err)
	}
}

func (c *RedisRulesCache) IsValid() bool {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	n, err := c.client.Exists(ctx, c.key).Result()
	return err == nil && n == 1
}
