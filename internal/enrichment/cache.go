package enrichment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	cacheKeyPrefix   = "threatlens:enrichment:"
	defaultCacheTTL  = 1 * time.Hour
	defaultCacheSize = 512
)

// Cache tiers reported on hits.
const (
	TierRedis  = "redis"
	TierMemory = "memory"
)

// Cache stores cluster analyses keyed by prompt hash. Redis is the shared
// tier when a client is provided; a local LRU always backs it so enrichment
// keeps its cache when Redis is down or not configured.
type Cache struct {
	redis  *redis.Client
	local  *lru.Cache[string, string]
	ttl    time.Duration
	logger *zap.Logger
}

// NewCache creates an enrichment cache. redisClient may be nil.
func NewCache(redisClient *redis.Client, size int, ttl time.Duration, logger *zap.Logger) (*Cache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	local, err := lru.New[string, string](size)
	if err != nil {
		return nil, err
	}
	return &Cache{
		redis:  redisClient,
		local:  local,
		ttl:    ttl,
		logger: logger,
	}, nil
}

// Get returns the cached analysis for a prompt, with the tier that served
// the hit.
func (c *Cache) Get(ctx context.Context, prompt string) (string, string, bool) {
	key := promptKey(prompt)

	if v, ok := c.local.Get(key); ok {
		return v, TierMemory, true
	}

	if c.redis != nil {
		v, err := c.redis.Get(ctx, cacheKeyPrefix+key).Result()
		if err == nil {
			// Promote so the next lookup stays local.
			c.local.Add(key, v)
			return v, TierRedis, true
		}
		if err != redis.Nil {
			c.logger.Warn("enrichment cache read failed", zap.Error(err))
		}
	}

	return "", "", false
}

// Set stores an analysis in both tiers. Redis failures are logged, not
// returned; the local tier already holds the value.
func (c *Cache) Set(ctx context.Context, prompt, analysis string) {
	key := promptKey(prompt)
	c.local.Add(key, analysis)

	if c.redis != nil {
		if err := c.redis.Set(ctx, cacheKeyPrefix+key, analysis, c.ttl).Err(); err != nil {
			c.logger.Warn("enrichment cache write failed", zap.Error(err))
		}
	}
}

// Len returns the number of entries in the local tier.
func (c *Cache) Len() int { return c.local.Len() }

func promptKey(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}
