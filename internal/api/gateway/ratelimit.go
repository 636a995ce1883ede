// Package gateway provides API gateway functionality for the detection
// server, currently per-client rate limiting. Counters live in Redis when a
// client is configured so limits hold across replicas; without Redis a local
// in-process window takes over.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimiter enforces per-minute request limits per client and endpoint.
type RateLimiter struct {
	redis  *redis.Client
	logger *zap.Logger
	config RateLimitConfig

	mu    sync.Mutex
	local map[string]*localWindow
}

// RateLimitConfig configures the rate limiter.
type RateLimitConfig struct {
	DefaultRequestsPerMinute int                       `yaml:"default_requests_per_minute"`
	Tiers                    map[string]TierLimits     `yaml:"tiers"`
	Endpoints                map[string]EndpointLimits `yaml:"endpoints"`
	IncludeHeaders           bool                      `yaml:"include_headers"`
}

// TierLimits defines rate limits per API tier.
type TierLimits struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// EndpointLimits tightens limits for expensive endpoints. CostMultiplier
// divides the effective budget, so a multiplier of 5 means one call spends
// five requests of quota.
type EndpointLimits struct {
	Path              string `yaml:"path"`
	Method            string `yaml:"method"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	CostMultiplier    int    `yaml:"cost_multiplier"`
}

// RateLimitResult is the outcome of one limit check.
type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
	Tier       string
}

type localWindow struct {
	count     int
	expiresAt time.Time
}

// NewRateLimiter creates a rate limiter. redisClient may be nil.
func NewRateLimiter(redisClient *redis.Client, cfg RateLimitConfig, logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultRequestsPerMinute == 0 {
		cfg.DefaultRequestsPerMinute = 120
	}
	if cfg.Tiers == nil {
		cfg.Tiers = DefaultTiers()
	}
	if cfg.Endpoints == nil {
		cfg.Endpoints = DefaultEndpointLimits()
	}
	return &RateLimiter{
		redis:  redisClient,
		logger: logger,
		config: cfg,
		local:  make(map[string]*localWindow),
	}
}

// DefaultTiers returns the default tier configuration.
func DefaultTiers() map[string]TierLimits {
	return map[string]TierLimits{
		"free":       {RequestsPerMinute: 30},
		"standard":   {RequestsPerMinute: 120},
		"enterprise": {RequestsPerMinute: 600},
	}
}

// DefaultEndpointLimits tightens the expensive detection endpoints. Uploads
// and retrains cost more than plain JSON detection.
func DefaultEndpointLimits() map[string]EndpointLimits {
	return map[string]EndpointLimits{
		"POST:/api/v1/upload": {
			Path:              "/api/v1/upload",
			Method:            "POST",
			RequestsPerMinute: 20,
			CostMultiplier:    2,
		},
		"POST:/api/v1/detect": {
			Path:              "/api/v1/detect",
			Method:            "POST",
			RequestsPerMinute: 60,
			CostMultiplier:    1,
		},
		"POST:/api/v1/models/retrain": {
			Path:              "/api/v1/models/retrain",
			Method:            "POST",
			RequestsPerMinute: 5,
			CostMultiplier:    10,
		},
	}
}

// Check consumes one request of quota for the client on the endpoint.
func (rl *RateLimiter) Check(ctx context.Context, tier, clientID, endpoint, method string) *RateLimitResult {
	limit := rl.effectiveLimit(tier, endpoint, method)
	key := fmt.Sprintf("threatlens:ratelimit:%s:%s:%s:minute", tier, clientID, endpoint)
	now := time.Now()

	count, resetAt, ok := rl.incrRedis(ctx, key, now)
	if !ok {
		count, resetAt = rl.incrLocal(key, now)
	}

	allowed := count <= limit
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	var retryAfter time.Duration
	if !allowed {
		retryAfter = time.Until(resetAt)
	}
	return &RateLimitResult{
		Allowed:    allowed,
		Remaining:  remaining,
		Limit:      limit,
		ResetAt:    resetAt,
		RetryAfter: retryAfter,
		Tier:       tier,
	}
}

// incrRedis bumps the shared counter. Returns ok=false when Redis is absent
// or failing so the caller falls back to the local window.
func (rl *RateLimiter) incrRedis(ctx context.Context, key string, now time.Time) (int, time.Time, bool) {
	if rl.redis == nil {
		return 0, time.Time{}, false
	}

	script := redis.NewScript(`
		local current = redis.call('INCR', KEYS[1])
		if current == 1 then
			redis.call('PEXPIRE', KEYS[1], ARGV[1])
		end
		return current
	`)
	count, err := script.Run(ctx, rl.redis, []string{key}, 60000).Int()
	if err != nil {
		rl.logger.Warn("redis rate limit check failed, using local window", zap.Error(err))
		return 0, time.Time{}, false
	}
	ttl, _ := rl.redis.TTL(ctx, key).Result()
	return count, now.Add(ttl), true
}

func (rl *RateLimiter) incrLocal(key string, now time.Time) (int, time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.local[key]
	if !ok || now.After(w.expiresAt) {
		w = &localWindow{expiresAt: now.Add(time.Minute)}
		rl.local[key] = w
	}
	w.count++
	return w.count, w.expiresAt
}

func (rl *RateLimiter) effectiveLimit(tier, endpoint, method string) int {
	limit := rl.config.DefaultRequestsPerMinute
	if t, ok := rl.config.Tiers[tier]; ok && t.RequestsPerMinute > 0 {
		limit = t.RequestsPerMinute
	}
	if e, ok := rl.config.Endpoints[method+":"+endpoint]; ok {
		if e.RequestsPerMinute > 0 && e.RequestsPerMinute < limit {
			limit = e.RequestsPerMinute
		}
		if e.CostMultiplier > 1 {
			limit /= e.CostMultiplier
		}
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

// Middleware returns an HTTP middleware enforcing the limits. getTier and
// getClientID pick the tier and client key per request; a nil getClientID
// falls back to the client IP.
func (rl *RateLimiter) Middleware(getTier func(r *http.Request) string, getClientID func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tier := "standard"
			if getTier != nil {
				tier = getTier(r)
			}
			var clientID string
			if getClientID != nil {
				clientID = getClientID(r)
			}
			if clientID == "" {
				clientID = clientIP(r)
			}

			result := rl.Check(r.Context(), tier, clientID, r.URL.Path, r.Method)

			if rl.config.IncludeHeaders {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
			}

			if !result.Allowed {
				retry := int(result.RetryAfter.Seconds())
				if retry < 1 {
					retry = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprintf(w, `{"error":"rate_limit_exceeded","retry_after":%d}`, retry)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
