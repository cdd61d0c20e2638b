package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RateLimit defines limits for an endpoint pattern.
type RateLimit struct {
	Requests int
	Window   time.Duration
}

// Counter counts requests per key in fixed windows. It returns whether the
// request is allowed, how many remain and when the window resets.
type Counter interface {
	Hit(ctx context.Context, key string, limit int, window time.Duration) (bool, int, time.Time)
}

// RateLimiterConfig holds configuration for the rate limiter.
type RateLimiterConfig struct {
	Whitelist []string // IPs or CIDRs exempt from rate limiting
	Limits    map[string]RateLimit
}

// DefaultLimits bounds IPC connection attempts and diagnostic polling.
func DefaultLimits() map[string]RateLimit {
	return map[string]RateLimit{
		"GET /ipc":  {30, time.Minute},
		"GET /api/": {120, time.Minute},
		"GET /logs": {60, time.Minute},
	}
}

// RateLimiter limits requests per client IP.
type RateLimiter struct {
	counter      Counter
	limits       map[string]RateLimit
	logger       zerolog.Logger
	whitelist    []*net.IPNet
	whitelistIPs map[string]bool
}

// NewRateLimiter creates a rate limiter on top of counter.
func NewRateLimiter(counter Counter, logger zerolog.Logger, cfg RateLimiterConfig) *RateLimiter {
	limits := cfg.Limits
	if limits == nil {
		limits = DefaultLimits()
	}
	rl := &RateLimiter{
		counter:      counter,
		limits:       limits,
		logger:       logger,
		whitelistIPs: make(map[string]bool),
	}

	for _, entry := range cfg.Whitelist {
		if strings.Contains(entry, "/") {
			_, ipNet, err := net.ParseCIDR(entry)
			if err != nil {
				logger.Warn().Str("entry", entry).Err(err).Msg("invalid CIDR in whitelist")
				continue
			}
			rl.whitelist = append(rl.whitelist, ipNet)
		} else {
			rl.whitelistIPs[entry] = true
		}
	}
	return rl
}

func (rl *RateLimiter) isWhitelisted(ipStr string) bool {
	if rl.whitelistIPs[ipStr] {
		return true
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, ipNet := range rl.whitelist {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// RealIP extracts the client IP from proxy headers or the connection.
func RealIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return strings.TrimSpace(strings.Split(ip, ",")[0])
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// Middleware returns the rate limiting middleware.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := RealIP(r)
		if rl.isWhitelisted(ip) {
			next.ServeHTTP(w, r)
			return
		}

		pattern, limit, ok := rl.findLimit(r)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		key := "ratelimit:" + pattern + ":" + ip
		allowed, remaining, resetAt := rl.counter.Hit(r.Context(), key, limit.Requests, limit.Window)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit.Requests))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(resetAt).Seconds())))
			rl.logger.Warn().
				Str("type", "security").
				Str("event", "rate_limit_exceeded").
				Str("ip", ip).
				Str("endpoint", r.URL.Path).
				Msg("rate limit exceeded")
			jsonError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// findLimit returns the longest pattern that prefixes "METHOD path".
func (rl *RateLimiter) findLimit(r *http.Request) (string, RateLimit, bool) {
	key := r.Method + " " + r.URL.Path
	var (
		best  string
		limit RateLimit
	)
	for pattern, l := range rl.limits {
		if strings.HasPrefix(key, pattern) && len(pattern) > len(best) {
			best, limit = pattern, l
		}
	}
	return best, limit, best != ""
}

// RedisCounter shares windows between chatd instances through Redis.
type RedisCounter struct {
	client *redis.Client
}

// NewRedisCounter creates a counter on client.
func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

// Hit records one request in a sorted set per window bucket.
func (c *RedisCounter) Hit(ctx context.Context, key string, limit int, window time.Duration) (bool, int, time.Time) {
	now := time.Now()
	windowStart := now.Add(-window)
	windowKey := fmt.Sprintf("%s:%d", key, now.Unix()/int64(window.Seconds()))

	pipe := c.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, windowKey, "-inf", strconv.FormatInt(windowStart.UnixMilli(), 10))
	countCmd := pipe.ZCard(ctx, windowKey)
	pipe.ZAdd(ctx, windowKey, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: strconv.FormatInt(now.UnixNano(), 10),
	})
	pipe.Expire(ctx, windowKey, window*2)
	if _, err := pipe.Exec(ctx); err != nil {
		// Redis errors fail open.
		return true, limit, now.Add(window)
	}

	count := int(countCmd.Val())
	return count < limit, max(limit-count-1, 0), now.Add(window)
}

// MemoryCounter keeps fixed windows in process memory.
type MemoryCounter struct {
	mu      sync.Mutex
	now     func() time.Time
	windows map[string]memoryWindow
}

type memoryWindow struct {
	count   int
	resetAt time.Time
}

// NewMemoryCounter creates an in-process counter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{now: time.Now, windows: make(map[string]memoryWindow)}
}

// Hit counts one request for key.
func (c *MemoryCounter) Hit(_ context.Context, key string, limit int, window time.Duration) (bool, int, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	w, ok := c.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = memoryWindow{resetAt: now.Add(window)}
		c.sweepLocked(now)
	}
	allowed := w.count < limit
	w.count++
	c.windows[key] = w
	return allowed, max(limit-w.count, 0), w.resetAt
}

func (c *MemoryCounter) sweepLocked(now time.Time) {
	for k, w := range c.windows {
		if !now.Before(w.resetAt) {
			delete(c.windows, k)
		}
	}
}
