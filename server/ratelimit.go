package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// RateLimiterConfig configures the fixed-window limiter.
type RateLimiterConfig struct {
	Client    redis.UniversalClient
	Limit     int
	Window    time.Duration
	KeyPrefix string
	// Extractor picks the client identity. Defaults to the first
	// X-Forwarded-For entry, then the remote address.
	Extractor func(c *gin.Context) string
	Logger    *slog.Logger
}

// NewRateLimiter counts requests per client in Redis and rejects them with
// 429 once Limit is exceeded inside one Window. Redis errors let the request
// through.
func NewRateLimiter(cfg RateLimiterConfig) gin.HandlerFunc {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "recipe-ingest:rl:"
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Extractor == nil {
		cfg.Extractor = clientKey
	}

	return func(c *gin.Context) {
		ctx := c.Request.Context()
		id := cfg.Extractor(c)
		if id == "" {
			id = "anonymous"
		}
		key := cfg.KeyPrefix + id

		count, err := cfg.Client.Incr(ctx, key).Result()
		if err != nil {
			cfg.Logger.Warn("rate limiter unavailable", "err", err)
			c.Next()
			return
		}

		// A counter without a TTL would never reset. Redis reports a
		// negative TTL for those, including one whose earlier EXPIRE failed.
		ttl, err := cfg.Client.TTL(ctx, key).Result()
		if err != nil || ttl < 0 {
			if err := cfg.Client.Expire(ctx, key, cfg.Window).Err(); err != nil {
				cfg.Logger.Warn("failed to set rate limit window", "key", key, "err", err)
				c.Next()
				return
			}
			ttl = cfg.Window
		}
		reset := int((ttl + time.Second - 1) / time.Second)
		c.Header("X-RateLimit-Limit", strconv.Itoa(cfg.Limit))
		c.Header("X-RateLimit-Reset", strconv.Itoa(reset))

		if count > int64(cfg.Limit) {
			c.Header("X-RateLimit-Remaining", "0")
			c.Header("Retry-After", strconv.Itoa(reset))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":           "rate limit exceeded",
				"retry_after_sec": reset,
			})
			return
		}
		c.Header("X-RateLimit-Remaining", fmt.Sprint(cfg.Limit-int(count)))
		c.Next()
	}
}

func clientKey(c *gin.Context) string {
	if xff := c.Request.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	return c.ClientIP()
}
