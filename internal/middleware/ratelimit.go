package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"webchat/internal/models"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

// FailPolicy decides what happens to a request when Redis cannot be reached.
type FailPolicy int

const (
	// FailOpen lets the request through.
	FailOpen FailPolicy = iota
	// FailClosed answers 503.
	FailClosed
)

const CodeRateLimited = "RATE_LIMITED"

var errNoLimiterStore = errors.New("rate limiter has no redis client")

// window is the state of one fixed counting window.
type window struct {
	count   int64
	resetIn time.Duration
}

func limiterDisabled() bool {
	switch os.Getenv("APP_ENV") {
	case "", "test", "development":
		return true
	}
	return false
}

func rateLimitKey(resource, id string) string {
	return "rl:" + resource + ":" + id
}

// hit counts one request in the fixed window for key. The expiry is set on
// the first hit and repaired if a previous EXPIRE was lost.
func hit(ctx context.Context, rdb *redis.Client, key string, span time.Duration) (window, error) {
	if rdb == nil {
		return window{}, errNoLimiterStore
	}
	var incr *redis.IntCmd
	var ttl *redis.DurationCmd
	_, err := rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		ttl = pipe.PTTL(ctx, key)
		return nil
	})
	if err != nil {
		return window{}, err
	}
	w := window{count: incr.Val(), resetIn: ttl.Val()}
	if w.resetIn < 0 {
		if err := rdb.PExpire(ctx, key, span).Err(); err != nil {
			return window{}, err
		}
		w.resetIn = span
	}
	return w, nil
}

// CheckRateLimit counts one request for id against resource and reports
// whether it is within limit. Limiting is off when APP_ENV is test or
// development.
func CheckRateLimit(ctx context.Context, rdb *redis.Client, resource, id string, limit int, span time.Duration) (bool, error) {
	if limiterDisabled() {
		return true, nil
	}
	w, err := hit(ctx, rdb, rateLimitKey(resource, id), span)
	if err != nil {
		return false, err
	}
	return w.count <= int64(limit), nil
}

// RateLimit allows limit requests per span, keyed by the authenticated user
// or else the client IP. The optional name shares one budget across routes;
// the default is the request path. Redis failures let requests through.
func RateLimit(rdb *redis.Client, limit int, span time.Duration, name ...string) fiber.Handler {
	return RateLimitWithPolicy(rdb, limit, span, FailOpen, name...)
}

// RateLimitWithPolicy is RateLimit with an explicit FailPolicy.
func RateLimitWithPolicy(rdb *redis.Client, limit int, span time.Duration, policy FailPolicy, name ...string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if limiterDisabled() {
			return c.Next()
		}

		resource := c.Path()
		if len(name) > 0 {
			resource = name[0]
		}
		id := "ip:" + c.IP()
		if uid, ok := c.Locals(LocalUserID).(uint); ok {
			id = fmt.Sprintf("user:%d", uid)
		}

		w, err := hit(c.UserContext(), rdb, rateLimitKey(resource, id), span)
		if err != nil {
			if policy == FailOpen {
				return c.Next()
			}
			Logger.WarnContext(c.UserContext(), "rate limit store unavailable, failing closed",
				slog.String("resource", resource),
				slog.Any("error", err),
			)
			return models.RespondWithError(c, fiber.StatusServiceUnavailable,
				&models.AppError{Code: CodeRateLimited, Message: "Rate limiting is unavailable"})
		}

		remaining := int64(limit) - w.count
		if remaining < 0 {
			remaining = 0
		}
		c.Set("X-RateLimit-Limit", strconv.Itoa(limit))
		c.Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

		if w.count > int64(limit) {
			secs := int(w.resetIn.Round(time.Second) / time.Second)
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(max(secs, 1)))
			return models.RespondWithError(c, fiber.StatusTooManyRequests,
				&models.AppError{Code: CodeRateLimited, Message: "Too many requests"})
		}
		return c.Next()
	}
}
