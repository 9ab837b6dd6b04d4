package httpx

import (
	"context"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const redisRateKeyPrefix = "deployment_server:ratelimit:"

// redisWindows shares fixed windows between every server process talking to
// the same Redis.
type redisWindows struct {
	client  redis.UniversalClient
	logger  *slog.Logger
	timeout time.Duration
}

// NewRedisRateLimiter constructs a Redis-backed limiter. The caller owns client.
func NewRedisRateLimiter(client redis.UniversalClient, logger *slog.Logger) RateLimiter {
	return &redisWindows{client: client, logger: logger, timeout: 250 * time.Millisecond}
}

// Allow fails open: a Redis outage must not block release notifications.
func (rw *redisWindows) Allow(key string, limit int, window time.Duration) Decision {
	if limit <= 0 {
		return Decision{Allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), rw.timeout)
	defer cancel()

	// INCR and the first EXPIRE run in one MULTI so a crash between them
	// cannot leave a counter without a TTL.
	redisKey := redisRateKeyPrefix + key
	var (
		incr *redis.IntCmd
		pttl *redis.DurationCmd
	)
	_, err := rw.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.ExpireNX(ctx, redisKey, window)
		pttl = pipe.PTTL(ctx, redisKey)
		return nil
	})
	if err != nil {
		if rw.logger != nil {
			rw.logger.Error("redis rate limiter unavailable", "key", key, "error", err)
		}
		return Decision{Allowed: true}
	}

	count := int(incr.Val())
	ttl := pttl.Val()
	if ttl <= 0 {
		ttl = window
	}
	return Decision{Allowed: count <= limit, Count: count, Reset: time.Now().Add(ttl)}
}

func (rw *redisWindows) Close() {}
