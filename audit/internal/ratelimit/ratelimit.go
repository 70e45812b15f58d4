// Package ratelimit implements a Redis sliding-window limiter that reports
// denials to the audit trail as security events.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/telhawk-audit/audit/internal/ingest"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/metrics"
	"github.com/telhawk-systems/telhawk-audit/audit/internal/models"
	"github.com/telhawk-systems/telhawk-audit/common/logging"
)

// SignalRateLimit is the signal stored with rate limit events.
const SignalRateLimit = "rate_limit"

type RateLimiter interface {
	// Allow reports whether one more request for scope and key fits in the
	// current window. rc identifies the caller in the security event
	// emitted on denial.
	Allow(ctx context.Context, rc models.RequestContext, scope, key string) (bool, error)
	Close() error
}

// Config configures the Redis limiter.
type Config struct {
	Limit     int
	Window    time.Duration
	KeyPrefix string
}

// slidingWindow returns 1 when the request fits, 0 otherwise.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window_start = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local ttl = tonumber(ARGV[5])

redis.call('ZREMRANGEBYSCORE', key, 0, window_start)

local current = redis.call('ZCARD', key)
if current < limit then
	redis.call('ZADD', key, now, ARGV[4])
	redis.call('EXPIRE', key, ttl)
	return 1
end
return 0
`)

type RedisRateLimiter struct {
	client   *redis.Client
	limit    int64
	window   time.Duration
	prefix   string
	recorder *ingest.Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewRedisRateLimiter creates a limiter on client. Denials are pushed
// through p; p may be nil to only count them.
func NewRedisRateLimiter(client *redis.Client, cfg Config, p ingest.Pusher, logger *slog.Logger) (*RedisRateLimiter, error) {
	if cfg.Limit <= 0 {
		return nil, fmt.Errorf("rate limit must be positive, got %d", cfg.Limit)
	}
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("rate limit window must be positive, got %s", cfg.Window)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String(logging.FieldComponent, "ratelimit"))

	r := &RedisRateLimiter{
		client: client,
		limit:  int64(cfg.Limit),
		window: cfg.Window,
		prefix: cfg.KeyPrefix,
		logger: logger,
		now:    time.Now,
	}
	if p != nil {
		r.recorder = ingest.NewRecorder(p, logger)
	}
	return r, nil
}

func (r *RedisRateLimiter) Allow(ctx context.Context, rc models.RequestContext, scope, key string) (bool, error) {
	now := r.now().UnixNano()
	windowStart := now - r.window.Nanoseconds()
	ttl := int64(math.Ceil(r.window.Seconds()))

	result, err := slidingWindow.Run(ctx, r.client,
		[]string{r.windowKey(scope, key)},
		now, windowStart, r.limit, uuid.NewString(), ttl,
	).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}
	if result == 1 {
		return true, nil
	}

	metrics.RateLimitHits.WithLabelValues(scope).Inc()
	r.report(ctx, rc, scope, key)
	return false, nil
}

// report records one security event per key and window. Later denials in
// the same window are only counted.
func (r *RedisRateLimiter) report(ctx context.Context, rc models.RequestContext, scope, key string) {
	if r.recorder == nil {
		return
	}
	marker := r.windowKey(scope, key) + ":reported"
	first, err := r.client.SetNX(ctx, marker, 1, r.window).Result()
	if err != nil {
		r.logger.WarnContext(ctx, "failed to mark rate limit report", logging.Error(err))
		return
	}
	if !first {
		return
	}

	id := r.recorder.Record(ctx, rc, models.EventInput{
		Type: models.EventRateLimitExceeded,
		Payload: models.SecurityPayload{
			Signal: SignalRateLimit,
			UserID: rc.ActorID,
			Metadata: map[string]any{
				"key":    scope + ":" + key,
				"scope":  scope,
				"limit":  r.limit,
				"window": r.window.String(),
			},
		}.Payload(),
	})
	if id == "" {
		// the event was dropped; let the next denial in this window retry
		if err := r.client.Del(ctx, marker).Err(); err != nil {
			r.logger.WarnContext(ctx, "failed to clear rate limit report marker", logging.Error(err))
		}
	}
}

func (r *RedisRateLimiter) windowKey(scope, key string) string {
	return r.prefix + ":ratelimit:" + scope + ":" + key
}

// Close is a no-op; the Redis client belongs to the caller.
func (r *RedisRateLimiter) Close() error {
	return nil
}

// NoOpRateLimiter always allows requests (for testing or disabled rate limiting)
type NoOpRateLimiter struct{}

func (NoOpRateLimiter) Allow(context.Context, models.RequestContext, string, string) (bool, error) {
	return true, nil
}

func (NoOpRateLimiter) Close() error {
	return nil
}
