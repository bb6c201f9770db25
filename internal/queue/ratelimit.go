package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// The counter expires with its window, so stale keys clean themselves up.
var incrWithTTLScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return c
`)

const (
	defaultWindow       = time.Hour
	defaultLimitPrefix  = "chatdesk:ratelimit"
	defaultUpdatePrefix = "chatdesk:tg-update"
)

// RateLimiter counts generation requests per user in fixed windows aligned
// to multiples of the window length (UTC). A limit of zero disables it.
type RateLimiter struct {
	redis  *redis.Client
	limit  int64
	window time.Duration
	prefix string
}

type LimiterOption func(*RateLimiter)

// WithWindow sets the window length; values under a second are ignored.
func WithWindow(d time.Duration) LimiterOption {
	return func(r *RateLimiter) {
		if d >= time.Second {
			r.window = d
		}
	}
}

func WithKeyPrefix(prefix string) LimiterOption {
	return func(r *RateLimiter) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

func NewRateLimiter(rdb *redis.Client, limit int64, opts ...LimiterOption) *RateLimiter {
	r := &RateLimiter{redis: rdb, limit: limit, window: defaultWindow, prefix: defaultLimitPrefix}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RateLimiter) Limit() int64 {
	return r.limit
}

func (r *RateLimiter) Window() time.Duration {
	return r.window
}

// Allow counts one request for userID. resetAt is the end of the current
// window; used includes this request even when it is denied.
func (r *RateLimiter) Allow(ctx context.Context, userID string, now time.Time) (allowed bool, used int64, resetAt time.Time, err error) {
	if r.limit <= 0 {
		return true, 0, time.Time{}, nil
	}
	start := now.UTC().Truncate(r.window)
	resetAt = start.Add(r.window)
	ttl := max(resetAt.Sub(now.UTC()).Milliseconds(), 1)

	key := fmt.Sprintf("%s:%s:%d", r.prefix, userID, start.Unix())
	used, err = incrWithTTLScript.Run(ctx, r.redis, []string{key}, ttl).Int64()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit script: %w", err)
	}
	return used <= r.limit, used, resetAt, nil
}

// UpdateDeduplicator remembers Telegram update ids for ttl.
type UpdateDeduplicator struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewUpdateDeduplicator(rdb *redis.Client, ttl time.Duration) *UpdateDeduplicator {
	return &UpdateDeduplicator{redis: rdb, ttl: ttl}
}

// MarkFirst reports whether updateID is seen for the first time.
func (d *UpdateDeduplicator) MarkFirst(ctx context.Context, updateID int64) (bool, error) {
	ok, err := d.redis.SetNX(ctx, fmt.Sprintf("%s:%d", defaultUpdatePrefix, updateID), "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe setnx: %w", err)
	}
	return ok, nil
}
