package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter answers whether a caller identified by key may perform another
// request right now.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

// Config bounds request rates per caller.
type Config struct {
	Requests int
	Window   time.Duration
}

// DefaultConfig allows 30 requests per caller per minute.
func DefaultConfig() Config {
	return Config{Requests: 30, Window: time.Minute}
}

// counterStore is the slice of Redis the limiter needs.
type counterStore interface {
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// RedisLimiter counts requests per key in a fixed window shared across
// instances. When Redis is unreachable it falls back to the local limiter
// rather than failing open entirely.
type RedisLimiter struct {
	store    counterStore
	cfg      Config
	fallback *LocalLimiter
	logger   *slog.Logger
}

// NewRedisLimiter creates a Redis-backed limiter with a local fallback.
func NewRedisLimiter(client *redis.Client, cfg Config, logger *slog.Logger) *RedisLimiter {
	return newRedisLimiter(redisCounterStore{client: client}, cfg, logger)
}

func newRedisLimiter(store counterStore, cfg Config, logger *slog.Logger) *RedisLimiter {
	if cfg.Requests <= 0 || cfg.Window <= 0 {
		cfg = DefaultConfig()
	}
	return &RedisLimiter{
		store:    store,
		cfg:      cfg,
		fallback: NewLocalLimiter(cfg),
		logger:   logger,
	}
}

// Allow increments the caller's window counter and compares it against the
// configured budget. The TTL is armed only when the counter is created;
// refreshing it on every call would keep a steady caller's window open
// forever and the count would never reset.
func (l *RedisLimiter) Allow(ctx context.Context, key string) bool {
	redisKey := "ratelimit:" + key

	count, err := l.store.Incr(ctx, redisKey)
	if err != nil {
		l.logger.Warn("rate limiter redis unavailable, using local fallback", "error", err)
		return l.fallback.Allow(ctx, key)
	}

	if count == 1 {
		if err := l.store.Expire(ctx, redisKey, l.cfg.Window); err != nil {
			l.logger.Warn("rate limiter failed to arm window expiry", "key", redisKey, "error", err)
		}
	}

	return count <= int64(l.cfg.Requests)
}

type redisCounterStore struct {
	client *redis.Client
}

func (s redisCounterStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.client.Incr(ctx, key).Result()
}

func (s redisCounterStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, key, ttl).Err()
}

// LocalLimiter is a per-process token bucket keyed by caller. Used directly
// when no Redis is configured and as the degraded path when Redis is down.
type LocalLimiter struct {
	mu       sync.Mutex
	cfg      Config
	buckets  map[string]*localBucket
	lastSeen map[string]time.Time
}

type localBucket struct {
	limiter *rate.Limiter
}

// NewLocalLimiter creates an in-process limiter.
func NewLocalLimiter(cfg Config) *LocalLimiter {
	if cfg.Requests <= 0 || cfg.Window <= 0 {
		cfg = DefaultConfig()
	}
	return &LocalLimiter{
		cfg:      cfg,
		buckets:  make(map[string]*localBucket),
		lastSeen: make(map[string]time.Time),
	}
}

// Allow consumes one token from the caller's bucket.
func (l *LocalLimiter) Allow(_ context.Context, key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	bucket, ok := l.buckets[key]
	if !ok {
		perSecond := rate.Limit(float64(l.cfg.Requests) / l.cfg.Window.Seconds())
		bucket = &localBucket{limiter: rate.NewLimiter(perSecond, l.cfg.Requests)}
		l.buckets[key] = bucket
	}
	l.lastSeen[key] = time.Now()

	if len(l.buckets) > 10000 {
		l.pruneLocked()
	}

	return bucket.limiter.Allow()
}

// pruneLocked drops buckets idle longer than two windows.
func (l *LocalLimiter) pruneLocked() {
	cutoff := time.Now().Add(-2 * l.cfg.Window)
	for key, seen := range l.lastSeen {
		if seen.Before(cutoff) {
			delete(l.buckets, key)
			delete(l.lastSeen, key)
		}
	}
}
