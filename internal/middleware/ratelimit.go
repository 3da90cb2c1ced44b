package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/abdul-hamid-achik/attest/internal/metrics"
)

// Limiter decides whether a request identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, remaining int, err error)
	Limit() int
	Window() time.Duration
}

// RateLimiter is a fixed-window limiter shared across server replicas
// through Redis.
type RateLimiter struct {
	client   *redis.Client
	requests int
	window   time.Duration
}

var _ Limiter = (*RateLimiter)(nil)

// incrScript increments the window counter and sets its expiry on first use.
var incrScript = redis.NewScript(`
	local current = redis.call("INCR", KEYS[1])
	if current == 1 then
		redis.call("EXPIRE", KEYS[1], ARGV[1])
	end
	return current
`)

// NewRateLimiter creates a new RateLimiter.
func NewRateLimiter(client *redis.Client, requests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client:   client,
		requests: requests,
		window:   window,
	}
}

// Allow checks if a request is allowed for the given key.
func (rl *RateLimiter) Allow(ctx context.Context, key string) (bool, int, error) {
	redisKey := fmt.Sprintf("attest:ratelimit:%s", key)

	seconds := int(rl.window.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	result, err := incrScript.Run(ctx, rl.client, []string{redisKey}, seconds).Int()
	if err != nil {
		return false, 0, err
	}

	remaining := rl.requests - result
	if remaining < 0 {
		remaining = 0
	}
	return result <= rl.requests, remaining, nil
}

// Limit returns the number of requests allowed per window.
func (rl *RateLimiter) Limit() int { return rl.requests }

// Window returns the window length.
func (rl *RateLimiter) Window() time.Duration { return rl.window }

// LocalLimiter is a per-key token bucket held in process memory, used when
// no Redis is configured. Idle buckets are dropped after two windows.
type LocalLimiter struct {
	requests int
	window   time.Duration
	now      func() time.Time

	mu        sync.Mutex
	buckets   map[string]*localBucket
	lastSweep time.Time
}

type localBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

var _ Limiter = (*LocalLimiter)(nil)

// NewLocalLimiter allows requests per window for each key, with bursts up
// to the full allowance.
func NewLocalLimiter(requests int, window time.Duration) *LocalLimiter {
	return &LocalLimiter{
		requests: requests,
		window:   window,
		now:      time.Now,
		buckets:  make(map[string]*localBucket),
	}
}

// Allow takes one token from key's bucket.
func (l *LocalLimiter) Allow(_ context.Context, key string) (bool, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > l.window {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) > 2*l.window {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}

	b, ok := l.buckets[key]
	if !ok {
		every := l.window / time.Duration(l.requests)
		b = &localBucket{limiter: rate.NewLimiter(rate.Every(every), l.requests)}
		l.buckets[key] = b
	}
	b.lastSeen = now

	allowed := b.limiter.AllowN(now, 1)
	remaining := int(b.limiter.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	return allowed, remaining, nil
}

// Limit returns the number of requests allowed per window.
func (l *LocalLimiter) Limit() int { return l.requests }

// Window returns the window length.
func (l *LocalLimiter) Window() time.Duration { return l.window }

// RateLimit returns middleware that rate limits requests by client address.
// A failing limiter fails closed with 503.
func RateLimit(limiter Limiter) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientIP(r)

			allowed, remaining, err := limiter.Allow(r.Context(), key)
			if err != nil {
				slog.Error("rate limiter unavailable", "key", key, "error", err)
				jsonError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Service temporarily unavailable")
				return
			}

			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", limiter.Limit()))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
			w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", time.Now().Add(limiter.Window()).Unix()))

			if !allowed {
				metrics.RateLimitRejections.Inc()
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(limiter.Window().Seconds())))
				jsonError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
