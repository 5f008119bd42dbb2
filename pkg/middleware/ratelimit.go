package middleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/elimaine/clawfactory-sub000/pkg/cache"
	"github.com/elimaine/clawfactory-sub000/pkg/config"
	"github.com/elimaine/clawfactory-sub000/pkg/logging"
)

// NewRateLimiter limits gateway traffic per client address. With Redis the
// limit is shared across instances through redis_rate; without it, or when
// Redis errors, a process-local token bucket applies. Limits follow config
// reloads.
func NewRateLimiter(rdb *cache.Client, cfg *config.Store) func(http.Handler) http.Handler {
	var distributed *redis_rate.Limiter
	if rdb != nil {
		distributed = redis_rate.NewLimiter(rdb.Redis())
	}
	local := newLocalLimiter()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rl := cfg.Get().RateLimit
			if !rl.Enabled || rl.RPS <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			key := "ratelimit:" + clientIP(r)
			if distributed != nil {
				ctx, cancel := context.WithTimeout(r.Context(), 200*time.Millisecond)
				res, err := distributed.Allow(ctx, key, redisLimit(rl))
				cancel()
				if err == nil {
					w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
					if res.Allowed == 0 {
						rateLimited.WithLabelValues("redis").Inc()
						w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
						respondError(w, "Too Many Requests", http.StatusTooManyRequests)
						return
					}
					next.ServeHTTP(w, r)
					return
				}
				logging.L.Warn("distributed rate limit unavailable, using local limiter", zap.Error(err))
			}

			if !local.allow(key, rate.Limit(rl.RPS), rl.Burst) {
				rateLimited.WithLabelValues("local").Inc()
				respondError(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func redisLimit(rl config.RateLimitConfig) redis_rate.Limit {
	burst := rl.Burst
	if burst <= 0 {
		burst = int(math.Ceil(rl.RPS))
	}
	return redis_rate.Limit{
		Rate:   int(math.Ceil(rl.RPS)),
		Burst:  burst,
		Period: time.Second,
	}
}

// NewLocalRateLimiter is a single process-wide token bucket, used for
// expensive admin endpoints.
func NewLocalRateLimiter(rps rate.Limit, burst int) func(http.Handler) http.Handler {
	limiter := rate.NewLimiter(rps, burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				rateLimited.WithLabelValues("local").Inc()
				respondError(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// localLimiter keeps one bucket per key and retunes buckets when the
// configured limit changes.
type localLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

const maxLocalBuckets = 10000

func newLocalLimiter() *localLimiter {
	return &localLimiter{buckets: make(map[string]*rate.Limiter)}
}

func (l *localLimiter) allow(key string, limit rate.Limit, burst int) bool {
	if burst <= 0 {
		burst = int(math.Ceil(float64(limit)))
	}

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= maxLocalBuckets {
			l.buckets = make(map[string]*rate.Limiter)
		}
		b = rate.NewLimiter(limit, burst)
		l.buckets[key] = b
	}
	l.mu.Unlock()

	if b.Limit() != limit {
		b.SetLimit(limit)
	}
	if b.Burst() != burst {
		b.SetBurst(burst)
	}
	return b.Allow()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
