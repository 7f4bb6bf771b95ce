package handlers

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"pricealerts/internal/logger"

	"github.com/go-redis/redis_rate/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var rateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "http_rate_limited_total",
	Help: "Requests rejected by the API rate limiter",
})

func init() {
	prometheus.MustRegister(rateLimitedTotal)
}

// Limiter decides whether one more request from key is allowed.
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error)
}

// RedisLimiter is a per-minute GCRA limiter shared by every gateway
// through Redis.
type RedisLimiter struct {
	limiter *redis_rate.Limiter
	limit   redis_rate.Limit
}

func NewRedisLimiter(rdb *redis.Client, perMinute int) *RedisLimiter {
	return &RedisLimiter{
		limiter: redis_rate.NewLimiter(rdb),
		limit:   redis_rate.PerMinute(perMinute),
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	res, err := l.limiter.Allow(ctx, "rate:api:"+key, l.limit)
	if err != nil {
		return false, 0, err
	}
	return res.Allowed > 0, res.RetryAfter, nil
}

// rateLimit rejects over-limit clients with 429. Limiter failures let the
// request through.
func rateLimit(l Limiter, next http.Handler) http.Handler {
	if l == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, retryAfter, err := l.Allow(r.Context(), clientKey(r))
		if err != nil {
			logger.Log.Warn("Rate limiter unavailable", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			rateLimitedTotal.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Round(time.Second).Seconds())))
			writeJSON(w, http.StatusTooManyRequests, messageResponse{Message: "Too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
