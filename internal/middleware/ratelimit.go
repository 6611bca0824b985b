package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter provides sliding-window rate limiting backed by Redis sorted
// sets, keyed per client IP or per account.
type RateLimiter struct {
	client    redis.Cmdable
	scope     string
	maxReqs   int
	windowSec int
	accountID func(context.Context) string
}

type RateLimiterOption func(*RateLimiter)

// KeyByAccount limits authenticated requests per account. accountID reads the
// id from the request context; an empty id falls back to the client IP.
func KeyByAccount(accountID func(context.Context) string) RateLimiterOption {
	return func(rl *RateLimiter) { rl.accountID = accountID }
}

// NewRateLimiter creates a rate limiter that allows maxReqs per windowSec
// seconds. scope namespaces the Redis keys so several limiters can share a
// database.
func NewRateLimiter(client redis.Cmdable, scope string, maxReqs, windowSec int, opts ...RateLimiterOption) *RateLimiter {
	rl := &RateLimiter{client: client, scope: scope, maxReqs: maxReqs, windowSec: windowSec}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

// Middleware returns an HTTP middleware that enforces the rate limit.
// On Redis errors it fails open (allows the request through).
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := "ip:" + clientIP(r)
		if rl.accountID != nil {
			if id := rl.accountID(r.Context()); id != "" {
				subject = "account:" + id
			}
		}
		key := "ratelimit:" + rl.scope + ":" + subject

		allowed, err := rl.allow(r.Context(), key)
		if err != nil {
			slog.Warn("rate limiter: redis error, failing open", "error", err, "subject", subject)
			next.ServeHTTP(w, r)
			return
		}

		if !allowed {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(rl.windowSec))
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"too many requests"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) allow(ctx context.Context, key string) (bool, error) {
	now := time.Now()
	windowStart := float64(now.Add(-time.Duration(rl.windowSec) * time.Second).UnixMilli())
	member := fmt.Sprintf("%d", now.UnixNano())
	score := float64(now.UnixMilli())

	pipe := rl.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%f", windowStart))
	countCmd := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: member})
	pipe.Expire(ctx, key, time.Duration(rl.windowSec)*time.Second+time.Second)

	_, err := pipe.Exec(ctx)
	if err != nil {
		return false, err
	}

	return countCmd.Val() < int64(rl.maxReqs), nil
}

func clientIP(r *http.Request) string {
	// X-Forwarded-For is set by the trusted reverse proxy
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
