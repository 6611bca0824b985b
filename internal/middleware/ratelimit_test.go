package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type testAccountKey struct{}

func testAccountID(ctx context.Context) string {
	id, _ := ctx.Value(testAccountKey{}).(string)
	return id
}

func setupRateLimiter(t *testing.T, maxReqs, windowSec int) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRateLimiter(client, "generate", maxReqs, windowSec, KeyByAccount(testAccountID)), mr
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiter_AllowsUnderLimit(t *testing.T) {
	rl, _ := setupRateLimiter(t, 5, 60)
	handler := rl.Middleware(okHandler())

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest("POST", "/api/v1/generations", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
	}
}

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	rl, _ := setupRateLimiter(t, 3, 60)
	handler := rl.Middleware(okHandler())

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("POST", "/api/v1/generations", nil)
		req.RemoteAddr = "10.0.0.1:12345"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
	}

	// 4th request should be blocked
	req := httptest.NewRequest("POST", "/api/v1/generations", nil)
	req.RemoteAddr = "10.0.0.1:12345"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After: 60, got %q", rec.Header().Get("Retry-After"))
	}
	if rec.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("expected JSON body, got %q", rec.Header().Get("Content-Type"))
	}
}

func TestRateLimiter_DifferentIPsIndependent(t *testing.T) {
	rl, _ := setupRateLimiter(t, 2, 60)
	handler := rl.Middleware(okHandler())

	// Exhaust IP 1
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("POST", "/", nil)
		req.RemoteAddr = "1.1.1.1:1"
		handler.ServeHTTP(httptest.NewRecorder(), req)
	}

	// IP 2 should still be allowed
	req := httptest.NewRequest("POST", "/", nil)
	req.RemoteAddr = "2.2.2.2:1"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for different IP, got %d", rec.Code)
	}
}

func TestRateLimiter_KeysByAccountWhenAuthenticated(t *testing.T) {
	rl, mr := setupRateLimiter(t, 1, 60)
	handler := rl.Middleware(okHandler())

	send := func(accountID, addr string) int {
		req := httptest.NewRequest("POST", "/", nil)
		req.RemoteAddr = addr
		req = req.WithContext(context.WithValue(req.Context(), testAccountKey{}, accountID))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send("acc-1", "1.1.1.1:1"); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	// Same account from another address shares the budget.
	if code := send("acc-1", "9.9.9.9:1"); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for same account, got %d", code)
	}
	// Another account behind the same address does not.
	if code := send("acc-2", "1.1.1.1:1"); code != http.StatusOK {
		t.Fatalf("expected 200 for different account, got %d", code)
	}
	if !mr.Exists("ratelimit:generate:account:acc-1") {
		t.Fatal("expected account-scoped key in redis")
	}
}

func TestRateLimiter_FailsOpenOnRedisError(t *testing.T) {
	rl, mr := setupRateLimiter(t, 1, 60)
	mr.Close() // kill Redis

	handler := rl.Middleware(okHandler())

	req := httptest.NewRequest("POST", "/", nil)
	req.RemoteAddr = "3.3.3.3:1"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on Redis failure (fail-open), got %d", rec.Code)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := clientIP(req); got != "203.0.113.7" {
		t.Fatalf("expected first forwarded address, got %q", got)
	}

	req = httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "198.51.100.2:4000"
	if got := clientIP(req); got != "198.51.100.2" {
		t.Fatalf("expected remote host, got %q", got)
	}
}
