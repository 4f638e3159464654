package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestDistributedRateLimiter_Window(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()

	limiter := NewDistributedRateLimiter(client, &RateLimitConfig{
		RequestsPerWindow: 3,
		WindowDuration:    time.Minute,
	}, "ratelimit:test")

	for i := 0; i < 3; i++ {
		d, err := limiter.Take(ctx, "user:9")
		if err != nil {
			t.Fatalf("Take: %v", err)
		}
		if !d.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if d.Remaining != 2-i {
			t.Errorf("request %d: remaining = %d, want %d", i, d.Remaining, 2-i)
		}
	}

	d, err := limiter.Take(ctx, "user:9")
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if d.Allowed {
		t.Error("fourth request should be rejected")
	}
	if until := time.Until(d.ResetAt); until <= 0 || until > time.Minute+time.Second {
		t.Errorf("unexpected reset in %s", until)
	}

	if !mr.Exists("ratelimit:test:user:9") {
		t.Error("expected counter key in redis")
	}
	ttl, err := limiter.TTL(ctx, "user:9")
	if err != nil || ttl <= 0 {
		t.Errorf("expected positive TTL, got %s (%v)", ttl, err)
	}

	// Later hits must not extend the window
	mr.FastForward(30 * time.Second)
	_, _ = limiter.Take(ctx, "user:9")
	if ttl := mr.TTL("ratelimit:test:user:9"); ttl > 30*time.Second {
		t.Errorf("window was extended to %s", ttl)
	}

	mr.FastForward(31 * time.Second)
	allowed, err := limiter.Allow(ctx, "user:9")
	if err != nil || !allowed {
		t.Errorf("new window should allow, got %v (%v)", allowed, err)
	}
}

func TestDistributedRateLimiter_RemainingAndReset(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()

	limiter := NewDistributedRateLimiter(client, &RateLimitConfig{
		RequestsPerWindow: 5,
		WindowDuration:    time.Minute,
	}, "")

	remaining, err := limiter.Remaining(ctx, "ip:10.0.0.1")
	if err != nil || remaining != 5 {
		t.Errorf("fresh key: remaining = %d (%v), want 5", remaining, err)
	}

	_, _ = limiter.Take(ctx, "ip:10.0.0.1")
	_, _ = limiter.Take(ctx, "ip:10.0.0.1")
	remaining, _ = limiter.Remaining(ctx, "ip:10.0.0.1")
	if remaining != 3 {
		t.Errorf("remaining = %d, want 3", remaining)
	}

	if err := limiter.Reset(ctx, "ip:10.0.0.1"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	remaining, _ = limiter.Remaining(ctx, "ip:10.0.0.1")
	if remaining != 5 {
		t.Errorf("after reset remaining = %d, want 5", remaining)
	}
	if err := limiter.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}
}

func TestDistributedRateLimiter_RedisDown(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	limiter := NewDistributedRateLimiter(client, nil, "ratelimit")
	mr.Close()

	allowed, err := limiter.Allow(context.Background(), "user:1")
	if err == nil {
		t.Fatal("expected redis error")
	}
	if !allowed {
		t.Error("Allow should fail open")
	}
	if err := limiter.HealthCheck(context.Background()); err == nil {
		t.Error("expected health check failure")
	}
}

func TestRateLimitMiddleware_Distributed(t *testing.T) {
	_, client := newTestRedis(t)
	actor := NewDistributedRateLimiter(client, &RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute}, "ratelimit:actor")
	anon := NewDistributedRateLimiter(client, &RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute}, "ratelimit:anon")
	handler := NewRateLimitMiddleware(actor, anon, nil, nil).Handler(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/notifications", nil)
	req.RemoteAddr = "198.51.100.4:4000"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After")
	}
}
