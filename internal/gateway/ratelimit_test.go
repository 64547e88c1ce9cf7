package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/basket/go-conductor/internal/config"
	"github.com/basket/go-conductor/internal/gateway"
)

func limited(rl *gateway.RateLimitMiddleware) http.Handler {
	return rl.Wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func hit(h http.Handler, path, token, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if remote != "" {
		req.RemoteAddr = remote
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimit_BurstThenRefill(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl := gateway.NewRateLimitMiddleware(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 3})
	rl.SetClock(func() time.Time { return now })
	h := limited(rl)

	for i := range 3 {
		if rec := hit(h, "/api/agents", "k1", ""); rec.Code != http.StatusOK {
			t.Fatalf("burst request %d: expected 200, got %d", i, rec.Code)
		}
	}
	rec := hit(h, "/api/agents", "k1", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected a Retry-After header")
	}
	if rec := hit(h, "/api/agents", "k2", ""); rec.Code != http.StatusOK {
		t.Fatalf("other callers have their own bucket, got %d", rec.Code)
	}

	now = now.Add(time.Second)
	if rec := hit(h, "/api/agents", "k1", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected a refilled token after 1s, got %d", rec.Code)
	}
}

func TestRateLimit_HealthzExemptAndDisabled(t *testing.T) {
	rl := gateway.NewRateLimitMiddleware(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 1, BurstSize: 1})
	h := limited(rl)
	for range 5 {
		if rec := hit(h, "/healthz", "", "10.0.0.1:5000"); rec.Code != http.StatusOK {
			t.Fatalf("healthz should never be limited, got %d", rec.Code)
		}
	}

	off := limited(gateway.NewRateLimitMiddleware(config.RateLimitConfig{Enabled: false, BurstSize: 1}))
	for range 5 {
		if rec := hit(off, "/api/agents", "", "10.0.0.1:5000"); rec.Code != http.StatusOK {
			t.Fatalf("disabled limiter rejected a request: %d", rec.Code)
		}
	}
}

func TestRateLimit_KeysByIPWithoutPort(t *testing.T) {
	rl := gateway.NewRateLimitMiddleware(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 1, BurstSize: 1})
	h := limited(rl)
	if rec := hit(h, "/api/agents", "", "10.0.0.1:5000"); rec.Code != http.StatusOK {
		t.Fatalf("first request: %d", rec.Code)
	}
	if rec := hit(h, "/api/agents", "", "10.0.0.1:6000"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("same host on another port should share a bucket, got %d", rec.Code)
	}
	if rl.BucketCount() != 1 {
		t.Fatalf("bucket count = %d", rl.BucketCount())
	}
}

func TestRateLimit_EvictStale(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl := gateway.NewRateLimitMiddleware(config.RateLimitConfig{Enabled: true})
	rl.SetClock(func() time.Time { return now })
	h := limited(rl)
	hit(h, "/api/agents", "old", "")
	now = now.Add(10 * time.Minute)
	hit(h, "/api/agents", "fresh", "")

	if n := rl.EvictStale(5 * time.Minute); n != 1 {
		t.Fatalf("evicted %d buckets, want 1", n)
	}
	if rl.BucketCount() != 1 {
		t.Fatalf("bucket count = %d, want 1", rl.BucketCount())
	}
}
