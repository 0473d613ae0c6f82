package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func tinyLimitConfig(burst int) RateLimitConfig {
	return RateLimitConfig{
		Rate:            rate.Limit(1),
		Burst:           burst,
		CleanupInterval: time.Hour,
		MaxAge:          time.Hour,
	}
}

func TestAllowWithinBurst(t *testing.T) {
	rl := NewIPRateLimiter(tinyLimitConfig(3))
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		if !rl.Allow("10.0.0.1") {
			t.Fatalf("request %d within burst was denied", i+1)
		}
	}
	if rl.Allow("10.0.0.1") {
		t.Error("request beyond burst was allowed")
	}
}

func TestLimitsArePerIP(t *testing.T) {
	rl := NewIPRateLimiter(tinyLimitConfig(1))
	defer rl.Stop()

	if !rl.Allow("10.0.0.1") {
		t.Fatal("first request from first IP denied")
	}
	if rl.Allow("10.0.0.1") {
		t.Error("second request from first IP allowed past burst")
	}
	if !rl.Allow("10.0.0.2") {
		t.Error("request from a different IP was denied")
	}
}

func TestCleanupEvictsIdleEntries(t *testing.T) {
	rl := NewIPRateLimiter(RateLimitConfig{
		Rate:            rate.Limit(1),
		Burst:           1,
		CleanupInterval: time.Hour,
		MaxAge:          10 * time.Millisecond,
	})
	defer rl.Stop()

	rl.Allow("10.0.0.1")
	time.Sleep(20 * time.Millisecond)
	rl.cleanup()

	rl.mu.Lock()
	n := len(rl.entries)
	rl.mu.Unlock()
	if n != 0 {
		t.Errorf("expected idle entry evicted, %d remain", n)
	}
}

func TestRateLimitMiddlewareReturns429(t *testing.T) {
	rl := NewIPRateLimiter(tinyLimitConfig(1))
	defer rl.Stop()

	handler := RateLimit(rl)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	req.RemoteAddr = "10.0.0.1:54321"

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, req)
	if first.Code != http.StatusOK {
		t.Fatalf("first request status = %d", first.Code)
	}

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, req)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", second.Code)
	}
	if second.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q", second.Header().Get("Retry-After"))
	}
}

func TestExtractIP(t *testing.T) {
	cases := []struct {
		remoteAddr string
		want       string
	}{
		{"192.168.1.5:12345", "192.168.1.5"},
		{"[::1]:8080", "::1"},
		{"10.0.0.9", "10.0.0.9"},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = tc.remoteAddr
		if got := extractIP(r); got != tc.want {
			t.Errorf("extractIP(%q) = %q, want %q", tc.remoteAddr, got, tc.want)
		}
	}
}
