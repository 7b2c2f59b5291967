package web

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func remoteIP(r *http.Request) string { return hostOnly(r.RemoteAddr) }

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerSecond: 0.01, BurstSize: 2}, remoteIP)
	defer rl.Close()

	if !rl.Allow("1.1.1.1") || !rl.Allow("1.1.1.1") {
		t.Fatal("burst should be allowed")
	}
	if rl.Allow("1.1.1.1") {
		t.Error("request over the burst should be rejected")
	}
	if !rl.Allow("2.2.2.2") {
		t.Error("clients are limited independently")
	}
	if rl.Len() != 2 {
		t.Errorf("Len = %d, want 2", rl.Len())
	}
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{}, remoteIP)
	defer rl.Close()

	for i := 0; i < 100; i++ {
		if !rl.Allow("1.1.1.1") {
			t.Fatalf("request %d rejected with limiting disabled", i)
		}
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerSecond: 0.5, BurstSize: 1}, remoteIP)
	defer rl.Close()

	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("first status = %d, want 204", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "2" {
		t.Errorf("Retry-After = %q, want 2", got)
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, EntryTTL: time.Minute}, remoteIP)
	defer rl.Close()

	rl.Allow("1.1.1.1")
	rl.cleanup(time.Now())
	if rl.Len() != 1 {
		t.Fatal("fresh entry removed")
	}
	rl.cleanup(time.Now().Add(2 * time.Minute))
	if rl.Len() != 0 {
		t.Errorf("Len = %d after expiry, want 0", rl.Len())
	}
}

func TestRateLimiter_CloseTwice(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimitConfig(), remoteIP)
	rl.Close()
	rl.Close()
}
