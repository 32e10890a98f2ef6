package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"

	"github.com/atriaconnect/courier/internal/redis"
)

func setupLimitedHandler(t *testing.T, limit int) (http.Handler, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}

	port, err := strconv.Atoi(mr.Port())
	if err != nil {
		t.Fatal(err)
	}
	client, err := redis.New(context.Background(), redis.Config{Host: mr.Host(), Port: port}, zap.NewNop())
	if err != nil {
		mr.Close()
		t.Fatalf("connect to miniredis: %v", err)
	}

	limiter := redis.NewRateLimiter(client, zap.NewNop(), redis.RateLimitConfig{
		Limit:  limit,
		Window: time.Minute,
	})

	mw := RateLimitMiddleware(limiter, zap.NewNop(), ClientKeyFunc)
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	return h, func() {
		client.Close()
		mr.Close()
	}
}

func TestRateLimitMiddlewareBlocksOverBudget(t *testing.T) {
	h, cleanup := setupLimitedHandler(t, 2)
	defer cleanup()

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Client-ID", "scheduler")
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusNoContent {
			t.Fatalf("request %d status = %d", i, rr.Code)
		}
	}

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Client-ID", "scheduler")
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Fatalf("content type = %q", ct)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}
}

func TestRateLimitMiddlewareKeysAreIndependent(t *testing.T) {
	h, cleanup := setupLimitedHandler(t, 1)
	defer cleanup()

	for _, client := range []string{"scheduler", "portal"} {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Client-ID", client)
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusNoContent {
			t.Fatalf("%s status = %d", client, rr.Code)
		}
	}
}

func TestRateLimitMiddlewareNoKeyPassesThrough(t *testing.T) {
	h, cleanup := setupLimitedHandler(t, 1)
	defer cleanup()

	// No X-Client-ID: unkeyed requests are never throttled.
	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
		if rr.Code != http.StatusNoContent {
			t.Fatalf("request %d status = %d", i, rr.Code)
		}
	}
}

func TestRateLimitMiddlewareNilLimiter(t *testing.T) {
	mw := RateLimitMiddleware(nil, zap.NewNop(), ClientKeyFunc)
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Client-ID", "scheduler")
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestIPKeyFunc(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.9:1234"
	if got := IPKeyFunc(req); got != "ip:10.0.0.9:1234" {
		t.Fatalf("key = %q", got)
	}

	req.Header.Set("X-Real-IP", "203.0.113.7")
	if got := IPKeyFunc(req); got != "ip:203.0.113.7" {
		t.Fatalf("key = %q", got)
	}

	req.Header.Set("X-Forwarded-For", "198.51.100.4")
	if got := IPKeyFunc(req); got != "ip:198.51.100.4" {
		t.Fatalf("key = %q", got)
	}
}
