package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ashita-ai/shirushi/internal/model"
)

type errLimiter struct{}

func (errLimiter) Allow(context.Context, string) (bool, error) { return false, errors.New("backend down") }
func (errLimiter) Close() error                                { return nil }

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestMiddlewareRejectsOverLimit(t *testing.T) {
	m := NewMemoryLimiter(1, 1)
	defer closeLimiter(t, m)

	reqID := func(*http.Request) string { return "req-1" }
	h := Middleware(m, IPKeyFunc, reqID, discardLogger())(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/matches/byContent", nil)
	req.RemoteAddr = "203.0.113.9:5000"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("first request: expected 204, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Fatalf("expected Retry-After header, got %q", rec.Header().Get("Retry-After"))
	}

	var body model.APIError
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Code != model.ErrCodeRateLimited || body.Meta.RequestID != "req-1" {
		t.Fatalf("unexpected error body: %+v", body)
	}

	// A different client is unaffected.
	req2 := httptest.NewRequest(http.MethodPost, "/v1/matches/byContent", nil)
	req2.RemoteAddr = "198.51.100.4:6000"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req2)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("other client: expected 204, got %d", rec.Code)
	}
}

func TestMiddlewareFailsOpen(t *testing.T) {
	h := Middleware(errLimiter{}, IPKeyFunc, nil, discardLogger())(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected limiter errors to fail open, got %d", rec.Code)
	}
}

func TestMiddlewareSkipsEmptyKey(t *testing.T) {
	m := NewMemoryLimiter(1, 1)
	defer closeLimiter(t, m)

	h := Middleware(m, func(*http.Request) string { return "" }, nil, discardLogger())(okHandler())
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusNoContent {
			t.Fatalf("request %d: expected 204, got %d", i, rec.Code)
		}
	}
}

func TestIPKeyFunc(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[2001:db8::1]:443"
	req.Header.Set("X-Forwarded-For", "10.0.0.1")
	if got := IPKeyFunc(req); got != "2001:db8::1" {
		t.Fatalf("expected IPv6 host, got %q", got)
	}

	req.RemoteAddr = "unix-socket"
	if got := IPKeyFunc(req); got != "unix-socket" {
		t.Fatalf("expected raw RemoteAddr fallback, got %q", got)
	}
}
