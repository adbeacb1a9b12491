package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiterBurstThenRefill(t *testing.T) {
	l := NewLimiter(10, 2)
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"), "burst exhausted")
	assert.True(t, l.Allow("b"), "keys are independent")

	now = now.Add(150 * time.Millisecond)
	assert.True(t, l.Allow("a"), "one token refilled")
}

func TestLimiterPrunesIdleKeys(t *testing.T) {
	l := NewLimiter(1, 1)
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }

	l.Allow("a")
	l.Allow("b")
	now = now.Add(time.Minute)
	l.Allow("b")

	l.Prune(30 * time.Second)
	assert.Equal(t, 1, l.Len())

	// Allow prunes on its own once idleAfter has passed.
	now = now.Add(2 * idleAfter)
	l.Allow("c")
	assert.Equal(t, 1, l.Len())
}

func TestMiddleware(t *testing.T) {
	l := NewLimiter(1, 2)
	h := l.Middleware(IPKeyFunc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	serve := func(remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/status", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, serve("10.0.0.1:4000").Code)
	assert.Equal(t, http.StatusOK, serve("10.0.0.1:4001").Code)
	rec := serve("10.0.0.1:4002")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code, "same host, different port")
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusOK, serve("10.0.0.2:4000").Code)
}

func TestIPKeyFunc(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[::1]:8080"
	req.Header.Set("X-Forwarded-For", "1.2.3.4")
	assert.Equal(t, "::1", IPKeyFunc(req))

	req.RemoteAddr = "unix"
	assert.Equal(t, "unix", IPKeyFunc(req))
}
