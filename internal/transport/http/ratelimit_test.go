package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLimiter_ZeroPerMinuteDisablesLimiting(t *testing.T) {
	l := NewLimiter(0, nil)
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow(context.Background(), "client-1"))
	}
}

func TestLimiter_LocalFallbackCapsBurstPerClient(t *testing.T) {
	l := NewLimiter(2, nil)
	allowed := 0
	for i := 0; i < 5; i++ {
		if l.Allow(context.Background(), "client-1") {
			allowed++
		}
	}
	assert.LessOrEqual(t, allowed, 2)
}

func TestLimiter_ClientsAreIsolated(t *testing.T) {
	l := NewLimiter(1, nil)
	assert.True(t, l.Allow(context.Background(), "client-1"))
	assert.True(t, l.Allow(context.Background(), "client-2"), "a separate client must have its own budget")
}

func TestLimiter_Middleware_RejectsOverBudgetWithRetryAfter(t *testing.T) {
	l := NewLimiter(1, nil)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mw := l.Middleware(next)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5000"

	w1 := httptest.NewRecorder()
	mw.ServeHTTP(w1, req)
	assert.Equal(t, http.StatusOK, w1.Code)

	w2 := httptest.NewRecorder()
	mw.ServeHTTP(w2, req)
	assert.Equal(t, http.StatusTooManyRequests, w2.Code)
	assert.Equal(t, "60", w2.Header().Get("Retry-After"))
}

func TestLimiter_Middleware_FallsBackToFullRemoteAddrWithoutPort(t *testing.T) {
	l := NewLimiter(1, nil)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mw := l.Middleware(next)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "not-a-host-port"

	w := httptest.NewRecorder()
	mw.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
