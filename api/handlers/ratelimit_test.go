package handlers_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/churnguard/lake/api/handlers"
)

func TestLake_Handlers_RateLimiter_Allow(t *testing.T) {
	t.Parallel()

	limiter := handlers.NewRateLimiter(clockwork.NewFakeClock(), rate.Limit(5), 5)
	t.Cleanup(limiter.Close)

	for i := range 5 {
		require.True(t, limiter.Allow("192.168.1.1"), "request %d should be allowed", i+1)
	}
	require.False(t, limiter.Allow("192.168.1.1"))
	require.True(t, limiter.Allow("192.168.1.2"), "a different IP has its own bucket")
}

func TestLake_Handlers_RateLimiter_Refill(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	limiter := handlers.NewRateLimiter(clock, rate.Limit(10), 2)
	t.Cleanup(limiter.Close)

	require.True(t, limiter.Allow("ip"))
	require.True(t, limiter.Allow("ip"))
	allowed, retry := limiter.AllowWithRetry("ip")
	require.False(t, allowed)
	require.Greater(t, retry, time.Duration(0))

	clock.Advance(150 * time.Millisecond)
	require.True(t, limiter.Allow("ip"))
}

func TestLake_Handlers_RateLimitMiddleware_JSONResponse(t *testing.T) {
	t.Parallel()

	limiter := handlers.NewRateLimiter(clockwork.NewFakeClock(), rate.Limit(1), 1)
	t.Cleanup(limiter.Close)
	handler := handlers.RateLimitMiddleware(limiter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = "192.168.1.50:12345"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.Equal(t, "1", rec.Header().Get("Retry-After"))

	var body handlers.RateLimitError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, "rate_limit_exceeded", body.Error)
	require.Equal(t, 1, body.RetryAfter)
}

func TestLake_Handlers_GetIPFromRequest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		header map[string]string
		remote string
		want   string
	}{
		{name: "remote addr", remote: "10.0.0.1:5555", want: "10.0.0.1"},
		{name: "forwarded first hop", header: map[string]string{"X-Forwarded-For": " 203.0.113.7 , 10.0.0.2"}, remote: "10.0.0.1:5555", want: "203.0.113.7"},
		{name: "real ip", header: map[string]string{"X-Real-IP": "198.51.100.4"}, remote: "10.0.0.1:5555", want: "198.51.100.4"},
		{name: "no port", remote: "10.0.0.9", want: "10.0.0.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			require.Equal(t, tt.want, handlers.GetIPFromRequest(req))
		})
	}
}
