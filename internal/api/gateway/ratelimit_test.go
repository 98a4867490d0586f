package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvonguyen/urlintel/internal/observability"
)

func newTestLimiter(t *testing.T, cfg RateLimitConfig) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRateLimiter(client, cfg, nil, observability.NewMetrics()), mr
}

func TestCheck_FixedWindow(t *testing.T) {
	rl, mr := newTestLimiter(t, RateLimitConfig{
		Tiers: map[string]TierLimits{"free": {RequestsPerMinute: 3}},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := rl.Check(ctx, "free", "10.0.0.1", "/verdict/*", http.MethodGet)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d should pass", i+1)
		assert.Equal(t, 2-i, res.Remaining)
	}

	res, err := rl.Check(ctx, "free", "10.0.0.1", "/verdict/*", http.MethodGet)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, "Rate limit exceeded", res.Reason)
	assert.Greater(t, res.RetryAfter, time.Duration(0))

	other, err := rl.Check(ctx, "free", "10.0.0.2", "/verdict/*", http.MethodGet)
	require.NoError(t, err)
	assert.True(t, other.Allowed, "clients are counted separately")

	mr.FastForward(time.Minute + time.Second)
	res, err = rl.Check(ctx, "free", "10.0.0.1", "/verdict/*", http.MethodGet)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "window resets after a minute")
}

func TestEffectiveLimit(t *testing.T) {
	rl := NewRateLimiter(nil, RateLimitConfig{}, nil, nil)

	assert.Equal(t, 30, rl.effectiveLimit(rl.tierLimits("unknown-tier"), nil))
	assert.Equal(t, 30, rl.effectiveLimit(rl.tierLimits("enterprise"), rl.endpointLimits("/enrich", http.MethodPost)))
	assert.Equal(t, 15, rl.effectiveLimit(rl.tierLimits("free"), rl.endpointLimits("/enrich", http.MethodPost)))
	assert.Equal(t, 1000, rl.effectiveLimit(rl.tierLimits("enterprise"), rl.endpointLimits("/health", http.MethodGet)))
}

func TestMiddleware_RejectsOverLimit(t *testing.T) {
	rl, _ := newTestLimiter(t, RateLimitConfig{
		Enabled:        true,
		Tiers:          map[string]TierLimits{"free": {RequestsPerMinute: 1}},
		Endpoints:      map[string]EndpointLimits{},
		IncludeHeaders: true,
	})

	r := chi.NewRouter()
	r.With(rl.Middleware(TierFromHeader, func(*http.Request) string { return "" })).
		Get("/verdict/*", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})

	first := httptest.NewRecorder()
	r.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/verdict/https://a.example/", nil))
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Limit"))

	// A different URL on the same route shares the counter.
	second := httptest.NewRecorder()
	r.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/verdict/https://b.example/", nil))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))
	assert.Contains(t, second.Body.String(), "rate_limit_exceeded")
}

func TestMiddleware_FailsOpen(t *testing.T) {
	rl, mr := newTestLimiter(t, RateLimitConfig{Enabled: true})
	mr.Close()

	handler := rl.Middleware(TierFromHeader, func(*http.Request) string { return "client" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/enrich", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestMiddleware_Disabled(t *testing.T) {
	rl := NewRateLimiter(nil, RateLimitConfig{Enabled: false}, nil, nil)

	handler := rl.Middleware(TierFromHeader, func(*http.Request) string { return "" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", getClientIP(req))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.4:5555"
	assert.Equal(t, "198.51.100.4", getClientIP(req))
}
