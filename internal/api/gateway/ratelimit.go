// Package gateway provides API gateway functionality including rate limiting
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/urlintel/internal/observability"
)

// KeyPrefix namespaces rate limit counters in Redis.
const KeyPrefix = "urlintel:ratelimit:"

// TierHeader selects the caller's tier. Unknown tiers fall back to "free".
const TierHeader = "X-API-Tier"

var fixedWindow = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return current
`)

// RateLimiter enforces per-client fixed-window limits shared across replicas
// through Redis. Redis failures let the request through.
type RateLimiter struct {
	redis   redis.UniversalClient
	logger  *zap.Logger
	metrics *observability.Metrics
	config  RateLimitConfig
	now     func() time.Time
}

// RateLimitConfig configures the rate limiter
type RateLimitConfig struct {
	Enabled                  bool                      `yaml:"enabled"`
	DefaultRequestsPerMinute int                       `yaml:"default_requests_per_minute"`
	Tiers                    map[string]TierLimits     `yaml:"tiers"`
	Endpoints                map[string]EndpointLimits `yaml:"endpoints"`
	IncludeHeaders           bool                      `yaml:"include_headers"`
}

// TierLimits defines rate limits per API tier
type TierLimits struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// EndpointLimits defines rate limits for specific routes. Keys in
// RateLimitConfig.Endpoints are "METHOD:route-pattern".
type EndpointLimits struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	CostMultiplier    int `yaml:"cost_multiplier"`
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
	Tier       string
	Reason     string
}

// DefaultRateLimitConfig returns the limits used when none are configured.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:                  true,
		DefaultRequestsPerMinute: 100,
		Tiers:                    DefaultTiers(),
		Endpoints:                DefaultEndpointLimits(),
		IncludeHeaders:           true,
	}
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(redisClient redis.UniversalClient, cfg RateLimitConfig, logger *zap.Logger, metrics *observability.Metrics) *RateLimiter {
	if cfg.DefaultRequestsPerMinute == 0 {
		cfg.DefaultRequestsPerMinute = 100
	}
	if cfg.Tiers == nil {
		cfg.Tiers = DefaultTiers()
	}
	if cfg.Endpoints == nil {
		cfg.Endpoints = DefaultEndpointLimits()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RateLimiter{
		redis:   redisClient,
		logger:  logger.With(zap.String("component", "ratelimit")),
		metrics: metrics,
		config:  cfg,
		now:     time.Now,
	}
}

// DefaultTiers returns default tier configurations
func DefaultTiers() map[string]TierLimits {
	return map[string]TierLimits{
		"free":         {RequestsPerMinute: 30},
		"basic":        {RequestsPerMinute: 100},
		"professional": {RequestsPerMinute: 300},
		"enterprise":   {RequestsPerMinute: 1000},
	}
}

// DefaultEndpointLimits returns default route-specific limits
func DefaultEndpointLimits() map[string]EndpointLimits {
	return map[string]EndpointLimits{
		// Full enrichment fans out to every provider
		"POST:/enrich": {
			RequestsPerMinute: 60,
			CostMultiplier:    2,
		},
		"POST:/feedback": {
			RequestsPerMinute: 120,
		},
		// Cache-only lookup
		"GET:/verdict/*": {
			RequestsPerMinute: 600,
		},
	}
}

// Check performs a rate limit check
func (rl *RateLimiter) Check(ctx context.Context, tier, clientID, route, method string) (*RateLimitResult, error) {
	limit := rl.effectiveLimit(rl.tierLimits(tier), rl.endpointLimits(route, method))

	redisKey := fmt.Sprintf("%s%s:%s:%s:%s:minute", KeyPrefix, tier, clientID, method, route)
	now := rl.now()

	count, err := fixedWindow.Run(ctx, rl.redis, []string{redisKey}, time.Minute.Milliseconds()).Int()
	if err != nil {
		return nil, fmt.Errorf("rate limit counter: %w", err)
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}

	ttl, err := rl.redis.PTTL(ctx, redisKey).Result()
	if err != nil || ttl < 0 {
		ttl = time.Minute
	}

	result := &RateLimitResult{
		Allowed:   count <= limit,
		Remaining: remaining,
		Limit:     limit,
		ResetAt:   now.Add(ttl),
		Tier:      tier,
	}
	if !result.Allowed {
		result.RetryAfter = ttl
		result.Reason = "Rate limit exceeded"
	}
	return result, nil
}

func (rl *RateLimiter) tierLimits(tier string) TierLimits {
	if limits, ok := rl.config.Tiers[tier]; ok {
		return limits
	}
	if limits, ok := rl.config.Tiers["free"]; ok {
		return limits
	}
	return TierLimits{RequestsPerMinute: rl.config.DefaultRequestsPerMinute}
}

func (rl *RateLimiter) endpointLimits(route, method string) *EndpointLimits {
	if limits, ok := rl.config.Endpoints[method+":"+route]; ok {
		return &limits
	}
	return nil
}

func (rl *RateLimiter) effectiveLimit(tier TierLimits, endpoint *EndpointLimits) int {
	limit := tier.RequestsPerMinute
	if limit <= 0 {
		limit = rl.config.DefaultRequestsPerMinute
	}
	if endpoint == nil {
		return limit
	}
	if endpoint.RequestsPerMinute > 0 && endpoint.RequestsPerMinute < limit {
		limit = endpoint.RequestsPerMinute
	}
	if endpoint.CostMultiplier > 1 {
		limit /= endpoint.CostMultiplier
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

// Middleware returns an HTTP middleware for rate limiting. Mount it with
// chi's With or inside a Route so the matched route pattern is available.
func (rl *RateLimiter) Middleware(getTier func(r *http.Request) string, getClientID func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.config.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			tier := getTier(r)
			clientID := getClientID(r)
			if clientID == "" {
				clientID = getClientIP(r)
			}
			route := routePattern(r)

			result, err := rl.Check(r.Context(), tier, clientID, route, r.Method)
			if err != nil {
				rl.logger.Warn("Rate limit check failed, allowing request", zap.String("route", route), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			if rl.config.IncludeHeaders {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
			}

			if !result.Allowed {
				rl.metrics.ObserveRateLimited(route)
				retryAfter := int(result.RetryAfter.Round(time.Second).Seconds())
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]any{
					"error":       "rate_limit_exceeded",
					"message":     result.Reason,
					"retry_after": retryAfter,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// TierFromHeader reads the tier from TierHeader.
func TierFromHeader(r *http.Request) string {
	return strings.ToLower(strings.TrimSpace(r.Header.Get(TierHeader)))
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
