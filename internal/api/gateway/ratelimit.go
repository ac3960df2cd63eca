// Package gateway provides API gateway functionality including rate limiting
package gateway

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lvonguyen/tacticguard/internal/observability"
)

// RateLimiter provides configurable rate limiting for API endpoints. Counts
// live in Redis; when Redis is absent or failing, a per-process token
// bucket per client takes over.
type RateLimiter struct {
	redis       *redis.Client
	logger      *zap.Logger
	telemetry   *observability.Telemetry
	config      RateLimitConfig
	localLimits sync.Map // key -> *rate.Limiter
	now         func() time.Time
}

// RateLimitConfig configures the rate limiter
type RateLimitConfig struct {
	Enabled                  bool                      `yaml:"enabled"`
	KeyPrefix                string                    `yaml:"key_prefix"`
	DefaultRequestsPerSecond int                       `yaml:"default_requests_per_second"`
	DefaultRequestsPerMinute int                       `yaml:"default_requests_per_minute"`
	DefaultBurstSize         int                       `yaml:"default_burst_size"`
	Tiers                    map[string]TierLimits     `yaml:"tiers"`
	Endpoints                map[string]EndpointLimits `yaml:"endpoints"`
	IncludeHeaders           bool                      `yaml:"include_headers"`
	// TrustProxyHeaders takes the client IP from X-Forwarded-For and
	// X-Real-IP. Enable only behind a proxy that sets them.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers"`
}

// TierLimits defines rate limits per role tier
type TierLimits struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	RequestsPerMinute int `yaml:"requests_per_minute"`
	BurstSize         int `yaml:"burst_size"`
}

// EndpointLimits defines rate limits for specific endpoints
type EndpointLimits struct {
	Path              string `yaml:"path"`
	Method            string `yaml:"method"`
	RequestsPerSecond int    `yaml:"requests_per_second"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	CostMultiplier    int    `yaml:"cost_multiplier"`
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
	Local      bool
}

// TierAnonymous applies to callers without a resolved role.
const TierAnonymous = "anonymous"

// DefaultRateLimitConfig returns sensible defaults.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:                  true,
		KeyPrefix:                "tacticguard:ratelimit",
		DefaultRequestsPerSecond: 10,
		DefaultRequestsPerMinute: 100,
		DefaultBurstSize:         20,
		Tiers:                    DefaultTiers(),
		Endpoints:                DefaultEndpointLimits(),
		IncludeHeaders:           true,
	}
}

// NewRateLimiter creates a new rate limiter. redisClient may be nil.
func NewRateLimiter(redisClient *redis.Client, cfg RateLimitConfig, telemetry *observability.Telemetry, logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultRequestsPerSecond == 0 {
		cfg.DefaultRequestsPerSecond = 10
	}
	if cfg.DefaultRequestsPerMinute == 0 {
		cfg.DefaultRequestsPerMinute = 100
	}
	if cfg.DefaultBurstSize == 0 {
		cfg.DefaultBurstSize = 20
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "tacticguard:ratelimit"
	}
	if cfg.Tiers == nil {
		cfg.Tiers = DefaultTiers()
	}

	return &RateLimiter{
		redis:     redisClient,
		logger:    logger,
		telemetry: telemetry,
		config:    cfg,
		now:       time.Now,
	}
}

// DefaultTiers returns default limits per user role
func DefaultTiers() map[string]TierLimits {
	return map[string]TierLimits{
		TierAnonymous: {
			RequestsPerSecond: 2,
			RequestsPerMinute: 30,
			BurstSize:         5,
		},
		"viewer": {
			RequestsPerSecond: 5,
			RequestsPerMinute: 60,
			BurstSize:         10,
		},
		"coach": {
			RequestsPerSecond: 10,
			RequestsPerMinute: 120,
			BurstSize:         20,
		},
		"analyst": {
			RequestsPerSecond: 20,
			RequestsPerMinute: 300,
			BurstSize:         40,
		},
		"admin": {
			RequestsPerSecond: 50,
			RequestsPerMinute: 600,
			BurstSize:         100,
		},
	}
}

// DefaultEndpointLimits returns default endpoint-specific limits
func DefaultEndpointLimits() map[string]EndpointLimits {
	return map[string]EndpointLimits{
		// Login is the brute-force surface
		"POST:/api/v1/auth/login": {
			Path:              "/api/v1/auth/login",
			Method:            "POST",
			RequestsPerSecond: 1,
			RequestsPerMinute: 10,
			CostMultiplier:    1,
		},
		"POST:/api/v1/files/import": {
			Path:              "/api/v1/files/import",
			Method:            "POST",
			RequestsPerSecond: 2,
			RequestsPerMinute: 20,
			CostMultiplier:    2,
		},
		"POST:/api/v1/files/export": {
			Path:              "/api/v1/files/export",
			Method:            "POST",
			RequestsPerSecond: 2,
			RequestsPerMinute: 30,
			CostMultiplier:    2,
		},
		"POST:/api/v1/compliance/reports": {
			Path:              "/api/v1/compliance/reports",
			Method:            "POST",
			RequestsPerSecond: 1,
			RequestsPerMinute: 5,
			CostMultiplier:    1,
		},
	}
}

var incrScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return current
`)

// Check performs a rate limit check
func (rl *RateLimiter) Check(ctx context.Context, tier, clientID, endpoint, method string) *RateLimitResult {
	limits := rl.calculateEffectiveLimits(rl.getTierLimits(tier), rl.getEndpointLimits(endpoint, method))
	key := rl.config.KeyPrefix + ":" + tier + ":" + clientID + ":" + method + ":" + endpoint

	if rl.redis == nil {
		return rl.checkLocal(key, tier, limits)
	}

	now := rl.now()
	count, err := incrScript.Run(ctx, rl.redis, []string{key + ":minute"}, 60000).Int()
	if err != nil {
		rl.logger.Warn("Redis rate limit check failed, using local limiter", zap.Error(err))
		return rl.checkLocal(key, tier, limits)
	}

	ttl, err := rl.redis.PTTL(ctx, key+":minute").Result()
	if err != nil || ttl < 0 {
		ttl = time.Minute
	}

	res := &RateLimitResult{
		Allowed:   count <= limits.RequestsPerMinute,
		Remaining: max(limits.RequestsPerMinute-count, 0),
		Limit:     limits.RequestsPerMinute,
		ResetAt:   now.Add(ttl),
		Tier:      tier,
	}
	if !res.Allowed {
		res.RetryAfter = ttl
		res.Reason = "Rate limit exceeded"
	}
	return res
}

// checkLocal applies a token bucket refilled at the per-minute rate.
func (rl *RateLimiter) checkLocal(key, tier string, limits TierLimits) *RateLimitResult {
	every := time.Minute / time.Duration(max(limits.RequestsPerMinute, 1))
	burst := max(limits.BurstSize, 1)
	v, _ := rl.localLimits.LoadOrStore(key, rate.NewLimiter(rate.Every(every), burst))
	lim := v.(*rate.Limiter)

	now := rl.now()
	res := &RateLimitResult{
		Limit: limits.RequestsPerMinute,
		Tier:  tier,
		Local: true,
	}
	r := lim.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		res.RetryAfter = delay
		res.ResetAt = now.Add(delay)
		res.Reason = "Rate limit exceeded"
		return res
	}
	res.Allowed = true
	res.Remaining = int(lim.TokensAt(now))
	res.ResetAt = now.Add(every)
	return res
}

func (rl *RateLimiter) getTierLimits(tier string) TierLimits {
	if limits, ok := rl.config.Tiers[tier]; ok {
		return limits
	}
	if limits, ok := rl.config.Tiers[TierAnonymous]; ok {
		return limits
	}
	return TierLimits{
		RequestsPerSecond: rl.config.DefaultRequestsPerSecond,
		RequestsPerMinute: rl.config.DefaultRequestsPerMinute,
		BurstSize:         rl.config.DefaultBurstSize,
	}
}

func (rl *RateLimiter) getEndpointLimits(endpoint, method string) *EndpointLimits {
	key := method + ":" + endpoint
	if limits, ok := rl.config.Endpoints[key]; ok {
		return &limits
	}
	return nil
}

func (rl *RateLimiter) calculateEffectiveLimits(tier TierLimits, endpoint *EndpointLimits) TierLimits {
	if endpoint == nil {
		return tier
	}
	effective := tier
	if endpoint.RequestsPerSecond > 0 && endpoint.RequestsPerSecond < tier.RequestsPerSecond {
		effective.RequestsPerSecond = endpoint.RequestsPerSecond
	}
	if endpoint.RequestsPerMinute > 0 && endpoint.RequestsPerMinute < tier.RequestsPerMinute {
		effective.RequestsPerMinute = endpoint.RequestsPerMinute
	}
	if endpoint.CostMultiplier > 1 {
		effective.RequestsPerSecond = max(effective.RequestsPerSecond/endpoint.CostMultiplier, 1)
		effective.RequestsPerMinute = max(effective.RequestsPerMinute/endpoint.CostMultiplier, 1)
	}
	if effective.BurstSize > effective.RequestsPerMinute {
		effective.BurstSize = effective.RequestsPerMinute
	}
	return effective
}

// Middleware returns an HTTP middleware for rate limiting. getTier and
// getClientID may return "" for anonymous callers; the client IP is used
// then.
func (rl *RateLimiter) Middleware(getTier func(r *http.Request) string, getClientID func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.config.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			tier := getTier(r)
			if tier == "" {
				tier = TierAnonymous
			}
			clientID := getClientID(r)
			if clientID == "" {
				clientID = rl.ClientIP(r)
			}

			result := rl.Check(r.Context(), tier, clientID, r.URL.Path, r.Method)

			if rl.config.IncludeHeaders {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
			}

			if !result.Allowed {
				rl.telemetry.RecordRateLimited(tier)
				retry := int(result.RetryAfter.Seconds() + 0.999)
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error":       "rate_limit_exceeded",
					"message":     result.Reason,
					"retry_after": retry,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the caller's address without port.
func (rl *RateLimiter) ClientIP(r *http.Request) string {
	return ClientIP(r, rl.config.TrustProxyHeaders)
}

// ClientIP extracts the client address from r. Proxy headers are consulted
// only when trustProxy is set.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
