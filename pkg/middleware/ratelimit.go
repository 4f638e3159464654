package middleware

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/platinummonkey/orderdesk/pkg/async"
	"github.com/platinummonkey/orderdesk/pkg/config"
	"github.com/platinummonkey/orderdesk/pkg/httputil"
	"github.com/platinummonkey/orderdesk/pkg/observability"
)

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerWindow is the max requests allowed in the time window
	RequestsPerWindow int
	// WindowDuration is the time window for rate limiting
	WindowDuration time.Duration
	// BurstSize allows temporary bursts above the rate (in-memory limiter only)
	BurstSize int
}

// DefaultRateLimitConfig returns the limits for requests without an actor
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 60,
		WindowDuration:    time.Minute,
		BurstSize:         10,
	}
}

// PerActorRateLimitConfig returns the limits for authenticated actors
func PerActorRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 600,
		WindowDuration:    time.Minute,
		BurstSize:         50,
	}
}

// ConfigsFromSettings converts the loaded settings into actor and anonymous
// limiter configs
func ConfigsFromSettings(cfg config.RateLimitConfig) (actor, anonymous *RateLimitConfig) {
	actor, anonymous = PerActorRateLimitConfig(), DefaultRateLimitConfig()
	if cfg.RequestsPerWindow > 0 {
		actor.RequestsPerWindow = cfg.RequestsPerWindow
	}
	if cfg.AnonymousRequests > 0 {
		anonymous.RequestsPerWindow = cfg.AnonymousRequests
	}
	if cfg.Window > 0 {
		actor.WindowDuration = cfg.Window
		anonymous.WindowDuration = cfg.Window
	}
	return actor, anonymous
}

// Decision is the outcome of taking one request from a limiter
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter counts requests per key
type Limiter interface {
	Take(ctx context.Context, key string) (Decision, error)
}

// RateLimiter implements rate limiting using token bucket algorithm. It is
// process-local; DistributedRateLimiter shares limits across instances.
type RateLimiter struct {
	config  *RateLimitConfig
	buckets map[string]*bucket
	mu      sync.RWMutex
	now     func() time.Time
}

type bucket struct {
	tokens     int
	lastUpdate time.Time
	mu         sync.Mutex
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config *RateLimitConfig) *RateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}

	return &RateLimiter{
		config:  config,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

func (rl *RateLimiter) capacity() int {
	return rl.config.RequestsPerWindow + rl.config.BurstSize
}

// Allow checks if a request is allowed for the given key
func (rl *RateLimiter) Allow(key string) bool {
	d, _ := rl.Take(context.Background(), key)
	return d.Allowed
}

// Take consumes a token for key
func (rl *RateLimiter) Take(_ context.Context, key string) (Decision, error) {
	rl.mu.Lock()
	b, exists := rl.buckets[key]
	if !exists {
		b = &bucket{
			tokens:     rl.capacity(),
			lastUpdate: rl.now(),
		}
		rl.buckets[key] = b
	}
	rl.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	now := rl.now()
	elapsed := now.Sub(b.lastUpdate)

	// Refill tokens based on elapsed time
	tokensToAdd := int(elapsed.Seconds() * float64(rl.config.RequestsPerWindow) / rl.config.WindowDuration.Seconds())
	if tokensToAdd > 0 {
		b.tokens += tokensToAdd
		if b.tokens > rl.capacity() {
			b.tokens = rl.capacity()
		}
		b.lastUpdate = now
	}

	d := Decision{
		Limit:   rl.config.RequestsPerWindow,
		ResetAt: now.Add(rl.config.WindowDuration),
	}
	if b.tokens > 0 {
		b.tokens--
		d.Allowed = true
	}
	d.Remaining = b.tokens
	return d, nil
}

// Remaining returns the number of remaining tokens for a key
func (rl *RateLimiter) Remaining(key string) int {
	rl.mu.RLock()
	b, exists := rl.buckets[key]
	rl.mu.RUnlock()

	if !exists {
		return rl.capacity()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	return b.tokens
}

// Cleanup removes buckets idle for two windows
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, b := range rl.buckets {
		b.mu.Lock()
		if now.Sub(b.lastUpdate) > rl.config.WindowDuration*2 {
			delete(rl.buckets, key)
		}
		b.mu.Unlock()
	}
}

// StartCleanup runs Cleanup once per window until ctx is done
func (rl *RateLimiter) StartCleanup(ctx context.Context, logger *observability.Logger) <-chan struct{} {
	return async.SafeGoNoError(ctx, logger, 0, "rate limiter cleanup", func(ctx context.Context) {
		ticker := time.NewTicker(rl.config.WindowDuration)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.Cleanup()
			case <-ctx.Done():
				return
			}
		}
	})
}

// RateLimitMiddleware limits requests per actor, or per client IP for
// requests without one. It must run after ActorMiddleware.
type RateLimitMiddleware struct {
	actorLimiter     Limiter
	anonymousLimiter Limiter
	fallbackEnabled  bool // fail open on limiter errors
	logger           *observability.Logger
	metrics          *observability.Metrics
}

// NewRateLimitMiddleware creates a rate limit middleware over the two
// limiters. metrics may be nil.
func NewRateLimitMiddleware(actor, anonymous Limiter, logger *observability.Logger, metrics *observability.Metrics) *RateLimitMiddleware {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &RateLimitMiddleware{
		actorLimiter:     actor,
		anonymousLimiter: anonymous,
		fallbackEnabled:  true,
		logger:           logger.WithField("component", "rate_limit"),
		metrics:          metrics,
	}
}

// SetFallbackEnabled controls whether to fail open (true) or closed (false) on limiter errors
func (m *RateLimitMiddleware) SetFallbackEnabled(enabled bool) {
	m.fallbackEnabled = enabled
}

// Handler wraps an HTTP handler with rate limiting
func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var (
			key     string
			keyType string
			limiter Limiter
		)
		if actor, ok := GetActor(r); ok {
			key, keyType, limiter = fmt.Sprintf("user:%d", actor.UserID), "user", m.actorLimiter
		} else {
			key, keyType, limiter = "ip:"+getClientIP(r), "ip", m.anonymousLimiter
		}

		d, err := limiter.Take(r.Context(), key)
		if err != nil {
			m.logger.WithError(err).WithField("key", key).Warn("Rate limiter unavailable")
			if m.fallbackEnabled {
				next.ServeHTTP(w, r)
				return
			}
			httputil.WriteErrorMessage(w, http.StatusServiceUnavailable, "service temporarily unavailable")
			return
		}

		setRateLimitHeaders(w, d)
		if !d.Allowed {
			m.metrics.RecordRateLimited(keyType)
			retryAfter := int(math.Ceil(time.Until(d.ResetAt).Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			httputil.WriteDetailedError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded",
				map[string]interface{}{"retry_after": retryAfter})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func setRateLimitHeaders(w http.ResponseWriter, d Decision) {
	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", d.Limit))
	w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", max(d.Remaining, 0)))
	if !d.ResetAt.IsZero() {
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", d.ResetAt.Unix()))
	}
}

func getClientIP(r *http.Request) string {
	// First hop of X-Forwarded-For is the original client
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}

	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
