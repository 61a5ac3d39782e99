package middleware

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures per-client rate limiting of the ingest route.
type RateLimitConfig struct {
	Rate  rate.Limit // requests per second per client
	Burst int
	// SweepInterval is how often idle clients are forgotten.
	SweepInterval time.Duration
	// IdleTTL is how long a client may stay silent before its bucket is dropped.
	IdleTTL time.Duration
}

// IngestRateLimitConfig returns the ingestion limits for the given rate and
// burst.
func IngestRateLimitConfig(perSecond float64, burst int) RateLimitConfig {
	return RateLimitConfig{
		Rate:          rate.Limit(perSecond),
		Burst:         burst,
		SweepInterval: 5 * time.Minute,
		IdleTTL:       30 * time.Minute,
	}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter keeps one token bucket per client IP. A PBX usually posts
// from a single address, so a bucket is effectively a per-PBX budget.
type IPRateLimiter struct {
	cfg RateLimitConfig
	now func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	rejected atomic.Int64
}

// NewIPRateLimiter creates a limiter whose idle buckets are swept until ctx
// is cancelled.
func NewIPRateLimiter(ctx context.Context, cfg RateLimitConfig) *IPRateLimiter {
	rl := &IPRateLimiter{
		cfg:     cfg,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
	if cfg.SweepInterval > 0 {
		go rl.sweepLoop(ctx)
	}
	return rl
}

// reserve takes a token for ip. It returns zero when the request may
// proceed, otherwise how long the client should wait.
func (rl *IPRateLimiter) reserve(ip string) time.Duration {
	now := rl.now()

	rl.mu.Lock()
	b := rl.buckets[ip]
	if b == nil {
		b = &bucket{limiter: rate.NewLimiter(rl.cfg.Rate, rl.cfg.Burst)}
		rl.buckets[ip] = b
	}
	b.lastSeen = now
	rl.mu.Unlock()

	res := b.limiter.ReserveN(now, 1)
	if !res.OK() {
		rl.rejected.Add(1)
		return time.Second
	}
	delay := res.DelayFrom(now)
	if delay == 0 {
		return 0
	}
	res.CancelAt(now)
	rl.rejected.Add(1)
	return delay
}

// Allow reports whether a request from ip may proceed now.
func (rl *IPRateLimiter) Allow(ip string) bool {
	return rl.reserve(ip) == 0
}

// Len returns the number of clients currently tracked.
func (rl *IPRateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// Rejected returns how many requests were refused since start.
func (rl *IPRateLimiter) Rejected() int64 {
	return rl.rejected.Load()
}

func (rl *IPRateLimiter) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(rl.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := rl.sweep(); n > 0 {
				slog.Debug("ingest rate limiter sweep", "removed", n, "remaining", rl.Len())
			}
		}
	}
}

// sweep drops buckets idle for longer than IdleTTL and returns how many.
func (rl *IPRateLimiter) sweep() int {
	cutoff := rl.now().Add(-rl.cfg.IdleTTL)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	for ip, b := range rl.buckets {
		if !b.lastSeen.After(cutoff) {
			delete(rl.buckets, ip)
			removed++
		}
	}
	return removed
}

// RateLimit refuses requests over the client's budget with 429 and a
// Retry-After header holding the whole seconds until a token is free.
func RateLimit(limiter *IPRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := extractIP(r)
			if wait := limiter.reserve(ip); wait > 0 {
				retry := int(math.Ceil(wait.Seconds()))
				slog.Warn("ingest rate limit exceeded",
					"ip", ip,
					"path", r.URL.Path,
					"retry_after", retry,
				)
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// extractIP returns the host part of RemoteAddr. chi's RealIP middleware
// runs first, so a proxy's forwarded address is used when present.
func extractIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
