package middleware

import (
	"context"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterSweepInterval = time.Minute
	limiterIdleTTL       = 3 * time.Minute
)

// RateLimitConfig holds configuration for the per-IP limiter.
type RateLimitConfig struct {
	RequestsPerMin int      // sustained rate per client IP; <= 0 disables limiting
	BurstSize      int      // bucket size
	TrustedProxies []string // peers whose X-Forwarded-For / X-Real-IP is honoured
}

type ipBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPLimiter is a token-bucket limiter keyed by client IP. Idle buckets are
// swept until ctx is cancelled.
type IPLimiter struct {
	cfg     RateLimitConfig
	mu      sync.Mutex
	buckets map[string]*ipBucket
}

// NewIPLimiter creates a limiter and starts its sweeper.
func NewIPLimiter(ctx context.Context, cfg RateLimitConfig) *IPLimiter {
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	l := &IPLimiter{cfg: cfg, buckets: make(map[string]*ipBucket)}
	if cfg.RequestsPerMin > 0 {
		go l.sweep(ctx)
	}
	return l
}

func (l *IPLimiter) sweep(ctx context.Context) {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			for ip, b := range l.buckets {
				if time.Since(b.lastSeen) > limiterIdleTTL {
					delete(l.buckets, ip)
				}
			}
			l.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}

// Allow reports whether r may proceed, consuming a token.
func (l *IPLimiter) Allow(r *http.Request) bool {
	if l == nil || l.cfg.RequestsPerMin <= 0 {
		return true
	}
	ip := ClientIP(r, l.cfg.TrustedProxies)

	l.mu.Lock()
	b, ok := l.buckets[ip]
	if !ok {
		b = &ipBucket{limiter: rate.NewLimiter(rate.Limit(l.cfg.RequestsPerMin)/60.0, l.cfg.BurstSize)}
		l.buckets[ip] = b
	}
	b.lastSeen = time.Now()
	l.mu.Unlock()

	return b.limiter.Allow()
}

// Tracked returns the number of client IPs with a live bucket.
func (l *IPLimiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Middleware rejects over-limit requests with 429.
func (l *IPLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(r) {
			w.Header().Set("Retry-After", "60")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the peer IP of r. Proxy headers are only believed when
// the direct peer is listed in trustedProxies.
func ClientIP(r *http.Request, trustedProxies []string) string {
	directIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(directIP); err == nil {
		directIP = host
	}
	if !slices.Contains(trustedProxies, directIP) {
		return directIP
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	return directIP
}
