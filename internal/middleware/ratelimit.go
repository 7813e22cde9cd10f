package middleware

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/aslanahmtv/notification-service/internal/auth"
	"github.com/aslanahmtv/notification-service/internal/httputil"
)

const (
	limiterSweepInterval = time.Minute
	limiterIdleTTL       = 3 * time.Minute
)

// clientLimiter holds a rate limiter and the last time it was accessed.
type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiterStore manages per-client rate limiters with periodic eviction.
type rateLimiterStore struct {
	mu       sync.Mutex
	limiters map[string]*clientLimiter
	rps      float64
	burst    int
}

// newRateLimiterStore creates a store whose sweeper runs until ctx ends.
func newRateLimiterStore(ctx context.Context, rps float64, burst int) *rateLimiterStore {
	s := &rateLimiterStore{
		limiters: make(map[string]*clientLimiter),
		rps:      rps,
		burst:    burst,
	}
	go s.cleanup(ctx)
	return s
}

// getLimiter returns the rate limiter for key, creating one if needed.
func (s *rateLimiterStore) getLimiter(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if entry, ok := s.limiters[key]; ok {
		entry.lastSeen = now
		return entry.limiter
	}
	entry := &clientLimiter{limiter: rate.NewLimiter(rate.Limit(s.rps), s.burst), lastSeen: now}
	s.limiters[key] = entry
	return entry.limiter
}

func (s *rateLimiterStore) evictIdle(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, entry := range s.limiters {
		if now.Sub(entry.lastSeen) > limiterIdleTTL {
			delete(s.limiters, key)
		}
	}
}

func (s *rateLimiterStore) cleanup(ctx context.Context) {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			s.evictIdle(now)
		case <-ctx.Done():
			return
		}
	}
}

// clientIP returns the host part of RemoteAddr. X-Forwarded-For is ignored
// because any client can set it.
func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr might not have a port.
		return r.RemoteAddr
	}
	return ip
}

// rateLimitKey buckets authenticated requests per user and anonymous ones
// per remote address.
func rateLimitKey(r *http.Request) string {
	if userID := auth.UserIDFromContext(r.Context()); userID != "" {
		return "user:" + userID
	}
	return "ip:" + clientIP(r)
}

// RateLimitMiddleware enforces a token bucket per client. rps is the
// sustained rate and burst the bucket size. Idle buckets are swept until ctx
// is cancelled.
func RateLimitMiddleware(ctx context.Context, rps float64, burst int) mux.MiddlewareFunc {
	store := newRateLimiterStore(ctx, rps, burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !store.getLimiter(rateLimitKey(r)).Allow() {
				w.Header().Set("Retry-After", "1")
				httputil.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
