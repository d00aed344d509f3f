package auth

import (
	"math"
	"net"
	"net/http"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/api/problem"
)

// ClientLimiter hands out one token bucket per client. Idle buckets expire.
type ClientLimiter struct {
	limit   rate.Limit
	burst   int
	buckets *cache.Cache
}

// NewClientLimiter allows rps requests per second with burst per client.
// rps <= 0 disables limiting.
func NewClientLimiter(rps float64, burst int) *ClientLimiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = int(math.Ceil(rps))
	}
	return &ClientLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		buckets: cache.New(10*time.Minute, 5*time.Minute),
	}
}

// Allow takes a token from key's bucket.
func (l *ClientLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	v, ok := l.buckets.Get(key)
	if !ok {
		v = rate.NewLimiter(l.limit, l.burst)
		if err := l.buckets.Add(key, v, cache.DefaultExpiration); err != nil {
			if existing, found := l.buckets.Get(key); found {
				v = existing
			}
		}
	}
	return v.(*rate.Limiter).Allow()
}

func (l *ClientLimiter) retryAfter() int {
	secs := int(math.Ceil(1 / float64(l.limit)))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// RateLimitMiddleware limits per institution when authenticated, otherwise
// per remote host. A nil limiter lets everything through.
func RateLimitMiddleware(l *ClientLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if l == nil {
				next.ServeHTTP(w, r)
				return
			}
			key := clientKey(r)
			if !l.Allow(key) {
				problem.TooManyRequests(w, r, l.retryAfter())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	if p, ok := PrincipalFrom(r.Context()); ok {
		return "institution:" + p.InstitutionID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
