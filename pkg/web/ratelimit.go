package web

import (
	"net/http"
	"sync"
	"time"
)

const (
	rateWindow     = time.Minute
	retryAfterSecs = 60

	loginPath = "/auth/login"
)

// rateLimiter is a sliding-window counter per (client IP, bucket). State
// is in-memory and per-process; a restart empties the window.
type rateLimiter struct {
	mu     sync.Mutex
	hits   map[string][]time.Time
	lastGC time.Time
	now    func() time.Time

	loginLimit int
	apiLimit   int
}

func newRateLimiter(loginLimit, apiLimit int) *rateLimiter {
	return &rateLimiter{
		hits:       make(map[string][]time.Time),
		now:        time.Now,
		loginLimit: loginLimit,
		apiLimit:   apiLimit,
	}
}

// allow records a hit for key and reports whether it stays within limit.
func (rl *rateLimiter) allow(key string, limit int) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rateWindow)

	recent := rl.hits[key][:0]
	for _, t := range rl.hits[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	if len(recent) >= limit {
		rl.hits[key] = recent
		return false
	}
	rl.hits[key] = append(recent, now)

	// Amortized cleanup of idle keys.
	if now.Sub(rl.lastGC) > rateWindow {
		for k, ts := range rl.hits {
			if len(ts) == 0 || !ts[len(ts)-1].After(cutoff) {
				delete(rl.hits, k)
			}
		}
		rl.lastGC = now
	}
	return true
}

// rateLimit applies the login bucket to the login path and the api bucket
// everywhere else non-exempt.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		ip := clientIP(r)
		bucket, limit := "api", s.limiter.apiLimit
		if r.URL.Path == loginPath {
			bucket, limit = "login", s.limiter.loginLimit
		}
		if !s.limiter.allow(ip+"|"+bucket, limit) {
			WriteTooManyRequests(w, retryAfterSecs)
			return
		}
		next.ServeHTTP(w, r)
	})
}
