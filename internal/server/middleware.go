package server

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/scrypster/mnemo/internal/config"
)

// RequireAuth enforces bearer-token authentication in production mode.
// In development mode, all requests are allowed through.
func RequireAuth(next http.Handler, sec config.SecurityConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sec.Mode != "production" {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || sec.APIToken == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(sec.APIToken)) != 1 {
			respondError(w, http.StatusUnauthorized, "unauthorized", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// maxTrackedClients bounds the per-client limiter table; when it fills up the
// table is reset.
const maxTrackedClients = 10000

// RateLimiter keeps one token bucket per client address.
type RateLimiter struct {
	every   rate.Limit
	burst   int
	mu      sync.Mutex
	clients map[string]*rate.Limiter
}

// NewRateLimiter creates a limiter allowing reqPerSec sustained requests per
// client with the given burst. A non-positive rate disables limiting.
func NewRateLimiter(reqPerSec float64, burst int) *RateLimiter {
	rl := &RateLimiter{burst: max(burst, 1), clients: make(map[string]*rate.Limiter)}
	if reqPerSec > 0 {
		rl.every = rate.Every(time.Duration(float64(time.Second) / reqPerSec))
	} else {
		rl.every = rate.Inf
	}
	return rl
}

// Allow reports whether the client may make a request now.
func (rl *RateLimiter) Allow(client string) bool {
	if rl.every == rate.Inf {
		return true
	}

	rl.mu.Lock()
	lim, ok := rl.clients[client]
	if !ok {
		if len(rl.clients) >= maxTrackedClients {
			rl.clients = make(map[string]*rate.Limiter)
		}
		lim = rate.NewLimiter(rl.every, rl.burst)
		rl.clients[client] = lim
	}
	rl.mu.Unlock()

	return lim.Allow()
}

// RateLimitMiddleware enforces rate limiting on HTTP requests.
func RateLimitMiddleware(next http.Handler, rl *RateLimiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientKey(r)) {
			respondError(w, http.StatusTooManyRequests, "rate limit exceeded", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// securityHeadersMiddleware adds security headers to all HTTP responses.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}
