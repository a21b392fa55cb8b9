package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter throttles requests per client key (agent id when known,
// otherwise remote host). Idle limiters are dropped after an hour.
type RateLimiter struct {
	mu       sync.Mutex
	clients  map[string]*clientLimiter
	rps      rate.Limit
	burst    int
	lastSeen time.Duration
}

type clientLimiter struct {
	lim  *rate.Limiter
	seen time.Time
}

func NewRateLimiter(rps float64, burst int) *RateLimiter {
	rl := &RateLimiter{
		clients:  map[string]*clientLimiter{},
		rps:      rate.Limit(rps),
		burst:    burst,
		lastSeen: time.Hour,
	}
	go rl.sweep()
	return rl
}

func (rl *RateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	c, ok := rl.clients[key]
	if !ok {
		c = &clientLimiter{lim: rate.NewLimiter(rl.rps, rl.burst)}
		rl.clients[key] = c
	}
	c.seen = time.Now()
	return c.lim.Allow()
}

func (rl *RateLimiter) sweep() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		rl.mu.Lock()
		for k, c := range rl.clients {
			if time.Since(c.seen) > rl.lastSeen {
				delete(rl.clients, k)
			}
		}
		rl.mu.Unlock()
	}
}

// Middleware wraps a handler with the per-client limit. Health and metrics
// endpoints are exempt.
func (s *Server) RateLimit(rl *RateLimiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz", "/readyz", "/metrics":
			next.ServeHTTP(w, r)
			return
		}
		pr := s.getPrincipal(r)
		key := pr.Tenant + "|" + pr.AgentID
		if pr.AgentID == "" {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			key = pr.Tenant + "|" + host
		}
		if !rl.allow(key) {
			writeProblem(w, http.StatusTooManyRequests, "Rate limit exceeded", "slow down", r.URL.Path)
			return
		}
		next.ServeHTTP(w, r)
	})
}
