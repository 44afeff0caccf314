package api

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// agentLimiter enforces a per-agent request rate. Limiters are kept in
// memory per instance; the limit is a politeness bound, not a quota, so
// per-instance accounting is acceptable.
type agentLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newAgentLimiter(rps float64, burst int) *agentLimiter {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &agentLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (a *agentLimiter) limiter(agent string) *rate.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()

	l, ok := a.limiters[agent]
	if !ok {
		l = rate.NewLimiter(a.rps, a.burst)
		a.limiters[agent] = l
	}
	return l
}

// RateLimitMiddleware rejects callers exceeding the per-agent rate with a
// 429 and a retry hint.
func (a *agentLimiter) RateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.limiter(agentID(r)).Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, CodeRateLimited, "Too many requests; slow down.", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
