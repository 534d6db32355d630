package auth

import (
	"net"
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"personadb/pkg/utils"
)

// LimiterPool keeps one token bucket per client key (API key, else remote
// host).
type LimiterPool struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewLimiterPool builds a pool; rps<=0 disables limiting.
func NewLimiterPool(rps float64, burst int) *LimiterPool {
	if burst <= 0 {
		burst = 10
	}
	return &LimiterPool{
		limiters: map[string]*rate.Limiter{},
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (p *LimiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[key]
	if !ok {
		l = rate.NewLimiter(p.rps, p.burst)
		p.limiters[key] = l
	}
	return l
}

// Middleware rejects clients over their budget with 429.
func (p *LimiterPool) Middleware(next http.Handler) http.Handler {
	if p == nil || p.rps <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := bearerKey(r)
		if key == "" {
			if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
				key = host
			} else {
				key = r.RemoteAddr
			}
		}
		if !p.get(key).Allow() {
			utils.JSONError(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
