package auth

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"voxsynq/pkg/utils"
)

// Token issuance is external: the core receives a caller identity in the
// X-User-Id header and trusts it (a gateway in front terminates auth).

type ctxKey struct{}

// Identity returns the authenticated user id for the request, empty if
// the middleware did not run.
func Identity(r *http.Request) string {
	if v, ok := r.Context().Value(ctxKey{}).(string); ok {
		return v
	}
	return ""
}

// limiterPool keeps one token bucket per identity.
type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*rate.Limiter
	rps   float64
	burst int
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.m == nil {
		p.m = make(map[string]*rate.Limiter)
	}
	if l, ok := p.m[key]; ok {
		return l
	}
	rps := p.rps
	if rps <= 0 {
		rps = 5
	}
	burst := p.burst
	if burst <= 0 {
		burst = 10
	}
	l := rate.NewLimiter(rate.Limit(rps), burst)
	p.m[key] = l
	return l
}

func (p *limiterPool) Allow(key string) bool {
	return p.get(key).Allow()
}

// Middleware resolves the caller identity and applies per-identity rate
// limiting. rps <= 0 disables limiting.
func Middleware(next http.Handler, rps float64, burst int) http.Handler {
	var pool *limiterPool
	if rps > 0 {
		pool = &limiterPool{rps: rps, burst: burst}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-User-Id"))
		if id == "" {
			utils.JSONError(w, http.StatusUnauthorized, "missing X-User-Id")
			return
		}
		if pool != nil && !pool.Allow(id) {
			utils.JSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}
