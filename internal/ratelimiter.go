package internal

import (
	"sync"

	"golang.org/x/time/rate"
)

// LimiterPool hands out a token-bucket limiter per key (client IP). Buckets
// are created lazily and kept for the process lifetime; the key space is
// bounded by the number of distinct callers.
type LimiterPool struct {
	mu    sync.Mutex
	m     map[string]*rate.Limiter
	rps   float64
	burst int
}

func NewLimiterPool(rps float64, burst int) *LimiterPool {
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 20
	}
	return &LimiterPool{m: make(map[string]*rate.Limiter), rps: rps, burst: burst}
}

func (p *LimiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.m[key]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(p.rps), p.burst)
	p.m[key] = l
	return l
}

// Allow reports whether the caller identified by key may proceed now.
func (p *LimiterPool) Allow(key string) bool {
	return p.get(key).Allow()
}
