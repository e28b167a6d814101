// Package ratelimit enforces per-provider request rate limits ahead of
// dispatch, so a saturated backend is throttled locally instead of burning
// its quota on guaranteed 429s.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Pool holds one limiter per configured provider. Providers without a
// configured limit pass through untouched.
type Pool struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
}

// NewPool creates an empty limiter pool.
func NewPool() *Pool {
	return &Pool{limiters: make(map[string]*rate.Limiter)}
}

// Set installs a requests-per-minute limit for a provider. A burst of zero
// defaults to one request. RPM of zero removes the limit.
func (p *Pool) Set(provider string, rpm, burst int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if rpm <= 0 {
		delete(p.limiters, provider)
		return
	}
	if burst <= 0 {
		burst = 1
	}
	p.limiters[provider] = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst)
}

// Wait blocks until the provider's limiter admits one request or the
// context expires. Unlimited providers return immediately.
func (p *Pool) Wait(ctx context.Context, provider string) error {
	p.mu.RLock()
	limiter, ok := p.limiters[provider]
	p.mu.RUnlock()

	if !ok {
		return nil
	}
	return limiter.Wait(ctx)
}
