package whatsapp

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter paces outgoing sends, one token bucket per session
type RateLimiter struct {
	sessions map[string]*rate.Limiter
	mutex    sync.Mutex
	limit    rate.Limit
	burst    int
}

func NewRateLimiter(limit rate.Limit, burst int) *RateLimiter {
	return &RateLimiter{
		sessions: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

func (rl *RateLimiter) limiter(key string) *rate.Limiter {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	limiter, exists := rl.sessions[key]
	if !exists {
		limiter = rate.NewLimiter(rl.limit, rl.burst)
		rl.sessions[key] = limiter
	}
	return limiter
}

// Wait blocks until key may send or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context, key string) error {
	return rl.limiter(key).Wait(ctx)
}

// Forget drops the bucket of a deleted session.
func (rl *RateLimiter) Forget(key string) {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()
	delete(rl.sessions, key)
}
