package security

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter applies a global token bucket plus one bucket per client.
type RateLimiter struct {
	globalLimiter  *rate.Limiter
	clientLimiters map[string]*clientLimiter
	mu             sync.RWMutex

	// Configuration
	requestsPerSecond float64
	burst             int
	now               func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter. The global bucket allows ten times the
// per-client rate so a single client cannot exhaust it alone.
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		globalLimiter:     rate.NewLimiter(rate.Limit(requestsPerSecond*10), burst*10),
		clientLimiters:    make(map[string]*clientLimiter),
		requestsPerSecond: requestsPerSecond,
		burst:             burst,
		now:               time.Now,
	}
}

// Allow checks if a request should be allowed
func (rl *RateLimiter) Allow(clientID string) bool {
	if !rl.getClientLimiter(clientID).Allow() {
		return false
	}
	return rl.globalLimiter.Allow()
}

// Prune drops client buckets unused for longer than idle and returns how
// many were removed.
func (rl *RateLimiter) Prune(idle time.Duration) int {
	cutoff := rl.now().Add(-idle)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for id, cl := range rl.clientLimiters {
		if cl.lastSeen.Before(cutoff) {
			delete(rl.clientLimiters, id)
			removed++
		}
	}
	return removed
}

// Clients returns the number of tracked client buckets.
func (rl *RateLimiter) Clients() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.clientLimiters)
}

// getClientLimiter gets or creates a rate limiter for a specific client
func (rl *RateLimiter) getClientLimiter(clientID string) *rate.Limiter {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	cl, exists := rl.clientLimiters[clientID]
	if !exists {
		cl = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(rl.requestsPerSecond), rl.burst)}
		rl.clientLimiters[clientID] = cl
	}
	cl.lastSeen = now
	return cl.limiter
}
