package ratelimit

import (
	"sync"

	ratelib "golang.org/x/time/rate"
)

// Limiter gates request passage per (backend endpoint, source ip) pair,
// one token bucket per pair.
type Limiter struct {
	// mu protects the limiters map.
	mu sync.RWMutex
	// limiters stores rate.Limiter instances keyed by "endpoint|ip".
	limiters map[string]*ratelib.Limiter

	rps   float64
	burst int
}

// Config defines the parameters shared by all buckets.
type Config struct {
	// RequestsPerSecond is the average number of requests per second allowed.
	RequestsPerSecond float64
	// Burst is the maximum number of requests that can exceed the rate limit instantaneously.
	Burst int
}

// New creates a Limiter with the given bucket parameters.
func New(cfg Config) *Limiter {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*ratelib.Limiter),
		rps:      rps,
		burst:    burst,
	}
}

// RequestPassage reports whether a request keyed by backend endpoint and
// source ip may pass. O(1), never blocks.
func (l *Limiter) RequestPassage(endpoint, sourceIP string) bool {
	key := endpoint + "|" + sourceIP

	l.mu.RLock()
	lim, ok := l.limiters[key]
	l.mu.RUnlock()

	if !ok {
		l.mu.Lock()
		// Double-check
		lim, ok = l.limiters[key]
		if !ok {
			lim = ratelib.NewLimiter(ratelib.Limit(l.rps), l.burst)
			l.limiters[key] = lim
		}
		l.mu.Unlock()
	}

	return lim.Allow()
}

// Remove removes the bucket for the given key pair.
// Useful for cleanup if needed.
func (l *Limiter) Remove(endpoint, sourceIP string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, endpoint+"|"+sourceIP)
}
