package common

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter paces outgoing requests to one exchange host and tracks the
// weight the exchange reports back.
type RateLimiter struct {
	limiter *rate.Limiter

	usedWeight    int
	limit         int
	lastReset     time.Time
	resetInterval time.Duration
	mu            sync.RWMutex
}

// NewRateLimiter creates a limiter allowing rps requests per second with burst,
// warning as the reported weight approaches weightLimit per minute.
func NewRateLimiter(rps float64, burst int, weightLimit int) *RateLimiter {
	return &RateLimiter{
		limiter:       rate.NewLimiter(rate.Limit(rps), burst),
		limit:         weightLimit,
		resetInterval: time.Minute,
		lastReset:     time.Now(),
	}
}

// Wait blocks until a request may be sent or ctx is done.
// Near the weight ceiling it additionally waits for the window to roll.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if rl.ShouldDelay() {
		rl.mu.RLock()
		wait := rl.resetInterval - time.Since(rl.lastReset)
		rl.mu.RUnlock()
		if wait > 0 {
			log.Printf("rate limit: weight near ceiling, delaying %v", wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
	}
	return rl.limiter.Wait(ctx)
}

// UpdateFromHeader updates the used weight from API response header.
func (rl *RateLimiter) UpdateFromHeader(headerValue string) {
	if headerValue == "" || rl.limit <= 0 {
		return
	}

	weight, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if time.Since(rl.lastReset) >= rl.resetInterval {
		rl.usedWeight = 0
		rl.lastReset = time.Now()
	}

	rl.usedWeight = weight

	percentage := float64(rl.usedWeight) / float64(rl.limit) * 100
	if percentage >= 95 {
		log.Printf("rate limit critical: %d/%d (%.1f%%) - approaching ban threshold", rl.usedWeight, rl.limit, percentage)
	} else if percentage >= 80 {
		log.Printf("rate limit warning: %d/%d (%.1f%%)", rl.usedWeight, rl.limit, percentage)
	}
}

// GetUsage returns current usage information.
func (rl *RateLimiter) GetUsage() (used int, limit int, percentage float64) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	if rl.limit <= 0 || time.Since(rl.lastReset) >= rl.resetInterval {
		return 0, rl.limit, 0
	}

	return rl.usedWeight, rl.limit, float64(rl.usedWeight) / float64(rl.limit) * 100
}

// ShouldDelay returns true if we should delay the next request.
func (rl *RateLimiter) ShouldDelay() bool {
	_, _, pct := rl.GetUsage()
	return pct >= 90
}

// Host limiters are shared by every adapter talking to the same host, so that
// many user connections on one exchange still respect the host-wide budget.
var (
	hostLimiters = make(map[string]*RateLimiter)
	hostMu       sync.Mutex
)

// LimiterFor returns the shared limiter for host, creating it on first use.
func LimiterFor(host string, rps float64, burst, weightLimit int) *RateLimiter {
	hostMu.Lock()
	defer hostMu.Unlock()
	if rl, ok := hostLimiters[host]; ok {
		return rl
	}
	rl := NewRateLimiter(rps, burst, weightLimit)
	hostLimiters[host] = rl
	return rl
}
