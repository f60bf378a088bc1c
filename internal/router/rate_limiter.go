package router

import (
	"sync"
	"time"
)

// DefaultActionsPerMinute is used when the configured limit is not positive.
const DefaultActionsPerMinute = 600

// RateLimiter caps the number of actions each connection may send per
// one-minute window.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	clients map[string]*ClientLimit
	now     func() time.Time
}

// ClientLimit tracks the current window of a single connection.
type ClientLimit struct {
	actionCount int
	windowStart time.Time
}

// NewRateLimiter creates a limiter allowing perMinute actions per connection.
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = DefaultActionsPerMinute
	}
	return &RateLimiter{
		limit:   perMinute,
		window:  time.Minute,
		clients: make(map[string]*ClientLimit),
		now:     time.Now,
	}
}

// Allow records one action for connID and reports whether it is within the limit.
func (rl *RateLimiter) Allow(connID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	limit, exists := rl.clients[connID]
	if !exists {
		rl.clients[connID] = &ClientLimit{
			actionCount: 1,
			windowStart: now,
		}
		return true
	}

	if now.Sub(limit.windowStart) >= rl.window {
		limit.actionCount = 1
		limit.windowStart = now
		return true
	}

	if limit.actionCount >= rl.limit {
		return false
	}

	limit.actionCount++
	return true
}

// Forget drops the state of a disconnected connection.
func (rl *RateLimiter) Forget(connID string) {
	rl.mu.Lock()
	delete(rl.clients, connID)
	rl.mu.Unlock()
}

// Cleanup removes entries idle for more than five windows.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for connID, limit := range rl.clients {
		if now.Sub(limit.windowStart) > 5*rl.window {
			delete(rl.clients, connID)
		}
	}
}

// Tracked reports how many connections currently have rate state.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}
