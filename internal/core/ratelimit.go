package core

import (
	"sync"
	"time"

	"github.com/ollamaverse/tokengate/internal/metrics"
)

const rateLimitWindow = time.Minute

// RateLimiter enforces a per-key fixed 60-second request window. Keys are
// token ids; unauthenticated endpoints are limited separately by caller
// address at the router level. Each key has its own lock so distinct tokens
// never contend beyond the map lookup.
type RateLimiter struct {
	defaultLimit int

	mu      sync.RWMutex
	windows map[string]*rateWindow

	stop chan struct{}
	now  func() time.Time
}

type rateWindow struct {
	mu    sync.Mutex
	start time.Time
	count int
}

// NewRateLimiter creates a rate limiter with the given service-wide default
// limit and starts a background sweep of idle windows.
func NewRateLimiter(defaultLimitPerMinute int) *RateLimiter {
	if defaultLimitPerMinute <= 0 {
		defaultLimitPerMinute = 60
	}
	rl := &RateLimiter{
		defaultLimit: defaultLimitPerMinute,
		windows:      make(map[string]*rateWindow),
		stop:         make(chan struct{}),
		now:          time.Now,
	}
	go rl.sweep()
	return rl
}

// Admit decides whether a request for the given key may proceed, counting it
// against the current window. limitPerMinute overrides the service default
// when positive (the per-token limit stored on the record). The counter is
// updated synchronously, before the admission decision is returned.
func (rl *RateLimiter) Admit(key string, limitPerMinute int) error {
	if limitPerMinute <= 0 {
		limitPerMinute = rl.defaultLimit
	}

	w := rl.window(key)
	now := rl.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	if now.Sub(w.start) >= rateLimitWindow {
		w.start = now
		w.count = 0
	}
	if w.count >= limitPerMinute {
		metrics.RateLimited.Inc()
		return &RateLimitError{RetryAfter: w.start.Add(rateLimitWindow).Sub(now)}
	}
	w.count++
	return nil
}

func (rl *RateLimiter) window(key string) *rateWindow {
	rl.mu.RLock()
	w, ok := rl.windows[key]
	rl.mu.RUnlock()
	if ok {
		return w
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if w, ok := rl.windows[key]; ok {
		return w
	}
	w = &rateWindow{start: rl.now()}
	rl.windows[key] = w
	return w
}

// sweep periodically drops windows that have been idle for two full
// window lengths so revoked or abandoned tokens do not leak memory.
func (rl *RateLimiter) sweep() {
	ticker := time.NewTicker(rateLimitWindow)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			cutoff := rl.now().Add(-2 * rateLimitWindow)
			rl.mu.Lock()
			for key, w := range rl.windows {
				w.mu.Lock()
				stale := w.start.Before(cutoff)
				w.mu.Unlock()
				if stale {
					delete(rl.windows, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// Close stops the background sweep.
func (rl *RateLimiter) Close() {
	close(rl.stop)
}
