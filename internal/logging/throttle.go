package logging

import (
	"sync"
	"time"
)

// Throttle limits how often a message identified by a key may be logged.
type Throttle struct {
	mu     sync.Mutex
	window time.Duration
	last   map[string]time.Time
	now    func() time.Time
}

// NewThrottle creates a throttle that admits one entry per key per window.
func NewThrottle(window time.Duration) *Throttle {
	return &Throttle{
		window: window,
		last:   make(map[string]time.Time),
		now:    time.Now,
	}
}

// Allow reports whether an entry for key may be logged now.
func (t *Throttle) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if prev, ok := t.last[key]; ok && now.Sub(prev) < t.window {
		return false
	}
	t.last[key] = now

	// Keep the map from growing without bound on churny keys
	if len(t.last) > 1024 {
		for k, ts := range t.last {
			if now.Sub(ts) >= t.window {
				delete(t.last, k)
			}
		}
	}
	return true
}
