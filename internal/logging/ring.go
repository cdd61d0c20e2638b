package logging

import (
	"encoding/json"
	"sync"
)

// DefaultRingSize is the number of entries kept for the /logs endpoint.
const DefaultRingSize = 400

// Ring is an io.Writer that keeps the most recent JSON log entries in memory.
type Ring struct {
	mu      sync.Mutex
	entries []json.RawMessage
	next    int
	full    bool
}

// NewRing creates a ring holding up to size entries.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &Ring{entries: make([]json.RawMessage, size)}
}

// Write stores one log entry. zerolog calls Write once per event.
func (r *Ring) Write(p []byte) (int, error) {
	entry := make(json.RawMessage, len(p))
	copy(entry, p)

	r.mu.Lock()
	r.entries[r.next] = entry
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()

	return len(p), nil
}

// Entries returns the buffered entries, oldest first.
func (r *Ring) Entries() []json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]json.RawMessage, r.next)
		copy(out, r.entries[:r.next])
		return out
	}
	out := make([]json.RawMessage, 0, len(r.entries))
	out = append(out, r.entries[r.next:]...)
	out = append(out, r.entries[:r.next]...)
	return out
}

// Clear drops every buffered entry.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.entries {
		r.entries[i] = nil
	}
	r.next = 0
	r.full = false
}
