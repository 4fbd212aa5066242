package fusion

import "sync"

// ResultHistory is a fixed-capacity ring of recent fused results. The
// arbitrator appends from its fusion goroutine; monitor handlers and the
// websocket hub read snapshots concurrently.
type ResultHistory struct {
	mu       sync.RWMutex
	results  []*Result
	capacity int
	head     int
	size     int
}

// NewResultHistory creates a ring with the given capacity (minimum 1).
func NewResultHistory(capacity int) *ResultHistory {
	if capacity < 1 {
		capacity = 256
	}
	return &ResultHistory{
		results:  make([]*Result, capacity),
		capacity: capacity,
	}
}

// Add stores a result, overwriting the oldest at capacity.
func (h *ResultHistory) Add(r *Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.results[h.head] = r
	h.head = (h.head + 1) % h.capacity
	if h.size < h.capacity {
		h.size++
	}
}

// Latest returns the most recent result, or nil when empty.
func (h *ResultHistory) Latest() *Result {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.size == 0 {
		return nil
	}
	idx := (h.head - 1 + h.capacity) % h.capacity
	return h.results[idx]
}

// Recent returns up to n results, newest first. n <= 0 means everything
// buffered.
func (h *ResultHistory) Recent(n int) []*Result {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if n <= 0 || n > h.size {
		n = h.size
	}
	out := make([]*Result, 0, n)
	for i := 1; i <= n; i++ {
		idx := (h.head - i + h.capacity) % h.capacity
		out = append(out, h.results[idx])
	}
	return out
}

// Size returns the number of buffered results.
func (h *ResultHistory) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

// Clear drops everything buffered.
func (h *ResultHistory) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.results {
		h.results[i] = nil
	}
	h.head = 0
	h.size = 0
}
