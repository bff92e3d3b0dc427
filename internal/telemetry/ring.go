package telemetry

import (
	"sync"

	"officemate/backend/internal/telemetry/domain"
)

const defaultRingCapacity = 100

// Ring is a fixed-capacity store of the most recent telemetry entries.
// Memory is O(capacity) regardless of total telemetry volume: once full,
// insertion overwrites the oldest slot.
type Ring struct {
	mu     sync.Mutex
	buf    []domain.Entry
	cursor int
	full   bool
}

// NewRing creates a ring with the given capacity; non-positive values fall
// back to the default (100).
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = defaultRingCapacity
	}
	return &Ring{buf: make([]domain.Entry, 0, capacity)}
}

// Add inserts an entry, overwriting the oldest one once the ring is full. O(1).
func (r *Ring) Add(e domain.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		r.buf = append(r.buf, e)
		if len(r.buf) == cap(r.buf) {
			r.full = true
		}
		return
	}
	r.buf[r.cursor] = e
	r.cursor = (r.cursor + 1) % cap(r.buf)
}

// All returns the stored entries in chronological insertion order,
// reconstructing order across the wrap point. The returned slice is a copy.
func (r *Ring) All() []domain.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Entry, 0, len(r.buf))
	if r.full {
		out = append(out, r.buf[r.cursor:]...)
		out = append(out, r.buf[:r.cursor]...)
		return out
	}
	return append(out, r.buf...)
}

// Len returns the number of stored entries.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// Clear empties the ring, keeping its capacity.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = r.buf[:0]
	r.cursor = 0
	r.full = false
}
