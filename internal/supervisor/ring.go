package supervisor

import "sync"

// RingSize bounds the per-task in-memory output tail shown in snapshots.
const RingSize = 4096

// OutputRing is a byte ring holding the most recent output of one child.
// Writers drop the oldest bytes on overflow; the reader goroutines and the
// tick touch it under a short lock.
type OutputRing struct {
	mu   sync.Mutex
	buf  []byte
	max  int
	full bool
}

// NewOutputRing creates a ring bounded at max bytes (RingSize when max <= 0).
func NewOutputRing(max int) *OutputRing {
	if max <= 0 {
		max = RingSize
	}
	return &OutputRing{buf: make([]byte, 0, max), max: max}
}

// Write appends a chunk, evicting the oldest bytes to stay within bounds.
func (r *OutputRing) Write(chunk []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(chunk) >= r.max {
		r.buf = append(r.buf[:0], chunk[len(chunk)-r.max:]...)
		r.full = true
		return
	}
	r.buf = append(r.buf, chunk...)
	if overflow := len(r.buf) - r.max; overflow > 0 {
		r.buf = r.buf[overflow:]
		r.full = true
	}
}

// String returns a copy of the buffered tail.
func (r *OutputRing) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.buf)
}

// Reset clears the ring.
func (r *OutputRing) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = r.buf[:0]
	r.full = false
}
