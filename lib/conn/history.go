package conn

import (
	"sync"
	"time"
)

// HistoryDepth is how many transitions the ring retains.
const HistoryDepth = 32

// Transition is one recorded state change.
type Transition struct {
	From State
	To   State
	At   time.Time
}

// History is a fixed-depth ring of state transitions, kept for the
// diagnostics surfaces. Reads can come from the web handler goroutine,
// so it carries its own lock.
type History struct {
	mu   sync.Mutex
	ring [HistoryDepth]Transition
	next int
	size int
}

// Record appends a transition, evicting the oldest when full.
func (h *History) Record(from, to State, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ring[h.next] = Transition{From: from, To: to, At: at}
	h.next = (h.next + 1) % HistoryDepth
	if h.size < HistoryDepth {
		h.size++
	}
}

// Snapshot returns the transitions oldest-first.
func (h *History) Snapshot() []Transition {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Transition, 0, h.size)
	start := h.next - h.size
	if start < 0 {
		start += HistoryDepth
	}
	for i := 0; i < h.size; i++ {
		out = append(out, h.ring[(start+i)%HistoryDepth])
	}
	return out
}

// Len returns the number of retained transitions.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.size
}
