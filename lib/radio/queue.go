package radio

import "sync/atomic"

// DefaultQueueDepth matches the firmware's receive ring size.
const DefaultQueueDepth = 16

// Queue is the bounded handoff between the driver's receive callback and
// the protocol worker. Enqueue never blocks: when the queue is full the
// frame is dropped and counted, because stalling the receive path would
// lose frames at the radio instead, invisibly.
type Queue struct {
	ch      chan Frame
	dropped atomic.Uint64
}

// NewQueue creates a queue with the given depth; depth <= 0 uses
// DefaultQueueDepth.
func NewQueue(depth int) *Queue {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &Queue{ch: make(chan Frame, depth)}
}

// Enqueue offers a frame without blocking. It reports whether the frame
// was accepted.
func (q *Queue) Enqueue(f Frame) bool {
	select {
	case q.ch <- f:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// C is the consumer side, owned by the protocol worker.
func (q *Queue) C() <-chan Frame { return q.ch }

// Dropped returns the number of frames discarded due to overflow.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

// Len returns the number of frames currently waiting.
func (q *Queue) Len() int { return len(q.ch) }
