package conn

import (
	"sync"

	apperrors "github.com/go-batt/nowlink/lib/errors"
)

// OutboxDepth is how many frames are retained while the link is down.
const OutboxDepth = 32

// Outbox holds frames queued while the link is down. When full, the
// oldest frame is evicted: fresher telemetry is worth more than stale.
type Outbox struct {
	mu      sync.Mutex
	frames  [][]byte
	evicted uint64
}

// Push queues a frame. When the outbox is full the oldest frame is
// evicted and ErrQueueFull is returned; the new frame is still queued.
func (o *Outbox) Push(frame []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var err error
	if len(o.frames) >= OutboxDepth {
		o.frames = o.frames[1:]
		o.evicted++
		err = apperrors.ErrQueueFull
	}
	o.frames = append(o.frames, frame)
	return err
}

// Drain returns and clears all queued frames, oldest first.
func (o *Outbox) Drain() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	frames := o.frames
	o.frames = nil
	return frames
}

// Len returns the number of queued frames.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.frames)
}

// Evicted returns how many frames were dropped to make room.
func (o *Outbox) Evicted() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.evicted
}
