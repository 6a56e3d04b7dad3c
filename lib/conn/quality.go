package conn

import "sync"

// QualityWindowSize is how many recent unicast outcomes feed the link
// quality figure.
const QualityWindowSize = 20

// DegradeThresholdPct is the quality below which a connected link is
// reported degraded.
const DegradeThresholdPct = 60

// QualityWindow tracks link quality as the acked fraction of the last
// QualityWindowSize unicast sends. Outcomes arrive on the driver's
// callback, reads happen on the worker, hence the lock.
type QualityWindow struct {
	mu    sync.Mutex
	ring  [QualityWindowSize]bool
	next  int
	size  int
	acked int
}

// Observe records one send outcome.
func (q *QualityWindow) Observe(acked bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == QualityWindowSize {
		if q.ring[q.next] {
			q.acked--
		}
	} else {
		q.size++
	}
	q.ring[q.next] = acked
	if acked {
		q.acked++
	}
	q.next = (q.next + 1) % QualityWindowSize
}

// Percent returns the current quality. An empty window reads 100; no
// evidence of loss is not loss.
func (q *QualityWindow) Percent() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size == 0 {
		return 100
	}
	return q.acked * 100 / q.size
}

// Degraded reports whether quality is below the degrade threshold.
func (q *QualityWindow) Degraded() bool {
	return q.Percent() < DegradeThresholdPct
}

// Reset clears the window, used when a link is re-established.
func (q *QualityWindow) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.next = 0
	q.size = 0
	q.acked = 0
}
