package conn

import (
	"time"

	"github.com/go-batt/nowlink/lib/wire"
)

// Heartbeat timing defaults. The transmitter gives up after three
// unanswered heartbeats; the receiver tolerates much longer silence
// because a transmitter mid-reboot stays quiet for tens of seconds.
const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultMaxMissedAcks     = 3
	DefaultSilenceTimeout    = 90 * time.Second
)

// heartbeatSender produces the transmitter's periodic heartbeats and
// tracks acknowledgements. Not safe for concurrent use; it lives inside
// the transmitter machine.
type heartbeatSender struct {
	interval  time.Duration
	maxMissed int

	seq      uint32
	lastSent time.Time
	unacked  int
	started  time.Time
}

func newHeartbeatSender(interval time.Duration, maxMissed int) *heartbeatSender {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if maxMissed <= 0 {
		maxMissed = DefaultMaxMissedAcks
	}
	return &heartbeatSender{interval: interval, maxMissed: maxMissed}
}

// reset arms the sender for a fresh link. The sequence deliberately
// keeps counting across reconnects; regressions are how the peer
// detects our reboot, not our reconnect.
func (h *heartbeatSender) reset(now time.Time) {
	h.lastSent = now
	h.unacked = 0
	if h.started.IsZero() {
		h.started = now
	}
}

// due reports whether the next heartbeat should go out.
func (h *heartbeatSender) due(now time.Time) bool {
	return now.Sub(h.lastSent) >= h.interval
}

// build produces the next heartbeat and counts it as unacknowledged.
func (h *heartbeatSender) build(now time.Time, state State, clock wire.TimeSource, unix uint64) wire.Heartbeat {
	h.seq++
	h.lastSent = now
	h.unacked++
	return wire.Heartbeat{
		Seq:        h.seq,
		UptimeMs:   uint32(now.Sub(h.started) / time.Millisecond),
		State:      state.Wire(),
		UnixTime:   unix,
		TimeSource: clock,
	}
}

// onAck consumes an acknowledgement. Acks for stale sequences still
// prove the peer is alive, so any ack clears the missed counter.
func (h *heartbeatSender) onAck(ackSeq uint32) bool {
	if ackSeq > h.seq {
		return false
	}
	h.unacked = 0
	return true
}

// lost reports whether too many heartbeats went unanswered.
func (h *heartbeatSender) lost() bool {
	return h.unacked >= h.maxMissed
}

// silenceTracker is the receiver's view of transmitter liveness. The
// receiver never probes; it only watches traffic arrive.
type silenceTracker struct {
	timeout   time.Duration
	degraded  time.Duration
	lastHeard time.Time
}

func newSilenceTracker(timeout, degradedAfter time.Duration) *silenceTracker {
	if timeout <= 0 {
		timeout = DefaultSilenceTimeout
	}
	if degradedAfter <= 0 || degradedAfter >= timeout {
		degradedAfter = 3 * DefaultHeartbeatInterval
	}
	return &silenceTracker{timeout: timeout, degraded: degradedAfter}
}

// observe records traffic from the transmitter.
func (s *silenceTracker) observe(now time.Time) {
	s.lastHeard = now
}

// silentFor returns the time since the last frame.
func (s *silenceTracker) silentFor(now time.Time) time.Duration {
	return now.Sub(s.lastHeard)
}

// state classifies the current silence.
func (s *silenceTracker) state(now time.Time) State {
	switch d := s.silentFor(now); {
	case d > s.timeout:
		return StateListening
	case d > s.degraded:
		return StateDegraded
	default:
		return StateConnected
	}
}
