package conn

import (
	"testing"
	"time"

	apperrors "github.com/go-batt/nowlink/lib/errors"
)

func TestQualityWindow(t *testing.T) {
	q := &QualityWindow{}
	if q.Percent() != 100 {
		t.Errorf("empty window = %d%%, want 100", q.Percent())
	}
	for i := 0; i < 10; i++ {
		q.Observe(true)
	}
	if q.Percent() != 100 || q.Degraded() {
		t.Errorf("all-acked = %d%%, degraded=%v", q.Percent(), q.Degraded())
	}
	for i := 0; i < 10; i++ {
		q.Observe(false)
	}
	if q.Percent() != 50 {
		t.Errorf("half-acked = %d%%, want 50", q.Percent())
	}
	if !q.Degraded() {
		t.Error("50%% should be degraded")
	}
	// Window slides: 20 more acks push the failures out.
	for i := 0; i < QualityWindowSize; i++ {
		q.Observe(true)
	}
	if q.Percent() != 100 {
		t.Errorf("after recovery = %d%%, want 100", q.Percent())
	}
	q.Reset()
	if q.Percent() != 100 {
		t.Errorf("after reset = %d%%, want 100", q.Percent())
	}
}

func TestOutboxEviction(t *testing.T) {
	o := &Outbox{}
	for i := 0; i < OutboxDepth; i++ {
		if err := o.Push([]byte{byte(i)}); err != nil {
			t.Fatalf("Push %d: %v", i, err)
		}
	}
	if err := o.Push([]byte{0xFF}); !apperrors.Is(err, apperrors.ErrQueueFull) {
		t.Errorf("overflow Push err = %v, want ErrQueueFull", err)
	}
	if o.Len() != OutboxDepth {
		t.Errorf("Len = %d, want %d", o.Len(), OutboxDepth)
	}
	if o.Evicted() != 1 {
		t.Errorf("Evicted = %d, want 1", o.Evicted())
	}
	frames := o.Drain()
	// Oldest frame (0) was evicted; frame 1 is now first, 0xFF last.
	if frames[0][0] != 1 || frames[len(frames)-1][0] != 0xFF {
		t.Errorf("drain order wrong: first=%d last=%#x", frames[0][0], frames[len(frames)-1][0])
	}
	if o.Len() != 0 {
		t.Errorf("Len after drain = %d", o.Len())
	}
}

func TestBackoffCurve(t *testing.T) {
	// No jitter so the curve is exact.
	b := NewBackoff(BackoffConfig{
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	})

	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("Next %d = %v, want %v", i, got, w)
		}
	}
	b.Reset()
	if got := b.Next(); got != time.Second {
		t.Errorf("after Reset = %v, want 1s", got)
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	b := NewBackoff(DefaultBackoffConfig())
	for i := 0; i < 20; i++ {
		d := b.Next()
		if d < 0 || d > time.Duration(float64(time.Minute)*1.2) {
			t.Fatalf("delay %v out of bounds", d)
		}
	}
}

func TestHistoryRing(t *testing.T) {
	h := &History{}
	base := time.Unix(100, 0)
	for i := 0; i < HistoryDepth+5; i++ {
		h.Record(StateDiscovering, StateWaitingForAck, base.Add(time.Duration(i)*time.Second))
	}
	if h.Len() != HistoryDepth {
		t.Fatalf("Len = %d, want %d", h.Len(), HistoryDepth)
	}
	snap := h.Snapshot()
	if len(snap) != HistoryDepth {
		t.Fatalf("snapshot len = %d", len(snap))
	}
	// Oldest retained entry is number 5.
	if snap[0].At != base.Add(5*time.Second) {
		t.Errorf("oldest = %v, want +5s", snap[0].At)
	}
	if snap[len(snap)-1].At != base.Add(time.Duration(HistoryDepth+4)*time.Second) {
		t.Errorf("newest = %v", snap[len(snap)-1].At)
	}
}

func TestHeartbeatSender(t *testing.T) {
	hb := newHeartbeatSender(5*time.Second, 3)
	now := time.Unix(1000, 0)
	hb.reset(now)

	if hb.due(now.Add(4 * time.Second)) {
		t.Error("due before interval")
	}
	if !hb.due(now.Add(5 * time.Second)) {
		t.Error("not due at interval")
	}

	m1 := hb.build(now.Add(5*time.Second), StateConnected, 0, 0)
	if m1.Seq != 1 || m1.UptimeMs != 5000 {
		t.Errorf("first heartbeat = %+v", m1)
	}
	hb.build(now.Add(10*time.Second), StateConnected, 0, 0)
	if hb.lost() {
		t.Error("lost after 2 unacked")
	}
	hb.build(now.Add(15*time.Second), StateConnected, 0, 0)
	if !hb.lost() {
		t.Error("not lost after 3 unacked")
	}

	if hb.onAck(99) {
		t.Error("ack for a future sequence accepted")
	}
	if !hb.onAck(2) {
		t.Error("ack for an old sequence rejected; liveness is liveness")
	}
	if hb.lost() {
		t.Error("still lost after ack")
	}
}

func TestSilenceTracker(t *testing.T) {
	s := newSilenceTracker(90*time.Second, 15*time.Second)
	now := time.Unix(2000, 0)
	s.observe(now)

	if got := s.state(now.Add(10 * time.Second)); got != StateConnected {
		t.Errorf("10s silence = %s, want connected", got)
	}
	if got := s.state(now.Add(20 * time.Second)); got != StateDegraded {
		t.Errorf("20s silence = %s, want degraded", got)
	}
	if got := s.state(now.Add(91 * time.Second)); got != StateListening {
		t.Errorf("91s silence = %s, want listening", got)
	}
}

func TestStateStrings(t *testing.T) {
	states := []State{
		StateUninitialized, StateDiscovering, StateWaitingForAck,
		StateAckReceived, StateChannelTransition, StatePeerRegistration,
		StateChannelStabilizing, StateChannelLocked, StateConnected,
		StateDegraded, StateReconnecting, StateError, StateListening,
		StateProbeReceived, StateSendingAck, StateTransmitterLocking,
	}
	seen := map[string]bool{}
	for _, s := range states {
		str := s.String()
		if str == "unknown" || seen[str] {
			t.Errorf("state %d has bad or duplicate name %q", s, str)
		}
		seen[str] = true
	}
	if !StateConnected.Up() || !StateDegraded.Up() || StateListening.Up() {
		t.Error("Up() classification wrong")
	}
}
