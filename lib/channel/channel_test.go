package channel

import (
	"testing"
	"time"

	apperrors "github.com/go-batt/nowlink/lib/errors"
	"github.com/go-batt/nowlink/lib/radio"
	"github.com/go-batt/nowlink/lib/wire"
)

func TestDefaultTimingTotals(t *testing.T) {
	timing := DefaultTiming()
	if got := timing.LockDuration(); got != 450*time.Millisecond {
		t.Errorf("LockDuration = %v, want 450ms", got)
	}
}

func TestScannerAdvancesAfterBudget(t *testing.T) {
	timing := DefaultTiming() // 3 probes per channel
	s := NewScanner(timing, 1)
	if s.Channel() != 1 {
		t.Fatalf("start channel = %d, want 1", s.Channel())
	}
	// Probes 2 and 3 stay on channel 1, probe 4 moves to channel 2.
	for i := 0; i < 2; i++ {
		ch, retuned := s.Next()
		if ch != 1 || retuned {
			t.Fatalf("probe %d: ch=%d retuned=%v, want 1,false", i+2, ch, retuned)
		}
	}
	ch, retuned := s.Next()
	if ch != 2 || !retuned {
		t.Fatalf("ch=%d retuned=%v, want 2,true", ch, retuned)
	}
}

func TestScannerWrapsAtChannel14(t *testing.T) {
	s := NewScanner(Timing{ProbesPerChannel: 1}, wire.MaxChannel)
	ch, retuned := s.Next()
	if ch != wire.MinChannel || !retuned {
		t.Errorf("ch=%d retuned=%v, want %d,true", ch, retuned, wire.MinChannel)
	}
}

func TestScannerReset(t *testing.T) {
	s := NewScanner(Timing{ProbesPerChannel: 1}, 5)
	s.Next()
	s.Reset(9)
	if s.Channel() != 9 {
		t.Errorf("Channel = %d, want 9", s.Channel())
	}
	s.Reset(0) // invalid, clamps to minimum
	if s.Channel() != wire.MinChannel {
		t.Errorf("Channel = %d, want %d", s.Channel(), wire.MinChannel)
	}
}

func TestManagerLockOwnership(t *testing.T) {
	d := radio.NewHub().NewDriver(wire.Addr{1})
	m := NewManager(d)
	now := time.Unix(9000, 0)

	if err := m.Lock(now, 6, "link", "peer found"); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if !m.Locked() || m.Current() != 6 {
		t.Fatalf("locked=%v channel=%d, want locked on 6", m.Locked(), m.Current())
	}
	owner, reason, held := m.LockInfo()
	if !held || owner != "link" || reason != "peer found" {
		t.Errorf("LockInfo = %q, %q, %v", owner, reason, held)
	}

	// Repeating the same lock by the same owner is a no-op, with no
	// pacing cost.
	if err := m.Lock(now, 6, "link", "peer found"); err != nil {
		t.Errorf("repeated Lock: %v", err)
	}

	// Another owner can neither lock nor retune while the lock holds.
	if err := m.Lock(now.Add(time.Second), 9, "scanner", "probing"); !apperrors.Is(err, apperrors.ErrAlreadyExists) {
		t.Errorf("foreign Lock err = %v, want ErrChannelLockHeld", err)
	}
	if err := m.Retune(now.Add(time.Second), 9); !apperrors.Is(err, apperrors.ErrAlreadyExists) {
		t.Errorf("Retune under lock err = %v, want ErrChannelLockHeld", err)
	}

	// Unlock frees the channel without moving it.
	m.Unlock("connection lost")
	if m.Locked() || m.Current() != 6 {
		t.Errorf("after Unlock: locked=%v channel=%d", m.Locked(), m.Current())
	}
	if err := m.Retune(now.Add(time.Second), 9); err != nil {
		t.Errorf("Retune after Unlock: %v", err)
	}
}

func TestManagerLockPacing(t *testing.T) {
	d := radio.NewHub().NewDriver(wire.Addr{1})
	m := NewManager(d)
	now := time.Unix(9000, 0)

	if err := m.Lock(now, 3, "link", "first"); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	m.Unlock("test")

	// A second lock inside the 100 ms window is deferred.
	if err := m.Lock(now.Add(50*time.Millisecond), 4, "link", "too soon"); !apperrors.IsRateLimited(err) {
		t.Errorf("err = %v, want rate limited", err)
	}
	if err := m.Lock(now.Add(LockInterval), 4, "link", "spaced"); err != nil {
		t.Errorf("spaced Lock: %v", err)
	}
	m.Unlock("test")

	// Retunes share the same pacing.
	if err := m.Retune(now.Add(LockInterval+time.Millisecond), 5); !apperrors.IsRateLimited(err) {
		t.Errorf("fast Retune err = %v, want rate limited", err)
	}
	if err := m.Retune(now.Add(2*LockInterval), 5); err != nil {
		t.Errorf("spaced Retune: %v", err)
	}
}

func TestManagerRejectsBadChannel(t *testing.T) {
	d := radio.NewHub().NewDriver(wire.Addr{1})
	m := NewManager(d)
	if err := m.Retune(time.Unix(9000, 0), 0); !apperrors.Is(err, radio.ErrBadChannel) {
		t.Errorf("err = %v, want ErrBadChannel", err)
	}
}
