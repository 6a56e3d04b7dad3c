// Package channel owns radio channel selection: the timing profile of
// the lock sequence, the discovery scan plan, and the retune bookkeeping
// shared by both roles.
package channel

import (
	"sync"
	"time"

	"github.com/go-batt/nowlink/lib/radio"
	"github.com/go-batt/nowlink/lib/wire"
)

// Timing is the channel-lock timing profile. The defaults reproduce the
// pacing both nodes were tuned with; shortening them below the radio's
// retune latency breaks the lock handshake, so treat them as a matched
// set.
type Timing struct {
	// TransitionDelay is the pause after retuning before any unicast.
	TransitionDelay time.Duration

	// RegistrationDelay is the pause after registering the peer before
	// traffic starts.
	RegistrationDelay time.Duration

	// StabilizeDelay is the quiet period before the channel is declared
	// locked.
	StabilizeDelay time.Duration

	// ProbeInterval is the pause between discovery probes on one channel.
	ProbeInterval time.Duration

	// ProbesPerChannel is how many unanswered probes are sent before
	// discovery moves to the next channel.
	ProbesPerChannel int
}

// DefaultTiming returns the stock 450 ms lock profile.
func DefaultTiming() Timing {
	return Timing{
		TransitionDelay:   50 * time.Millisecond,
		RegistrationDelay: 100 * time.Millisecond,
		StabilizeDelay:    300 * time.Millisecond,
		ProbeInterval:     500 * time.Millisecond,
		ProbesPerChannel:  3,
	}
}

// LockDuration is the total quiet time of the lock sequence.
func (t Timing) LockDuration() time.Duration {
	return t.TransitionDelay + t.RegistrationDelay + t.StabilizeDelay
}

// Scanner walks the channel space during discovery. Each channel gets
// ProbesPerChannel attempts before the scanner advances; the walk wraps
// around indefinitely until the caller stops it.
type Scanner struct {
	timing  Timing
	channel uint8
	tries   int
}

// NewScanner starts a scan at the given channel.
func NewScanner(timing Timing, start uint8) *Scanner {
	if !wire.ValidChannel(start) {
		start = wire.MinChannel
	}
	if timing.ProbesPerChannel <= 0 {
		timing.ProbesPerChannel = DefaultTiming().ProbesPerChannel
	}
	return &Scanner{timing: timing, channel: start}
}

// Channel returns the channel currently being probed.
func (s *Scanner) Channel() uint8 { return s.channel }

// Next advances the scan by one probe attempt and returns the channel
// the next probe should go out on, plus whether the scanner moved to a
// new channel (the radio must retune before probing).
func (s *Scanner) Next() (ch uint8, retuned bool) {
	s.tries++
	if s.tries >= s.timing.ProbesPerChannel {
		s.tries = 0
		s.channel++
		if s.channel > wire.MaxChannel {
			s.channel = wire.MinChannel
		}
		return s.channel, true
	}
	return s.channel, false
}

// Reset restarts the scan at the given channel.
func (s *Scanner) Reset(start uint8) {
	if !wire.ValidChannel(start) {
		start = wire.MinChannel
	}
	s.channel = start
	s.tries = 0
}

// LockInterval is the minimum spacing between channel locks (and
// retunes). The radio loses frames on both sides while it settles, so
// faster changes only hurt.
const LockInterval = 100 * time.Millisecond

// Manager tracks which channel the radio is tuned to and who, if
// anyone, has it locked. Retunes go through here so a lock can never
// survive a channel change it did not ask for. The caller supplies the
// clock, matching the passive state machines it serves.
type Manager struct {
	mu     sync.Mutex
	driver radio.Driver

	locked   bool
	owner    string
	reason   string
	lastMove time.Time
}

// NewManager creates a manager for driver.
func NewManager(driver radio.Driver) *Manager {
	return &Manager{driver: driver}
}

// Current returns the radio's channel.
func (m *Manager) Current() uint8 { return m.driver.Channel() }

// Retune moves the radio to ch. It fails with ErrChannelLockHeld while
// any lock is held, and with ErrRetuneRateLimited when called within
// LockInterval of the previous change.
func (m *Manager) Retune(now time.Time, ch uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch == m.driver.Channel() {
		return nil
	}
	if m.locked {
		return ErrChannelLockHeld
	}
	if now.Sub(m.lastMove) < LockInterval {
		return ErrRetuneRateLimited
	}
	if err := m.driver.SetChannel(ch); err != nil {
		return err
	}
	m.lastMove = now
	return nil
}

// Lock pins the radio to ch on owner's behalf, retuning if needed.
// Repeating the same lock by the same owner is a no-op; a lock held by
// a different owner makes it fail with ErrChannelLockHeld. At most one
// lock goes through per LockInterval.
func (m *Manager) Lock(now time.Time, ch uint8, owner, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked {
		if m.owner != owner {
			return ErrChannelLockHeld
		}
		if ch == m.driver.Channel() {
			return nil
		}
	}
	if now.Sub(m.lastMove) < LockInterval {
		return ErrRetuneRateLimited
	}
	if ch != m.driver.Channel() {
		if err := m.driver.SetChannel(ch); err != nil {
			return err
		}
	}
	m.locked = true
	m.owner = owner
	m.reason = reason
	m.lastMove = now
	return nil
}

// Unlock releases the lock. The channel stays where it is but becomes
// freely changeable again.
func (m *Manager) Unlock(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locked = false
	m.owner = ""
	m.reason = reason
}

// Locked reports whether the current channel is locked.
func (m *Manager) Locked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked
}

// LockInfo returns the lock's owner and reason while one is held.
func (m *Manager) LockInfo() (owner, reason string, held bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.locked {
		return "", "", false
	}
	return m.owner, m.reason, true
}
